package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/franzego/pushcadence/internal/models"
	"github.com/franzego/pushcadence/pkg/circuitbreaker"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var ErrAudienceUnavailable = errors.New("audience service unavailable")

// AudienceProvider turns audience criteria into recipient rows.
type AudienceProvider interface {
	Generate(ctx context.Context, criteria models.AudienceCriteria) ([]models.AudienceRow, error)
}

type AudienceServiceClient struct {
	baseURL    string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

type audienceRequest struct {
	Criteria models.AudienceCriteria `json:"criteria"`
}

type audienceResponse struct {
	Success bool                 `json:"success"`
	Data    []models.AudienceRow `json:"data"`
	Error   string               `json:"error"`
}

func NewAudienceServiceClient(baseURL string, timeout time.Duration, logger *zap.Logger) *AudienceServiceClient {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AudienceServiceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cb:     circuitbreaker.NewCircuitBreaker("audience-service", logger),
		logger: logger,
	}
}

// Generate posts the criteria to /audiences. The service may answer with a
// JSON envelope or a CSV export whose first column header is user_id.
func (a *AudienceServiceClient) Generate(ctx context.Context, criteria models.AudienceCriteria) ([]models.AudienceRow, error) {
	result, err := a.cb.Execute(func() (interface{}, error) {
		body, err := json.Marshal(audienceRequest{Criteria: criteria})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			fmt.Sprintf("%s/audiences", a.baseURL), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/csv")

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: status %d", ErrAudienceUnavailable, resp.StatusCode)
		}
		mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if mediaType == "text/csv" {
			return ParseCSV(resp.Body)
		}
		var out audienceResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode audience response: %w", err)
		}
		if out.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrAudienceUnavailable, out.Error)
		}
		return out.Data, nil
	})
	if err != nil {
		a.logger.Error("audience generation failed", zap.Error(err))
		return nil, err
	}
	return result.([]models.AudienceRow), nil
}

// ParseCSV reads an audience export. The user_id column is required and
// every other column becomes a template variable.
func ParseCSV(r io.Reader) ([]models.AudienceRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	idCol := -1
	for i, h := range header {
		header[i] = strings.TrimSpace(h)
		if header[i] == "user_id" {
			idCol = i
		}
	}
	if idCol < 0 {
		return nil, errors.New("csv audience is missing the user_id column")
	}

	var rows []models.AudienceRow
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		row := models.AudienceRow{Variables: make(map[string]string, len(header))}
		for i, v := range rec {
			if i >= len(header) {
				break
			}
			if i == idCol {
				row.UserID = strings.TrimSpace(v)
				continue
			}
			row.Variables[header[i]] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// StaticProvider serves audiences listed inline in the criteria under
// "userIds". It backs mock mode and test runs without an audience service.
type StaticProvider struct {
	Variables map[string]string
}

func (s StaticProvider) Generate(ctx context.Context, criteria models.AudienceCriteria) ([]models.AudienceRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, ok := criteria["userIds"]
	if !ok {
		return nil, nil
	}
	var ids []string
	switch v := raw.(type) {
	case []string:
		ids = v
	case []interface{}:
		for _, item := range v {
			id, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("userIds must be strings, got %T", item)
			}
			ids = append(ids, id)
		}
	default:
		return nil, fmt.Errorf("userIds must be a list, got %T", raw)
	}
	rows := make([]models.AudienceRow, 0, len(ids))
	for _, id := range ids {
		vars := make(map[string]string, len(s.Variables))
		for k, v := range s.Variables {
			vars[k] = v
		}
		rows = append(rows, models.AudienceRow{UserID: id, Variables: vars})
	}
	return rows, nil
}
