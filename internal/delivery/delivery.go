// Package delivery hands rendered pushes to the downstream pipeline.
package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/franzego/pushcadence/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrDuplicate is returned when a push with the same idempotency key was
// already handed off.
var ErrDuplicate = errors.New("push already delivered")

// Push is one rendered notification for one recipient.
type Push struct {
	IdempotencyKey string
	ExecutionID    string
	AutomationID   string
	MessageIndex   int
	UserID         string
	LayerID        int
	Title          string
	Body           string
	DeepLink       string
	Test           bool
	CorrelationID  string
}

type Sender interface {
	Send(ctx context.Context, p Push) error
}

// IdempotencyKey identifies one (automation, occurrence, message, recipient)
// delivery. The same inputs always give the same key.
func IdempotencyKey(automationID string, occurrence time.Time, messageIndex int, userID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%s", automationID, occurrence.UTC().UnixMilli(), messageIndex, userID)))
	return hex.EncodeToString(sum[:])
}

// TestKey scopes test sends to one execution so reruns are delivered again.
func TestKey(executionID string, messageIndex int, userID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("test|%s|%d|%s", executionID, messageIndex, userID)))
	return hex.EncodeToString(sum[:])
}

// Payload converts p into the wire body.
func Payload(p Push, now time.Time) models.PushMessagePayload {
	return models.PushMessagePayload{
		ID:             uuid.New().String(),
		IdempotencyKey: p.IdempotencyKey,
		ExecutionID:    p.ExecutionID,
		AutomationID:   p.AutomationID,
		MessageIndex:   p.MessageIndex,
		UserID:         p.UserID,
		LayerID:        p.LayerID,
		Title:          p.Title,
		Body:           p.Body,
		DeepLink:       p.DeepLink,
		Test:           p.Test,
		Timestamp:      now,
		CorrelationID:  p.CorrelationID,
	}
}

// DryRunSender logs pushes instead of delivering them.
type DryRunSender struct {
	logger *zap.Logger
}

func NewDryRunSender(logger *zap.Logger) *DryRunSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DryRunSender{logger: logger.With(zap.String("sender", "dry_run"))}
}

func (d *DryRunSender) Send(ctx context.Context, p Push) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.logger.Info("dry run push",
		zap.String("automation_id", p.AutomationID),
		zap.String("execution_id", p.ExecutionID),
		zap.Int("message_index", p.MessageIndex),
		zap.String("user_id", p.UserID),
		zap.Int("layer_id", p.LayerID),
		zap.String("title", p.Title),
		zap.Bool("test", p.Test),
	)
	return nil
}
