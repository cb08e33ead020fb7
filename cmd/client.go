package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/franzego/pushcadence/internal/models"
	"github.com/spf13/cobra"
)

type clientOptions struct {
	addr  string
	token string
}

type apiClient struct {
	base   string
	token  string
	client *http.Client
}

func newAPIClient(opts *clientOptions) *apiClient {
	return &apiClient{
		base:   strings.TrimRight(opts.addr, "/"),
		token:  opts.token,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends body as JSON and returns the raw response body. Non-2xx responses
// are turned into errors carrying the server's message.
func (c *apiClient) do(cmd *cobra.Command, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusServiceUnavailable {
		var apiResp models.APIResponse
		if json.Unmarshal(data, &apiResp) == nil && apiResp.Error != "" {
			return nil, fmt.Errorf("%s: %s", apiResp.Message, apiResp.Error)
		}
		return nil, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return data, nil
}

func printJSON(cmd *cobra.Command, data []byte) error {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(cmd.OutOrStdout())
	return err
}

func newHealthCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show scheduler health of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newAPIClient(opts).do(cmd, http.MethodGet, "/health", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, data)
		},
	}
}

func newRestoreCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Re-register triggers for every active automation",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newAPIClient(opts).do(cmd, http.MethodPost, "/api/v1/restore", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, data)
		},
	}
}

func newStopCommand(opts *clientOptions) *cobra.Command {
	var action, reason string
	cmd := &cobra.Command{
		Use:   "stop <automation-id>",
		Short: "Pause, cancel or emergency-stop an automation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := models.ControlRequest{Action: models.ControlAction(action), Reason: reason}
			data, err := newAPIClient(opts).do(cmd, http.MethodPost, "/api/v1/automations/"+url.PathEscape(args[0])+"/control", req)
			if err != nil {
				return err
			}
			return printJSON(cmd, data)
		},
	}
	cmd.Flags().StringVar(&action, "action", string(models.ActionEmergencyStop), "pause, cancel or emergency_stop")
	cmd.Flags().StringVar(&reason, "reason", "stopped from cli", "Reason recorded with the action")
	return cmd
}
