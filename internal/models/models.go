package models

import "time"

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message"`
}

type ControlRequest struct {
	Action ControlAction `json:"action" binding:"required"`
	Reason string        `json:"reason"`
}

type TestRunRequest struct {
	Mode TestMode `json:"mode" binding:"required"`
}

// PushMessagePayload is the JSON body published for one recipient.
type PushMessagePayload struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	ExecutionID    string    `json:"execution_id"`
	AutomationID   string    `json:"automation_id"`
	MessageIndex   int       `json:"message_index"`
	UserID         string    `json:"user_id"`
	LayerID        int       `json:"layer_id"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	DeepLink       string    `json:"deep_link,omitempty"`
	Test           bool      `json:"test"`
	Timestamp      time.Time `json:"timestamp"`
	CorrelationID  string    `json:"correlation_id"`
}

type HealthStatus struct {
	InstanceID           string    `json:"instance_id"`
	ScheduledTriggers    int       `json:"scheduled_triggers"`
	ExpectedActive       int       `json:"expected_active"`
	Drift                int       `json:"drift"`
	RunningExecutions    int       `json:"running_executions"`
	MaxConcurrent        int       `json:"max_concurrent"`
	StoreError           string    `json:"store_error,omitempty"`
	CheckedAt            time.Time `json:"checked_at"`
	UnscheduledActiveIDs []string  `json:"unscheduled_active_ids,omitempty"`
	OrphanTriggerIDs     []string  `json:"orphan_trigger_ids,omitempty"`
}

type RestoreReport struct {
	Expected  int      `json:"expected"`
	Scheduled int      `json:"scheduled"`
	Drift     int      `json:"drift"`
	Removed   int      `json:"removed"`
	Failed    []string `json:"failed,omitempty"`
	// StoreError is set when the store could not be read completely; no
	// trigger is removed in that case.
	StoreError string `json:"store_error,omitempty"`
}

type ControlResult struct {
	AutomationID string           `json:"automation_id"`
	Action       ControlAction    `json:"action"`
	ExecutionID  string           `json:"execution_id,omitempty"`
	Status       AutomationStatus `json:"status"`
	IsActive     bool             `json:"is_active"`
}

type ExecutionList struct {
	Running []Execution `json:"running"`
	Recent  []Execution `json:"recent"`
}
