package models

import "time"

type Phase string

const (
	PhasePending            Phase = "pending"
	PhaseAudience           Phase = "audience_generation"
	PhaseTestSend           Phase = "test_send"
	PhaseCancellationWindow Phase = "cancellation_window"
	PhaseLiveSend           Phase = "live_send"
	PhaseCleanup            Phase = "cleanup"
	PhaseDone               Phase = "done"
)

type ExecutionStatus string

const (
	ExecutionRunning          ExecutionStatus = "running"
	ExecutionCompleted        ExecutionStatus = "completed"
	ExecutionCancelled        ExecutionStatus = "cancelled"
	ExecutionEmergencyStopped ExecutionStatus = "emergency_stopped"
	ExecutionFailed           ExecutionStatus = "failed"
	ExecutionAborted          ExecutionStatus = "aborted"
)

type ControlAction string

const (
	ActionPause         ControlAction = "pause"
	ActionCancel        ControlAction = "cancel"
	ActionEmergencyStop ControlAction = "emergency_stop"
)

type TestMode string

const (
	TestModeDryRun     TestMode = "test_dry_run"
	TestModeLive       TestMode = "test_live"
	TestModeRealDryRun TestMode = "real_dry_run"
)

// Execution is the ephemeral record of one run of an automation.
type Execution struct {
	ID               string          `json:"id"`
	AutomationID     string          `json:"automationId"`
	Phase            Phase           `json:"phase"`
	Status           ExecutionStatus `json:"status"`
	ScheduledFor     time.Time       `json:"scheduledFor"`
	StartedAt        time.Time       `json:"startedAt"`
	FinishedAt       *time.Time      `json:"finishedAt,omitempty"`
	AudienceSize     int             `json:"audienceSize"`
	AudienceChecksum string          `json:"audienceChecksum,omitempty"`
	TestSent         int             `json:"testSent"`
	Sent             int             `json:"sent"`
	Failed           int             `json:"failed"`
	Excluded         int             `json:"excluded"`
	Skipped          int             `json:"skipped"`
	Error            string          `json:"error,omitempty"`
}

type TestRunReport struct {
	AutomationID string          `json:"automationId"`
	ExecutionID  string          `json:"executionId"`
	Mode         TestMode        `json:"mode"`
	Messages     []MessageReport `json:"messages"`
	Violation    string          `json:"violation,omitempty"`
}

type MessageReport struct {
	Index        int            `json:"index"`
	LayerID      int            `json:"layerId"`
	AudienceSize int            `json:"audienceSize"`
	Eligible     int            `json:"eligible"`
	Excluded     int            `json:"excluded"`
	Sent         int            `json:"sent"`
	Failed       int            `json:"failed"`
	FailOpen     bool           `json:"failOpen,omitempty"`
	Previews     []RenderedPush `json:"previews,omitempty"`
}

type RenderedPush struct {
	UserID   string `json:"userId"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	DeepLink string `json:"deepLink,omitempty"`
}
