package models

import "time"

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type ViolationKind string

const (
	ViolationAudienceCeiling ViolationKind = "audience_ceiling"
	ViolationAudienceWarning ViolationKind = "audience_size_warning"
	ViolationConcurrency     ViolationKind = "concurrency_limit"
	ViolationFailureRate     ViolationKind = "failure_rate"
	ViolationEmergencyStop   ViolationKind = "emergency_stop"
)

// Violation is a recorded safeguard breach.
type Violation struct {
	ID           string        `json:"id"`
	AutomationID string        `json:"automationId"`
	ExecutionID  string        `json:"executionId,omitempty"`
	Kind         ViolationKind `json:"kind"`
	Severity     Severity      `json:"severity"`
	Message      string        `json:"message"`
	Observed     float64       `json:"observed"`
	Limit        float64       `json:"limit"`
	At           time.Time     `json:"at"`
}
