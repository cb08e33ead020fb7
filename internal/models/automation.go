package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type AutomationStatus string

const (
	StatusDraft     AutomationStatus = "draft"
	StatusActive    AutomationStatus = "active"
	StatusPaused    AutomationStatus = "paused"
	StatusCompleted AutomationStatus = "completed"
)

type Frequency string

const (
	FrequencyOnce     Frequency = "once"
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekdays Frequency = "weekdays"
	FrequencyWeekly   Frequency = "weekly"
)

const (
	dateLayout     = "2006-01-02"
	maxLeadMinutes = 24 * 60
)

var (
	ErrInvalidAutomation = errors.New("invalid automation")
	ErrInvalidSchedule   = errors.New("invalid schedule")
)

// AudienceCriteria is opaque to the engine and interpreted by the audience provider.
type AudienceCriteria map[string]interface{}

type Automation struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Status           AutomationStatus `json:"status"`
	IsActive         bool             `json:"isActive"`
	Schedule         Schedule         `json:"schedule"`
	PushSequence     []PushMessage    `json:"pushSequence"`
	AudienceCriteria AudienceCriteria `json:"audienceCriteria"`
	Settings         Settings         `json:"settings"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

type Schedule struct {
	Frequency       Frequency `json:"frequency"`
	ExecutionTime   string    `json:"executionTime"`
	Timezone        string    `json:"timezone"`
	LeadTimeMinutes int       `json:"leadTimeMinutes"`
	StartDate       string    `json:"startDate"`
}

type PushMessage struct {
	Title            string           `json:"title"`
	Body             string           `json:"body"`
	LayerID          int              `json:"layerId"`
	DeepLink         string           `json:"deepLink,omitempty"`
	DelayMinutes     int              `json:"delayMinutes"`
	AudienceCriteria AudienceCriteria `json:"audienceCriteria,omitempty"`
}

type Settings struct {
	DryRunFirst               bool       `json:"dryRunFirst"`
	CancellationWindowMinutes int        `json:"cancellationWindowMinutes"`
	TestAudience              []string   `json:"testAudience"`
	ExclusiveAudiences        bool       `json:"exclusiveAudiences"`
	Safeguards                Safeguards `json:"safeguards"`
}

type Safeguards struct {
	MaxAudienceSize int             `json:"maxAudienceSize"`
	AlertThresholds AlertThresholds `json:"alertThresholds"`
}

type AlertThresholds struct {
	AudienceSizeWarning int     `json:"audienceSizeWarning"`
	FailureRateWarning  float64 `json:"failureRateWarning"`
}

// Schedulable reports whether the automation should own a live trigger.
func (a Automation) Schedulable() bool {
	return a.IsActive && a.Status == StatusActive
}

// LeadTime is the gap between audience generation and send time.
func (a Automation) LeadTime() time.Duration {
	return time.Duration(a.Schedule.LeadTimeMinutes) * time.Minute
}

// Clone returns a deep copy so executions never observe later edits.
func (a Automation) Clone() Automation {
	out := a
	out.PushSequence = make([]PushMessage, len(a.PushSequence))
	for i, m := range a.PushSequence {
		m.AudienceCriteria = m.AudienceCriteria.clone()
		out.PushSequence[i] = m
	}
	out.AudienceCriteria = a.AudienceCriteria.clone()
	out.Settings.TestAudience = append([]string(nil), a.Settings.TestAudience...)
	return out
}

func (c AudienceCriteria) clone() AudienceCriteria {
	if c == nil {
		return nil
	}
	out := make(AudienceCriteria, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Validate checks the definition is complete and its schedule parses.
func (a Automation) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidAutomation)
	}
	switch a.Status {
	case StatusDraft, StatusActive, StatusPaused, StatusCompleted:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidAutomation, a.Status)
	}
	if len(a.PushSequence) == 0 {
		return fmt.Errorf("%w: pushSequence must contain at least one message", ErrInvalidAutomation)
	}
	for i, m := range a.PushSequence {
		if strings.TrimSpace(m.Title) == "" || strings.TrimSpace(m.Body) == "" {
			return fmt.Errorf("%w: message %d needs a title and body", ErrInvalidAutomation, i)
		}
		if m.DelayMinutes < 0 {
			return fmt.Errorf("%w: message %d has a negative delay", ErrInvalidAutomation, i)
		}
	}
	if err := a.Schedule.Validate(); err != nil {
		return err
	}
	if a.Settings.CancellationWindowMinutes < 0 || a.Settings.CancellationWindowMinutes > a.Schedule.LeadTimeMinutes {
		return fmt.Errorf("%w: cancellationWindowMinutes must be between 0 and leadTimeMinutes", ErrInvalidAutomation)
	}
	if a.Settings.Safeguards.MaxAudienceSize < 0 {
		return fmt.Errorf("%w: maxAudienceSize must not be negative", ErrInvalidAutomation)
	}
	return nil
}

func (s Schedule) Validate() error {
	switch s.Frequency {
	case FrequencyOnce, FrequencyDaily, FrequencyWeekdays, FrequencyWeekly:
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, s.Frequency)
	}
	if _, _, err := s.TimeOfDay(); err != nil {
		return err
	}
	if _, err := s.Location(); err != nil {
		return err
	}
	if s.LeadTimeMinutes < 0 || s.LeadTimeMinutes > maxLeadMinutes {
		return fmt.Errorf("%w: leadTimeMinutes must be between 0 and %d", ErrInvalidSchedule, maxLeadMinutes)
	}
	start, err := s.StartDay()
	if err != nil {
		return err
	}
	if (s.Frequency == FrequencyOnce || s.Frequency == FrequencyWeekly) && start.IsZero() {
		return fmt.Errorf("%w: frequency %s requires a startDate", ErrInvalidSchedule, s.Frequency)
	}
	return nil
}

// TimeOfDay parses ExecutionTime ("HH:MM").
func (s Schedule) TimeOfDay() (hour, minute int, err error) {
	t, perr := time.Parse("15:04", strings.TrimSpace(s.ExecutionTime))
	if perr != nil {
		return 0, 0, fmt.Errorf("%w: executionTime %q is not HH:MM", ErrInvalidSchedule, s.ExecutionTime)
	}
	return t.Hour(), t.Minute(), nil
}

// Location resolves the schedule timezone; empty means UTC.
func (s Schedule) Location() (*time.Location, error) {
	if strings.TrimSpace(s.Timezone) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, s.Timezone, err)
	}
	return loc, nil
}

// StartDay returns midnight of StartDate in the schedule timezone. An empty
// StartDate yields the zero time (no lower bound).
func (s Schedule) StartDay() (time.Time, error) {
	if strings.TrimSpace(s.StartDate) == "" {
		return time.Time{}, nil
	}
	loc, err := s.Location()
	if err != nil {
		return time.Time{}, err
	}
	d, err := time.ParseInLocation(dateLayout, strings.TrimSpace(s.StartDate), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: startDate %q is not YYYY-MM-DD", ErrInvalidSchedule, s.StartDate)
	}
	return d, nil
}
