// Package safeguard enforces the hard limits around a campaign execution
// and keeps the list of recent violations.
package safeguard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/franzego/pushcadence/internal/clock"
	"github.com/franzego/pushcadence/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Violation is a recorded breach. A critical Violation returned as an error
// aborts the execution that caused it.
type Violation struct {
	models.Violation
}

func (v *Violation) Error() string {
	return fmt.Sprintf("safeguard %s (%s): %s", v.Kind, v.Severity, v.Message)
}

func (v *Violation) Critical() bool { return v.Severity == models.SeverityCritical }

// Alerter receives critical violations.
type Alerter interface {
	Alert(ctx context.Context, v models.Violation) error
}

type Options struct {
	MaxConcurrent          int
	DefaultMaxAudienceSize int
	HistorySize            int
}

type Monitor struct {
	opts    Options
	slots   chan struct{}
	alerter Alerter
	clock   clock.Clock
	logger  *zap.Logger

	mu         sync.Mutex
	violations []models.Violation
}

func New(opts Options, alerter Alerter, clk clock.Clock, logger *zap.Logger) *Monitor {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 100
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		opts:    opts,
		slots:   make(chan struct{}, opts.MaxConcurrent),
		alerter: alerter,
		clock:   clk,
		logger:  logger.With(zap.String("component", "safeguard")),
	}
}

func (m *Monitor) MaxConcurrent() int { return m.opts.MaxConcurrent }

// Running reports how many concurrency slots are held.
func (m *Monitor) Running() int { return len(m.slots) }

// AudienceCeiling is the maximum audience a's executions may reach.
func (m *Monitor) AudienceCeiling(a models.Automation) int {
	if a.Settings.Safeguards.MaxAudienceSize > 0 {
		return a.Settings.Safeguards.MaxAudienceSize
	}
	return m.opts.DefaultMaxAudienceSize
}

// CheckAudience compares an audience size with the automation's ceiling.
// It returns a critical violation above the ceiling, records a warning at
// or above the warning threshold and returns nil otherwise.
func (m *Monitor) CheckAudience(ctx context.Context, a models.Automation, executionID string, size int) *Violation {
	ceiling := m.AudienceCeiling(a)
	if ceiling > 0 && size > ceiling {
		return m.Record(ctx, models.Violation{
			AutomationID: a.ID,
			ExecutionID:  executionID,
			Kind:         models.ViolationAudienceCeiling,
			Severity:     models.SeverityCritical,
			Message:      fmt.Sprintf("audience of %d exceeds the ceiling of %d", size, ceiling),
			Observed:     float64(size),
			Limit:        float64(ceiling),
		})
	}
	if warn := a.Settings.Safeguards.AlertThresholds.AudienceSizeWarning; warn > 0 && size >= warn {
		m.Record(ctx, models.Violation{
			AutomationID: a.ID,
			ExecutionID:  executionID,
			Kind:         models.ViolationAudienceWarning,
			Severity:     models.SeverityWarning,
			Message:      fmt.Sprintf("audience of %d reached the warning threshold of %d", size, warn),
			Observed:     float64(size),
			Limit:        float64(warn),
		})
	}
	return nil
}

// CheckFailureRate records a warning when failed/(sent+failed) reaches the
// automation's failure-rate threshold.
func (m *Monitor) CheckFailureRate(ctx context.Context, a models.Automation, executionID string, sent, failed int) *Violation {
	threshold := a.Settings.Safeguards.AlertThresholds.FailureRateWarning
	total := sent + failed
	if threshold <= 0 || total == 0 {
		return nil
	}
	rate := float64(failed) / float64(total)
	if rate < threshold {
		return nil
	}
	return m.Record(ctx, models.Violation{
		AutomationID: a.ID,
		ExecutionID:  executionID,
		Kind:         models.ViolationFailureRate,
		Severity:     models.SeverityWarning,
		Message:      fmt.Sprintf("%d of %d deliveries failed", failed, total),
		Observed:     rate,
		Limit:        threshold,
	})
}

// Acquire takes an execution slot, blocking while all are held. The
// returned release func must be called exactly once.
func (m *Monitor) Acquire(ctx context.Context, automationID, executionID string) (func(), error) {
	select {
	case m.slots <- struct{}{}:
		return m.releaser(), nil
	default:
	}

	m.Record(ctx, models.Violation{
		AutomationID: automationID,
		ExecutionID:  executionID,
		Kind:         models.ViolationConcurrency,
		Severity:     models.SeverityWarning,
		Message:      "concurrency ceiling reached, execution deferred",
		Observed:     float64(m.opts.MaxConcurrent),
		Limit:        float64(m.opts.MaxConcurrent),
	})
	select {
	case m.slots <- struct{}{}:
		m.logger.Info("deferred execution acquired a slot",
			zap.String("automation_id", automationID),
			zap.String("execution_id", executionID),
		)
		return m.releaser(), nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (m *Monitor) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-m.slots })
	}
}

// Record stores v, logs it and forwards critical ones to the alerter.
func (m *Monitor) Record(ctx context.Context, v models.Violation) *Violation {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.At.IsZero() {
		v.At = m.clock.Now()
	}

	m.mu.Lock()
	m.violations = append(m.violations, v)
	if over := len(m.violations) - m.opts.HistorySize; over > 0 {
		m.violations = append([]models.Violation(nil), m.violations[over:]...)
	}
	m.mu.Unlock()

	fields := []zap.Field{
		zap.String("violation_id", v.ID),
		zap.String("kind", string(v.Kind)),
		zap.String("automation_id", v.AutomationID),
		zap.String("execution_id", v.ExecutionID),
		zap.Float64("observed", v.Observed),
		zap.Float64("limit", v.Limit),
	}
	if v.Severity != models.SeverityCritical {
		m.logger.Warn(v.Message, fields...)
		return &Violation{Violation: v}
	}

	m.logger.Error(v.Message, append(fields, zap.Bool("alert", true))...)
	if m.alerter != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := m.alerter.Alert(actx, v); err != nil {
			m.logger.Error("failed to deliver safeguard alert", zap.String("violation_id", v.ID), zap.Error(err))
		}
	}
	return &Violation{Violation: v}
}

// Violations returns the recent violations, newest last.
func (m *Monitor) Violations() []models.Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Violation(nil), m.violations...)
}
