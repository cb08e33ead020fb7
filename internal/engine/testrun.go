package engine

import (
	"context"
	"fmt"

	"github.com/franzego/pushcadence/internal/models"
	"github.com/franzego/pushcadence/internal/sequence"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RunTest exercises an automation outside its schedule.
//
// test_dry_run renders the sequence for the test audience without sending.
// test_live sends it to the test audience through the real send path.
// real_dry_run evaluates the real audience against safeguards and cadence
// without sending or recording anything.
func (e *Engine) RunTest(ctx context.Context, id string, mode models.TestMode) (models.TestRunReport, error) {
	switch mode {
	case models.TestModeDryRun, models.TestModeLive, models.TestModeRealDryRun:
	default:
		return models.TestRunReport{}, fmt.Errorf("%w: %q", ErrUnknownTestMode, mode)
	}
	a, err := e.store.Load(ctx, id)
	if err != nil {
		return models.TestRunReport{}, err
	}
	if mode != models.TestModeRealDryRun && len(a.Settings.TestAudience) == 0 {
		return models.TestRunReport{}, ErrNothingToTest
	}

	execID := uuid.New().String()
	log := e.logger.With(
		zap.String("automation_id", id),
		zap.String("execution_id", execID),
		zap.String("mode", string(mode)),
	)
	log.Info("test run started")

	now := e.clock.Now()
	plan, err := e.sequence.Prepare(ctx, sequence.Request{Automation: a, Occurrence: now})
	if err != nil {
		return models.TestRunReport{}, fmt.Errorf("audience generation: %w", err)
	}
	report := models.TestRunReport{AutomationID: id, ExecutionID: execID, Mode: mode}

	switch mode {
	case models.TestModeDryRun:
		tp := testPlan(plan, a.Settings.TestAudience)
		for _, m := range tp.Messages {
			report.Messages = append(report.Messages, models.MessageReport{
				Index:        m.Index,
				LayerID:      m.Message.LayerID,
				AudienceSize: len(m.Rows),
				Eligible:     len(m.Rows),
				Previews:     sequence.Previews(m, e.opts.PreviewLimit),
			})
		}

	case models.TestModeLive:
		tp := testPlan(plan, a.Settings.TestAudience)
		res := e.sequence.Run(ctx, tp, sequence.RunOptions{ExecutionID: execID, CorrelationID: execID, Test: true})
		for i, mr := range res.Messages {
			m := tp.Messages[i]
			report.Messages = append(report.Messages, models.MessageReport{
				Index:        m.Index,
				LayerID:      m.Message.LayerID,
				AudienceSize: len(m.Rows),
				Eligible:     mr.Attempted,
				Sent:         mr.Sent,
				Failed:       mr.Failed,
				Previews:     sequence.Previews(m, e.opts.PreviewLimit),
			})
		}
		if res.Err != nil {
			log.Warn("test send stopped early", zap.Error(res.Err))
		}

	case models.TestModeRealDryRun:
		if ceiling := e.guard.AudienceCeiling(a); ceiling > 0 && plan.Recipients > ceiling {
			report.Violation = fmt.Sprintf("audience of %d exceeds the ceiling of %d", plan.Recipients, ceiling)
		}
		for _, m := range plan.Messages {
			ids := make([]string, len(m.Rows))
			for i, r := range m.Rows {
				ids[i] = r.UserID
			}
			res := e.cadence.Filter(ctx, ids, m.Message.LayerID)
			eligible := make(map[string]bool, len(res.Eligible))
			for _, uid := range res.Eligible {
				eligible[uid] = true
			}
			preview := m
			preview.Rows = nil
			for _, r := range m.Rows {
				if eligible[r.UserID] {
					preview.Rows = append(preview.Rows, r)
				}
			}
			report.Messages = append(report.Messages, models.MessageReport{
				Index:        m.Index,
				LayerID:      m.Message.LayerID,
				AudienceSize: len(m.Rows),
				Eligible:     len(preview.Rows),
				Excluded:     res.ExcludedCount,
				FailOpen:     res.FailOpen,
				Previews:     sequence.Previews(preview, e.opts.PreviewLimit),
			})
		}
	}

	log.Info("test run finished", zap.Int("messages", len(report.Messages)), zap.String("violation", report.Violation))
	return report, nil
}
