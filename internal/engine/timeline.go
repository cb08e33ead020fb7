package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/franzego/pushcadence/internal/models"
	"github.com/franzego/pushcadence/internal/safeguard"
	"github.com/franzego/pushcadence/internal/sequence"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/retry"
	"go.uber.org/zap"
)

type run struct {
	id     string
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu         sync.Mutex
	exec       models.Execution
	phaseStart time.Time
}

func (e *Engine) newRun(a models.Automation, sendAt time.Time) *run {
	ctx, cancel := context.WithCancelCause(e.baseCtx)
	id := uuid.New().String()
	return &run{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		exec: models.Execution{
			ID:           id,
			AutomationID: a.ID,
			Phase:        models.PhasePending,
			Status:       models.ExecutionRunning,
			ScheduledFor: sendAt,
			StartedAt:    e.clock.Now(),
		},
	}
}

func (r *run) update(fn func(x *models.Execution)) {
	r.mu.Lock()
	fn(&r.exec)
	r.mu.Unlock()
}

func (r *run) snapshot() models.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	x := r.exec
	if x.FinishedAt != nil {
		t := *x.FinishedAt
		x.FinishedAt = &t
	}
	return x
}

// statusFor maps a cancellation cause to the execution status it ends in.
func statusFor(cause error) models.ExecutionStatus {
	var v *safeguard.Violation
	switch {
	case errors.Is(cause, errEmergencyStop), errors.As(cause, &v):
		return models.ExecutionEmergencyStopped
	case errors.Is(cause, errCancelledByOperator):
		return models.ExecutionCancelled
	case errors.Is(cause, errShutdown):
		return models.ExecutionAborted
	}
	return models.ExecutionFailed
}

func (e *Engine) phase(r *run, log *zap.Logger, p models.Phase) {
	e.endPhase(r, log, "ok")
	r.mu.Lock()
	r.exec.Phase = p
	r.phaseStart = e.clock.Now()
	r.mu.Unlock()
	log.Info("entering phase", zap.String("phase", string(p)))
}

// endPhase logs the exit of the current phase, if one is in progress.
func (e *Engine) endPhase(r *run, log *zap.Logger, outcome string) {
	r.mu.Lock()
	p, start := r.exec.Phase, r.phaseStart
	r.mu.Unlock()
	if p == models.PhasePending || p == models.PhaseDone {
		return
	}
	log.Info("phase finished",
		zap.String("phase", string(p)),
		zap.String("outcome", outcome),
		zap.Duration("duration", e.clock.Now().Sub(start)),
	)
}

// execute drives one occurrence through audience generation, test send,
// cancellation window, live send and cleanup.
func (e *Engine) execute(r *run, a models.Automation, sendAt time.Time) {
	ctx := r.ctx
	defer r.cancel(nil)
	log := e.logger.With(
		zap.String("automation_id", a.ID),
		zap.String("execution_id", r.id),
		zap.Time("send_at", sendAt),
	)
	log.Info("execution started")

	release, err := e.guard.Acquire(ctx, a.ID, r.id)
	if err != nil {
		e.finish(r, log, statusFor(context.Cause(ctx)), err)
		return
	}
	defer release()

	// Phase 1: audience generation.
	e.phase(r, log, models.PhaseAudience)
	plan, err := e.sequence.Prepare(ctx, sequence.Request{Automation: a, Occurrence: sendAt, TTL: a.LeadTime()})
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			e.finish(r, log, statusFor(cause), cause)
			return
		}
		e.finish(r, log, models.ExecutionFailed, fmt.Errorf("audience generation: %w", err))
		return
	}
	r.update(func(x *models.Execution) {
		x.AudienceSize = plan.Recipients
		x.AudienceChecksum = plan.Checksum
	})
	log.Info("audience generated",
		zap.Int("audience_size", plan.Recipients),
		zap.String("audience_checksum", plan.Checksum),
	)
	if v := e.guard.CheckAudience(ctx, a, r.id, plan.Recipients); v != nil {
		e.sequence.Forget(a.ID)
		if _, err := e.emergencyStop(context.WithoutCancel(ctx), a.ID, v.Message, false); err != nil {
			log.Error("emergency stop after safeguard violation failed", zap.Error(err))
		}
		e.finish(r, log, models.ExecutionEmergencyStopped, v)
		return
	}
	if e.aborted(r, log) {
		return
	}

	// Phase 2: test send.
	if a.Settings.DryRunFirst && len(a.Settings.TestAudience) > 0 {
		e.phase(r, log, models.PhaseTestSend)
		res := e.sequence.Run(ctx, testPlan(plan, a.Settings.TestAudience), sequence.RunOptions{
			ExecutionID:   r.id,
			CorrelationID: r.id,
			Test:          true,
		})
		r.update(func(x *models.Execution) { x.TestSent = res.Sent })
		if res.Sent == 0 && res.Failed > 0 {
			e.sequence.Forget(a.ID)
			e.finish(r, log, models.ExecutionAborted, errAllTestSendsFailed)
			return
		}
		if e.aborted(r, log) {
			return
		}
	}

	// Phase 3: cancellation window.
	e.phase(r, log, models.PhaseCancellationWindow)
	if err := e.cancellationWindow(ctx, log, a, sendAt); err != nil {
		e.sequence.Forget(a.ID)
		e.finish(r, log, statusFor(err), err)
		return
	}

	// Phase 4: live send.
	e.phase(r, log, models.PhaseLiveSend)
	res := e.sequence.Run(ctx, plan, sequence.RunOptions{
		ExecutionID:   r.id,
		CorrelationID: r.id,
		Filter:        e.cadenceFilter(log),
		OnMessageSent: e.recordDeliveries(ctx, log),
	})
	r.update(func(x *models.Execution) {
		x.Sent = res.Sent
		x.Failed = res.Failed
		x.Excluded = res.Excluded
		x.Skipped = res.Skipped
	})

	// Phase 5: cleanup.
	e.phase(r, log, models.PhaseCleanup)
	if res.Err == nil {
		select {
		case <-e.clock.After(e.opts.CleanupDelay):
		case <-e.baseCtx.Done():
		}
	}
	e.cleanup(ctx, log, a, r.id, res)

	status, finalErr := models.ExecutionCompleted, res.Err
	if res.Err != nil {
		status = models.ExecutionFailed
		if cause := context.Cause(ctx); cause != nil {
			status = statusFor(cause)
		}
	}
	e.finish(r, log, status, finalErr)
}

// aborted finishes r when its context was cancelled.
func (e *Engine) aborted(r *run, log *zap.Logger) bool {
	cause := context.Cause(r.ctx)
	if cause == nil {
		return false
	}
	e.sequence.Forget(r.snapshot().AutomationID)
	e.finish(r, log, statusFor(cause), cause)
	return true
}

func (e *Engine) cancellationWindow(ctx context.Context, log *zap.Logger, a models.Automation, sendAt time.Time) error {
	now := e.clock.Now()
	window := time.Duration(a.Settings.CancellationWindowMinutes) * time.Minute
	if remaining := sendAt.Sub(now); remaining < window {
		log.Warn("cancellation window shorter than configured",
			zap.Duration("remaining", remaining),
			zap.Duration("configured", window),
		)
	}
	nextLog := now
	for {
		now = e.clock.Now()
		remaining := sendAt.Sub(now)
		if remaining <= 0 {
			return nil
		}
		if !now.Before(nextLog) {
			log.Info("cancellation window open", zap.Duration("remaining", remaining))
			nextLog = now.Add(e.opts.RemainingLogInterval)
		}
		step := e.opts.PollInterval
		if remaining < step {
			step = remaining
		}
		select {
		case <-e.clock.After(step):
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// testPlan addresses every message to the test audience, rendered with the
// variables of the first real recipient.
func testPlan(plan *sequence.Plan, testAudience []string) *sequence.Plan {
	out := &sequence.Plan{AutomationID: plan.AutomationID, Occurrence: plan.Occurrence, Checksum: plan.Checksum}
	for _, m := range plan.Messages {
		var vars map[string]string
		if len(m.Rows) > 0 {
			vars = m.Rows[0].Variables
		}
		rows := make([]models.AudienceRow, 0, len(testAudience))
		for _, id := range testAudience {
			rows = append(rows, models.AudienceRow{UserID: id, Variables: vars})
		}
		out.Messages = append(out.Messages, sequence.PlannedMessage{
			Index:    m.Index,
			Message:  m.Message,
			Rows:     rows,
			CacheKey: m.CacheKey,
		})
	}
	out.Recipients = len(testAudience)
	return out
}

func (e *Engine) cadenceFilter(log *zap.Logger) sequence.FilterFunc {
	return func(ctx context.Context, msg sequence.PlannedMessage) ([]models.AudienceRow, int) {
		ids := make([]string, len(msg.Rows))
		for i, r := range msg.Rows {
			ids[i] = r.UserID
		}
		res := e.cadence.Filter(ctx, ids, msg.Message.LayerID)
		if res.FailOpen {
			log.Warn("cadence unavailable, message sent without frequency protection",
				zap.Int("message_index", msg.Index),
				zap.Int("layer_id", msg.Message.LayerID),
			)
		}
		eligible := make(map[string]bool, len(res.Eligible))
		for _, id := range res.Eligible {
			eligible[id] = true
		}
		rows := make([]models.AudienceRow, 0, len(res.Eligible))
		for _, r := range msg.Rows {
			if eligible[r.UserID] {
				rows = append(rows, r)
			}
		}
		return rows, res.ExcludedCount
	}
}

func (e *Engine) recordDeliveries(ctx context.Context, log *zap.Logger) func(sequence.PlannedMessage, []string, time.Time) {
	ctx = context.WithoutCancel(ctx)
	return func(msg sequence.PlannedMessage, delivered []string, sentAt time.Time) {
		attempt := 0
		err := retry.Do(func() error {
			attempt++
			err := e.cadence.RecordDelivery(ctx, delivered, msg.Message.LayerID, sentAt)
			if err != nil {
				log.Warn("recording deliveries failed",
					zap.Int("message_index", msg.Index),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
			}
			return err
		}, e.opts.RecordRetry)
		if err != nil {
			log.Error("deliveries not recorded, cadence history incomplete",
				zap.Int("message_index", msg.Index),
				zap.Int("recipients", len(delivered)),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) cleanup(ctx context.Context, log *zap.Logger, a models.Automation, execID string, res sequence.Result) {
	dropped := e.sequence.Forget(a.ID)
	log.Info("dropped cached audiences", zap.Int("entries", dropped))

	if a.Schedule.Frequency == models.FrequencyOnce {
		if err := e.markCompleted(context.WithoutCancel(ctx), a.ID); err != nil {
			log.Error("failed to mark once automation completed", zap.Error(err))
		}
	}
	e.guard.CheckFailureRate(ctx, a, execID, res.Sent, res.Failed)
}

func (e *Engine) markCompleted(ctx context.Context, id string) error {
	unlock := e.locks.Lock(id)
	defer unlock()
	a, err := e.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != models.StatusActive {
		return nil
	}
	a.Status = models.StatusCompleted
	a.UpdatedAt = e.clock.Now()
	if err := e.store.Save(ctx, a); err != nil {
		return err
	}
	e.unschedule(id)
	return nil
}

func (e *Engine) finish(r *run, log *zap.Logger, status models.ExecutionStatus, err error) {
	e.endPhase(r, log, string(status))
	now := e.clock.Now()
	r.update(func(x *models.Execution) {
		x.Phase = models.PhaseDone
		x.Status = status
		x.FinishedAt = &now
		if err != nil {
			x.Error = err.Error()
		}
	})
	x := r.snapshot()

	e.runMu.Lock()
	if cur, ok := e.running[x.AutomationID]; ok && cur == r {
		delete(e.running, x.AutomationID)
	}
	e.history = append(e.history, x)
	if over := len(e.history) - e.opts.HistorySize; over > 0 {
		e.history = append([]models.Execution(nil), e.history[over:]...)
	}
	e.runMu.Unlock()

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int("audience_size", x.AudienceSize),
		zap.Int("test_sent", x.TestSent),
		zap.Int("sent", x.Sent),
		zap.Int("failed", x.Failed),
		zap.Int("excluded", x.Excluded),
		zap.Int("skipped", x.Skipped),
		zap.Duration("duration", now.Sub(x.StartedAt)),
	}
	if err != nil {
		log.Warn("execution finished", append(fields, zap.Error(err))...)
		return
	}
	log.Info("execution finished", fields...)
}
