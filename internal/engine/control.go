package engine

import (
	"context"
	"fmt"

	"github.com/franzego/pushcadence/internal/models"
	"go.uber.org/zap"
)

// Control applies an operator action to an automation.
//
//   - pause unschedules and persists status=paused; a running execution continues.
//   - cancel aborts the running execution; the automation stays scheduled.
//   - emergency_stop aborts the running execution, unschedules, persists
//     status=paused with isActive=false and records a critical violation.
func (e *Engine) Control(ctx context.Context, id string, action models.ControlAction, reason string) (models.ControlResult, error) {
	log := e.logger.With(
		zap.String("automation_id", id),
		zap.String("action", string(action)),
		zap.String("reason", reason),
	)
	log.Info("control action requested")

	switch action {
	case models.ActionPause:
		return e.pause(ctx, id)
	case models.ActionCancel:
		execID, ok := e.cancelRunning(id, errCancelledByOperator)
		if !ok {
			return models.ControlResult{}, fmt.Errorf("%w for %s", ErrNoRunningExecution, id)
		}
		a, err := e.store.Load(ctx, id)
		if err != nil {
			return models.ControlResult{}, err
		}
		return models.ControlResult{
			AutomationID: id,
			Action:       action,
			ExecutionID:  execID,
			Status:       a.Status,
			IsActive:     a.IsActive,
		}, nil
	case models.ActionEmergencyStop:
		return e.emergencyStop(ctx, id, reason, true)
	}
	return models.ControlResult{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
}

func (e *Engine) pause(ctx context.Context, id string) (models.ControlResult, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	a, err := e.store.Load(ctx, id)
	if err != nil {
		return models.ControlResult{}, err
	}
	e.unschedule(id)
	a.Status = models.StatusPaused
	a.UpdatedAt = e.clock.Now()
	if err := e.store.Save(ctx, a); err != nil {
		return models.ControlResult{}, fmt.Errorf("persist pause: %w", err)
	}
	return models.ControlResult{
		AutomationID: id,
		Action:       models.ActionPause,
		ExecutionID:  e.runningID(id),
		Status:       a.Status,
		IsActive:     a.IsActive,
	}, nil
}

func (e *Engine) emergencyStop(ctx context.Context, id, reason string, record bool) (models.ControlResult, error) {
	execID, _ := e.cancelRunning(id, errEmergencyStop)

	unlock := e.locks.Lock(id)
	defer unlock()
	e.unschedule(id)

	if record {
		msg := "emergency stop"
		if reason != "" {
			msg = "emergency stop: " + reason
		}
		e.guard.Record(ctx, models.Violation{
			AutomationID: id,
			ExecutionID:  execID,
			Kind:         models.ViolationEmergencyStop,
			Severity:     models.SeverityCritical,
			Message:      msg,
		})
	}

	a, err := e.store.Load(ctx, id)
	if err != nil {
		return models.ControlResult{}, err
	}
	a.Status = models.StatusPaused
	a.IsActive = false
	a.UpdatedAt = e.clock.Now()
	if err := e.store.Save(ctx, a); err != nil {
		return models.ControlResult{}, fmt.Errorf("persist emergency stop: %w", err)
	}
	e.logger.Error("automation emergency stopped",
		zap.String("automation_id", id),
		zap.String("execution_id", execID),
		zap.String("reason", reason),
		zap.Bool("alert", true),
	)
	return models.ControlResult{
		AutomationID: id,
		Action:       models.ActionEmergencyStop,
		ExecutionID:  execID,
		Status:       a.Status,
		IsActive:     a.IsActive,
	}, nil
}

func (e *Engine) cancelRunning(id string, cause error) (string, bool) {
	e.runMu.Lock()
	r, ok := e.running[id]
	e.runMu.Unlock()
	if !ok {
		return "", false
	}
	r.cancel(cause)
	return r.id, true
}

func (e *Engine) runningID(id string) string {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if r, ok := e.running[id]; ok {
		return r.id
	}
	return ""
}
