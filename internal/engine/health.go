package engine

import (
	"context"
	"sort"

	"github.com/franzego/pushcadence/internal/models"
)

// Health compares the live triggers with what the store says should be
// scheduled.
func (e *Engine) Health(ctx context.Context) models.HealthStatus {
	now := e.clock.Now()
	status := models.HealthStatus{
		InstanceID:        e.opts.InstanceID,
		RunningExecutions: e.runningCount(),
		MaxConcurrent:     e.guard.MaxConcurrent(),
		CheckedAt:         now,
	}

	scheduled := map[string]bool{}
	for _, id := range e.ScheduledIDs() {
		scheduled[id] = true
	}
	status.ScheduledTriggers = len(scheduled)

	all, err := e.store.LoadAll(ctx)
	if err != nil {
		status.StoreError = err.Error()
	}
	expected := map[string]bool{}
	for _, a := range all {
		if !a.Schedulable() {
			continue
		}
		if _, err := NextRun(a.Schedule, now); err != nil {
			continue
		}
		expected[a.ID] = true
		if !scheduled[a.ID] {
			status.UnscheduledActiveIDs = append(status.UnscheduledActiveIDs, a.ID)
		}
	}
	for id := range scheduled {
		if !expected[id] {
			status.OrphanTriggerIDs = append(status.OrphanTriggerIDs, id)
		}
	}
	sort.Strings(status.UnscheduledActiveIDs)
	sort.Strings(status.OrphanTriggerIDs)
	status.ExpectedActive = len(expected)
	status.Drift = len(status.UnscheduledActiveIDs) + len(status.OrphanTriggerIDs)
	return status
}

// Healthy reports whether the registry matches the store.
func (e *Engine) Healthy(ctx context.Context) bool {
	h := e.Health(ctx)
	return h.Drift == 0 && h.StoreError == ""
}
