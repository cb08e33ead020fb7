package engine

import (
	"context"
	"errors"
	"sort"

	"github.com/franzego/pushcadence/internal/models"
	"github.com/franzego/pushcadence/internal/store"
	"go.uber.org/zap"
)

// Restore brings the trigger registry in line with the store: every
// schedulable automation gets a trigger, everything else loses its one.
// Running it repeatedly yields the same registry. When the store can only be
// read in part, triggers of automations that were not read are left alone.
func (e *Engine) Restore(ctx context.Context) models.RestoreReport {
	var report models.RestoreReport
	all, loadErr := e.store.LoadAll(ctx)
	if loadErr != nil {
		report.StoreError = loadErr.Error()
		e.logger.Error("some automations could not be loaded during restore, keeping unlisted triggers",
			zap.Int("loaded", len(all)),
			zap.Error(loadErr),
		)
	}

	known := make(map[string]bool, len(all))
	for _, a := range all {
		known[a.ID] = true
		unlock := e.locks.Lock(a.ID)
		if !a.Schedulable() {
			if e.unschedule(a.ID) {
				report.Removed++
			}
			unlock()
			continue
		}
		err := e.schedule(a)
		unlock()
		switch {
		case err == nil:
			report.Expected++
		case errors.Is(err, ErrNoFutureRun):
		default:
			report.Expected++
			report.Failed = append(report.Failed, a.ID)
		}
	}

	if loadErr == nil {
		for _, id := range e.ScheduledIDs() {
			if !known[id] && e.removeOrphan(ctx, id) {
				report.Removed++
			}
		}
	}

	report.Scheduled = e.Count()
	report.Drift = abs(report.Expected - report.Scheduled)
	sort.Strings(report.Failed)
	e.logger.Info("restore finished",
		zap.Int("expected", report.Expected),
		zap.Int("scheduled", report.Scheduled),
		zap.Int("drift", report.Drift),
		zap.Int("removed", report.Removed),
		zap.Strings("failed", report.Failed),
	)
	return report
}

// removeOrphan unschedules id only once the store confirms it is gone.
func (e *Engine) removeOrphan(ctx context.Context, id string) bool {
	unlock := e.locks.Lock(id)
	defer unlock()
	_, err := e.store.Load(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return e.unschedule(id)
	case err != nil:
		e.logger.Warn("could not confirm orphan trigger, keeping it",
			zap.String("automation_id", id),
			zap.Error(err),
		)
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
