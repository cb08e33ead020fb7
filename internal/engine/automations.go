package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/franzego/pushcadence/internal/models"
	"github.com/franzego/pushcadence/internal/store"
	"github.com/google/uuid"
)

// Create validates and stores a new automation and schedules it when it is
// schedulable.
func (e *Engine) Create(ctx context.Context, a models.Automation) (models.Automation, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return e.upsert(ctx, a, true)
}

// Update replaces an existing automation and reschedules it.
func (e *Engine) Update(ctx context.Context, a models.Automation) (models.Automation, error) {
	return e.upsert(ctx, a, false)
}

func (e *Engine) upsert(ctx context.Context, a models.Automation, create bool) (models.Automation, error) {
	if err := store.ValidateID(a.ID); err != nil {
		return models.Automation{}, err
	}
	if a.Status == "" {
		a.Status = models.StatusDraft
	}
	if err := a.Validate(); err != nil {
		return models.Automation{}, err
	}
	now := e.clock.Now()
	if a.Schedulable() {
		if _, err := NextRun(a.Schedule, now); err != nil {
			return models.Automation{}, fmt.Errorf("%w: %w", models.ErrInvalidSchedule, err)
		}
	}

	unlock := e.locks.Lock(a.ID)
	defer unlock()

	existing, err := e.store.Load(ctx, a.ID)
	switch {
	case err == nil && create:
		return models.Automation{}, fmt.Errorf("%w: %s", ErrAlreadyExists, a.ID)
	case err == nil:
		a.CreatedAt = existing.CreatedAt
	case errors.Is(err, store.ErrNotFound) && !create:
		return models.Automation{}, err
	case errors.Is(err, store.ErrNotFound):
		a.CreatedAt = now
	default:
		return models.Automation{}, err
	}
	a.UpdatedAt = now

	if err := e.store.Save(ctx, a); err != nil {
		return models.Automation{}, err
	}
	if err := e.schedule(a); err != nil {
		return a, err
	}
	return a, nil
}

// Remove deletes the automation and its trigger. A running execution is
// left to finish.
func (e *Engine) Remove(ctx context.Context, id string) error {
	unlock := e.locks.Lock(id)
	defer unlock()
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	e.unschedule(id)
	return nil
}

func (e *Engine) Get(ctx context.Context, id string) (models.Automation, error) {
	return e.store.Load(ctx, id)
}

func (e *Engine) List(ctx context.Context) ([]models.Automation, error) {
	return e.store.LoadAll(ctx)
}
