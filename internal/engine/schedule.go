package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/franzego/pushcadence/internal/models"
	"go.uber.org/zap"
)

type trigger struct {
	automation models.Automation
	cancel     context.CancelFunc
	done       chan struct{}

	mu   sync.Mutex
	next time.Time
}

func (t *trigger) stop() {
	t.cancel()
	<-t.done
}

func (t *trigger) alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *trigger) setNext(at time.Time) {
	t.mu.Lock()
	t.next = at
	t.mu.Unlock()
}

func (t *trigger) nextRun() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

// Schedule installs the trigger for a, replacing any existing one. A
// non-schedulable automation is unscheduled instead. An invalid schedule is
// rejected and leaves the automation without a trigger.
func (e *Engine) Schedule(a models.Automation) error {
	unlock := e.locks.Lock(a.ID)
	defer unlock()
	return e.schedule(a)
}

// schedule requires the caller to hold the id lock.
func (e *Engine) schedule(a models.Automation) error {
	log := e.logger.With(zap.String("automation_id", a.ID))
	if !a.Schedulable() {
		e.unschedule(a.ID)
		return nil
	}
	first, err := NextRun(a.Schedule, e.clock.Now())
	if err != nil {
		e.unschedule(a.ID)
		if errors.Is(err, ErrNoFutureRun) {
			log.Info("automation has no future run, not scheduling", zap.Error(err))
		} else {
			log.Error("rejecting unparsable schedule", zap.Error(err))
		}
		return err
	}

	ctx, cancel := context.WithCancel(e.baseCtx)
	t := &trigger{
		automation: a.Clone(),
		cancel:     cancel,
		done:       make(chan struct{}),
		next:       first,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		cancel()
		return ErrStopped
	}
	if old, ok := e.triggers[a.ID]; ok {
		old.stop()
	}
	e.triggers[a.ID] = t
	e.wg.Add(1)
	go e.loop(ctx, t)

	log.Info("automation scheduled",
		zap.Time("next_send_at", first),
		zap.Time("audience_at", first.Add(-a.LeadTime())),
	)
	return nil
}

// Unschedule removes the automation's trigger. It is a no-op when none exists.
func (e *Engine) Unschedule(id string) bool {
	unlock := e.locks.Lock(id)
	defer unlock()
	return e.unschedule(id)
}

func (e *Engine) unschedule(id string) bool {
	e.mu.Lock()
	t, ok := e.triggers[id]
	if ok {
		delete(e.triggers, id)
		t.stop()
	}
	e.mu.Unlock()
	if ok {
		e.logger.Info("automation unscheduled", zap.String("automation_id", id))
	}
	return ok
}

// loop waits for each occurrence's audience generation time and fires it.
func (e *Engine) loop(ctx context.Context, t *trigger) {
	defer e.wg.Done()
	defer close(t.done)

	a := t.automation
	log := e.logger.With(zap.String("automation_id", a.ID))
	sendAt := t.nextRun()
	for {
		startAt := sendAt.Add(-a.LeadTime())
		select {
		case <-e.clock.After(startAt.Sub(e.clock.Now())):
		case <-ctx.Done():
			return
		}
		if ctx.Err() != nil {
			return
		}

		now := e.clock.Now()
		after := startAt
		if now.After(sendAt) {
			log.Warn("missed occurrence, skipping", zap.Time("send_at", sendAt), zap.Time("now", now))
			after = now
		} else {
			e.fire(a, sendAt)
		}

		next, err := NextRun(a.Schedule, after)
		if err != nil {
			log.Info("trigger finished", zap.Error(err))
			return
		}
		sendAt = next
		t.setNext(sendAt)
	}
}

// fire starts an execution for one occurrence unless the previous one of
// the same automation is still running.
func (e *Engine) fire(a models.Automation, sendAt time.Time) {
	e.runMu.Lock()
	if prev, ok := e.running[a.ID]; ok {
		e.runMu.Unlock()
		e.logger.Warn("previous execution still running, skipping occurrence",
			zap.String("automation_id", a.ID),
			zap.String("running_execution_id", prev.id),
			zap.Time("send_at", sendAt),
		)
		return
	}
	r := e.newRun(a, sendAt)
	e.running[a.ID] = r
	e.runMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(r, a.Clone(), sendAt)
	}()
}
