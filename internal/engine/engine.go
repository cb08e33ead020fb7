// Package engine owns the live triggers of every schedulable automation and
// drives each occurrence through its execution timeline.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/franzego/pushcadence/internal/cadence"
	"github.com/franzego/pushcadence/internal/clock"
	"github.com/franzego/pushcadence/internal/lockmap"
	"github.com/franzego/pushcadence/internal/models"
	"github.com/franzego/pushcadence/internal/safeguard"
	"github.com/franzego/pushcadence/internal/sequence"
	"github.com/franzego/pushcadence/internal/store"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/retry"
	"go.uber.org/zap"
)

// CadenceFilter is the frequency-limit check applied before live sends.
type CadenceFilter interface {
	Filter(ctx context.Context, ids []string, layer int) cadence.Result
	RecordDelivery(ctx context.Context, ids []string, layer int, sentAt time.Time) error
}

type Options struct {
	InstanceID           string
	PollInterval         time.Duration
	RemainingLogInterval time.Duration
	CleanupDelay         time.Duration
	HistorySize          int
	PreviewLimit         int
	// RecordRetry governs writing delivered recipients to the cadence history.
	RecordRetry retry.Strategy
}

type Engine struct {
	store    store.Store
	sequence *sequence.Executor
	cadence  CadenceFilter
	guard    *safeguard.Monitor
	clock    clock.Clock
	logger   *zap.Logger
	opts     Options

	locks *lockmap.Map

	// mu guards triggers and stopped. Trigger goroutines never take it.
	mu       sync.Mutex
	triggers map[string]*trigger
	stopped  bool

	runMu   sync.Mutex
	running map[string]*run
	history []models.Execution

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
	wg         sync.WaitGroup
}

func New(st store.Store, seq *sequence.Executor, cf CadenceFilter, guard *safeguard.Monitor, opts Options, clk clock.Clock, logger *zap.Logger) *Engine {
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.New().String()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.RemainingLogInterval <= 0 {
		opts.RemainingLogInterval = 5 * time.Minute
	}
	if opts.CleanupDelay < 0 {
		opts.CleanupDelay = 0
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 50
	}
	if opts.PreviewLimit <= 0 {
		opts.PreviewLimit = 3
	}
	if opts.RecordRetry.Attempts <= 0 {
		opts.RecordRetry = retry.Strategy{Attempts: 3, Delay: 500 * time.Millisecond, Backoff: 2}
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Engine{
		store:      st,
		sequence:   seq,
		cadence:    cf,
		guard:      guard,
		clock:      clk,
		logger:     logger.With(zap.String("component", "engine"), zap.String("instance_id", opts.InstanceID)),
		opts:       opts,
		locks:      lockmap.New(),
		triggers:   make(map[string]*trigger),
		running:    make(map[string]*run),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

func (e *Engine) InstanceID() string { return e.opts.InstanceID }

// Start restores triggers for every schedulable automation in the store.
func (e *Engine) Start(ctx context.Context) models.RestoreReport {
	report := e.Restore(ctx)
	e.logger.Info("engine started",
		zap.Int("expected", report.Expected),
		zap.Int("scheduled", report.Scheduled),
		zap.Int("drift", report.Drift),
	)
	return report
}

// Stop releases every trigger, cancels running executions and waits for
// all engine goroutines to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		e.wg.Wait()
		return
	}
	e.stopped = true
	triggers := make([]*trigger, 0, len(e.triggers))
	for id, t := range e.triggers {
		triggers = append(triggers, t)
		delete(e.triggers, id)
	}
	e.mu.Unlock()

	for _, t := range triggers {
		t.stop()
	}
	e.baseCancel(errShutdown)
	e.wg.Wait()
	e.logger.Info("engine stopped", zap.Int("released_triggers", len(triggers)))
}

// Count reports how many triggers are live.
func (e *Engine) Count() int {
	return len(e.ScheduledIDs())
}

// ScheduledIDs lists the automations that currently own a live trigger.
func (e *Engine) ScheduledIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.triggers))
	for id, t := range e.triggers {
		if t.alive() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// NextRunFor reports the pending send time of a live trigger.
func (e *Engine) NextRunFor(id string) (time.Time, bool) {
	e.mu.Lock()
	t, ok := e.triggers[id]
	e.mu.Unlock()
	if !ok || !t.alive() {
		return time.Time{}, false
	}
	return t.nextRun(), true
}

// Executions returns the running executions and the most recent finished ones.
func (e *Engine) Executions() models.ExecutionList {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	out := models.ExecutionList{
		Running: make([]models.Execution, 0, len(e.running)),
		Recent:  append([]models.Execution(nil), e.history...),
	}
	for _, r := range e.running {
		out.Running = append(out.Running, r.snapshot())
	}
	sort.Slice(out.Running, func(i, j int) bool { return out.Running[i].StartedAt.Before(out.Running[j].StartedAt) })
	return out
}

func (e *Engine) runningCount() int {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return len(e.running)
}
