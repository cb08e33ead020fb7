// Package sequence prepares the audiences of a push sequence and delivers
// its messages in order.
package sequence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/franzego/pushcadence/internal/cadence"
	"github.com/franzego/pushcadence/internal/clock"
	"github.com/franzego/pushcadence/internal/delivery"
	"github.com/franzego/pushcadence/internal/models"
	"github.com/franzego/pushcadence/internal/services"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	PrepareConcurrency int
	SendConcurrency    int
	FailureThreshold   int
	ProviderTimeout    time.Duration
}

// PlannedMessage is one message of a sequence with its resolved audience.
type PlannedMessage struct {
	Index    int
	Message  models.PushMessage
	Rows     []models.AudienceRow
	CacheKey string
	Dropped  int
}

type Plan struct {
	AutomationID string
	Occurrence   time.Time
	Messages     []PlannedMessage
	Recipients   int
	Checksum     string
}

type Request struct {
	Automation models.Automation
	Occurrence time.Time
	// TTL bounds how long generated audiences stay reusable.
	TTL time.Duration
}

type cacheEntry struct {
	rows    []models.AudienceRow
	expires time.Time
}

type Executor struct {
	provider services.AudienceProvider
	sender   delivery.Sender
	clock    clock.Clock
	logger   *zap.Logger
	opts     Options

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func New(provider services.AudienceProvider, sender delivery.Sender, opts Options, clk clock.Clock, logger *zap.Logger) *Executor {
	if opts.PrepareConcurrency <= 0 {
		opts.PrepareConcurrency = 3
	}
	if opts.SendConcurrency <= 0 {
		opts.SendConcurrency = 8
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 2
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 2 * time.Minute
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		provider: provider,
		sender:   sender,
		clock:    clk,
		logger:   logger.With(zap.String("component", "sequence")),
		opts:     opts,
		cache:    make(map[string]cacheEntry),
	}
}

func cacheKey(automationID string, criteria models.AudienceCriteria) (string, error) {
	// json.Marshal sorts map keys, so equal criteria give equal keys.
	body, err := json.Marshal(criteria)
	if err != nil {
		return "", fmt.Errorf("encode audience criteria: %w", err)
	}
	sum := sha256.Sum256(body)
	return automationID + ":" + hex.EncodeToString(sum[:8]), nil
}

// Prepare generates the audience of every message, reusing cached results
// for identical criteria until they expire.
func (e *Executor) Prepare(ctx context.Context, req Request) (*Plan, error) {
	a := req.Automation
	plan := &Plan{AutomationID: a.ID, Occurrence: req.Occurrence}

	keys := make([]string, len(a.PushSequence))
	criteriaByKey := map[string]models.AudienceCriteria{}
	for i, msg := range a.PushSequence {
		criteria := msg.AudienceCriteria
		if criteria == nil {
			criteria = a.AudienceCriteria
		}
		key, err := cacheKey(a.ID, criteria)
		if err != nil {
			return nil, err
		}
		keys[i] = key
		criteriaByKey[key] = criteria
	}

	var (
		resMu   sync.Mutex
		results = make(map[string][]models.AudienceRow, len(criteriaByKey))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.PrepareConcurrency)
	for key, criteria := range criteriaByKey {
		g.Go(func() error {
			rows, err := e.audience(gctx, key, criteria, req.TTL)
			if err != nil {
				return err
			}
			resMu.Lock()
			results[key] = rows
			resMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("prepare audiences for %s: %w", a.ID, err)
	}

	assigned := map[string]bool{}
	for i, msg := range a.PushSequence {
		rows, dropped := clean(results[keys[i]])
		if a.Settings.ExclusiveAudiences {
			kept := rows[:0:0]
			for _, r := range rows {
				if assigned[r.UserID] {
					continue
				}
				assigned[r.UserID] = true
				kept = append(kept, r)
			}
			rows = kept
		} else {
			for _, r := range rows {
				assigned[r.UserID] = true
			}
		}
		if dropped > 0 {
			e.logger.Warn("dropped invalid audience rows",
				zap.String("automation_id", a.ID),
				zap.Int("message_index", i),
				zap.Int("dropped", dropped),
			)
		}
		plan.Messages = append(plan.Messages, PlannedMessage{
			Index:    i,
			Message:  msg,
			Rows:     rows,
			CacheKey: keys[i],
			Dropped:  dropped,
		})
	}
	plan.Recipients = len(assigned)
	plan.Checksum = checksum(plan.Messages)
	return plan, nil
}

func (e *Executor) audience(ctx context.Context, key string, criteria models.AudienceCriteria, ttl time.Duration) ([]models.AudienceRow, error) {
	now := e.clock.Now()
	e.mu.Lock()
	entry, ok := e.cache[key]
	if ok && now.Before(entry.expires) {
		e.mu.Unlock()
		return entry.rows, nil
	}
	if ok {
		delete(e.cache, key)
	}
	e.mu.Unlock()

	gctx, cancel := context.WithTimeout(ctx, e.opts.ProviderTimeout)
	defer cancel()
	rows, err := e.provider.Generate(gctx, criteria)
	if err != nil {
		return nil, err
	}
	if ttl > 0 {
		e.mu.Lock()
		e.cache[key] = cacheEntry{rows: rows, expires: now.Add(ttl)}
		e.mu.Unlock()
	}
	return rows, nil
}

// clean drops rows with malformed or repeated user ids.
func clean(rows []models.AudienceRow) ([]models.AudienceRow, int) {
	seen := make(map[string]bool, len(rows))
	out := make([]models.AudienceRow, 0, len(rows))
	dropped := 0
	for _, r := range rows {
		if !cadence.ValidRecipientID(r.UserID) || seen[r.UserID] {
			dropped++
			continue
		}
		seen[r.UserID] = true
		out = append(out, r)
	}
	return out, dropped
}

func checksum(msgs []PlannedMessage) string {
	h := sha256.New()
	for _, m := range msgs {
		ids := make([]string, len(m.Rows))
		for i, r := range m.Rows {
			ids[i] = r.UserID
		}
		sort.Strings(ids)
		fmt.Fprintf(h, "%d:%s\n", m.Index, strings.Join(ids, ","))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Forget drops every cached audience of the automation.
func (e *Executor) Forget(automationID string) int {
	prefix := automationID + ":"
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for key := range e.cache {
		if strings.HasPrefix(key, prefix) {
			delete(e.cache, key)
			n++
		}
	}
	return n
}

// Cached reports how many audiences are cached.
func (e *Executor) Cached() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}
