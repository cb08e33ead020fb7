package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/franzego/pushcadence/internal/cadence"
	"github.com/franzego/pushcadence/internal/clock"
	"github.com/franzego/pushcadence/internal/delivery"
	"github.com/franzego/pushcadence/internal/models"
	"github.com/franzego/pushcadence/internal/safeguard"
	"github.com/franzego/pushcadence/internal/sequence"
	"github.com/franzego/pushcadence/internal/services"
	"github.com/franzego/pushcadence/internal/store"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/retry"
)

// 2026-03-02 is a Monday.
var morning = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type recordingSender struct {
	mu     sync.Mutex
	pushes []delivery.Push
}

func (r *recordingSender) Send(ctx context.Context, p delivery.Push) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, p)
	return nil
}

func (r *recordingSender) count(test bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.pushes {
		if p.Test == test {
			n++
		}
	}
	return n
}

func (r *recordingSender) all() []delivery.Push {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery.Push(nil), r.pushes...)
}

// openCadence passes everyone and remembers what was recorded.
type openCadence struct {
	mu       sync.Mutex
	recorded map[int][]string
}

func (o *openCadence) Filter(ctx context.Context, ids []string, layer int) cadence.Result {
	return cadence.Result{Eligible: append([]string(nil), ids...)}
}

func (o *openCadence) RecordDelivery(ctx context.Context, ids []string, layer int, sentAt time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.recorded == nil {
		o.recorded = map[int][]string{}
	}
	o.recorded[layer] = append(o.recorded[layer], ids...)
	return nil
}

type harness struct {
	engine *Engine
	store  store.Store
	sender *recordingSender
	guard  *safeguard.Monitor
	clock  *clock.Fake
}

func newHarness(t *testing.T, cf CadenceFilter, maxConcurrent int) *harness {
	t.Helper()
	clk := clock.NewFake(morning)
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	sender := &recordingSender{}
	provider := services.StaticProvider{Variables: map[string]string{"firstName": "there"}}
	seq := sequence.New(provider, sender, sequence.Options{}, clk, nil)
	guard := safeguard.New(safeguard.Options{MaxConcurrent: maxConcurrent, DefaultMaxAudienceSize: 50000}, nil, clk, nil)
	if cf == nil {
		cf = &openCadence{}
	}
	e := New(st, seq, cf, guard, Options{
		InstanceID:   "test-instance",
		PollInterval: 30 * time.Second,
		CleanupDelay: time.Minute,
		RecordRetry:  retry.Strategy{Attempts: 3, Delay: time.Millisecond},
	}, clk, nil)
	return &harness{engine: e, store: st, sender: sender, guard: guard, clock: clk}
}

func userIDs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("user-%03d", i)
	}
	return out
}

func campaign(id string, audience int) models.Automation {
	return models.Automation{
		ID:       id,
		Name:     "Trending closet items",
		Status:   models.StatusActive,
		IsActive: true,
		Schedule: models.Schedule{
			Frequency:       models.FrequencyDaily,
			ExecutionTime:   "09:00",
			Timezone:        "UTC",
			LeadTimeMinutes: 30,
		},
		PushSequence: []models.PushMessage{
			{Title: "Hi {{firstName}}", Body: "Your size is trending", LayerID: 2},
		},
		AudienceCriteria: models.AudienceCriteria{"userIds": userIDs(audience)},
		Settings: models.Settings{
			DryRunFirst:               true,
			CancellationWindowMinutes: 20,
			TestAudience:              []string{"founder"},
			Safeguards:                models.Safeguards{MaxAudienceSize: 1000},
		},
	}
}

func (h *harness) lastExecution(t *testing.T) models.Execution {
	t.Helper()
	recent := h.engine.Executions().Recent
	require.NotEmpty(t, recent)
	return recent[len(recent)-1]
}

func (h *harness) finished(n int) func() bool {
	return func() bool { return len(h.engine.Executions().Recent) >= n }
}
