package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/franzego/pushcadence/internal/clock"
	"github.com/franzego/pushcadence/internal/delivery"
	"github.com/franzego/pushcadence/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Generate(ctx context.Context, criteria models.AudienceCriteria) ([]models.AudienceRow, error) {
	args := m.Called(ctx, criteria)
	rows, _ := args.Get(0).([]models.AudienceRow)
	return rows, args.Error(1)
}

type sent struct {
	index int
	user  string
	at    time.Time
}

type recordingSender struct {
	clk    clock.Clock
	mu     sync.Mutex
	pushes []sent
	fail   func(p delivery.Push) error
}

func (r *recordingSender) Send(ctx context.Context, p delivery.Push) error {
	if r.fail != nil {
		if err := r.fail(p); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, sent{index: p.MessageIndex, user: p.UserID, at: r.clk.Now()})
	return nil
}

func (r *recordingSender) byIndex() map[int][]sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[int][]sent{}
	for _, p := range r.pushes {
		out[p.index] = append(out[p.index], p)
	}
	return out
}

func rows(ids ...string) []models.AudienceRow {
	out := make([]models.AudienceRow, len(ids))
	for i, id := range ids {
		out[i] = models.AudienceRow{UserID: id, Variables: map[string]string{"firstName": "F" + id}}
	}
	return out
}

func threeStep() models.Automation {
	return models.Automation{
		ID:               "auto-1",
		AudienceCriteria: models.AudienceCriteria{"segment": "all"},
		PushSequence: []models.PushMessage{
			{Title: "Hi {{firstName}}", Body: "one", LayerID: 2},
			{Title: "two", Body: "two", LayerID: 2, DelayMinutes: 5},
			{Title: "three", Body: "three", LayerID: 3, DelayMinutes: 5},
		},
	}
}

func newExecutor(t *testing.T, provider *MockProvider, sender delivery.Sender, clk clock.Clock) *Executor {
	t.Helper()
	return New(provider, sender, Options{FailureThreshold: 2}, clk, nil)
}

func TestPrepare_SharedCriteriaGeneratedOnce(t *testing.T) {
	provider := new(MockProvider)
	provider.On("Generate", mock.Anything, models.AudienceCriteria{"segment": "all"}).
		Return(rows("u1", "u2", "u2", "bad id"), nil).Once()

	e := newExecutor(t, provider, nil, clock.NewFake(t0))
	plan, err := e.Prepare(context.Background(), Request{Automation: threeStep(), Occurrence: t0, TTL: 30 * time.Minute})
	require.NoError(t, err)

	require.Len(t, plan.Messages, 3)
	for _, m := range plan.Messages {
		assert.Len(t, m.Rows, 2)
		assert.Equal(t, 2, m.Dropped)
	}
	assert.Equal(t, 2, plan.Recipients)
	assert.Len(t, plan.Checksum, 16)
	provider.AssertExpectations(t)
}

func TestPrepare_ExclusiveAudiencesWaterfall(t *testing.T) {
	a := threeStep()
	a.Settings.ExclusiveAudiences = true
	a.PushSequence[1].AudienceCriteria = models.AudienceCriteria{"segment": "second"}
	a.PushSequence[2].AudienceCriteria = models.AudienceCriteria{"segment": "third"}

	provider := new(MockProvider)
	provider.On("Generate", mock.Anything, models.AudienceCriteria{"segment": "all"}).Return(rows("u1", "u2"), nil)
	provider.On("Generate", mock.Anything, models.AudienceCriteria{"segment": "second"}).Return(rows("u2", "u3"), nil)
	provider.On("Generate", mock.Anything, models.AudienceCriteria{"segment": "third"}).Return(rows("u1", "u3", "u4"), nil)

	e := newExecutor(t, provider, nil, clock.NewFake(t0))
	plan, err := e.Prepare(context.Background(), Request{Automation: a, Occurrence: t0})
	require.NoError(t, err)

	ids := func(m PlannedMessage) []string {
		var out []string
		for _, r := range m.Rows {
			out = append(out, r.UserID)
		}
		return out
	}
	assert.Equal(t, []string{"u1", "u2"}, ids(plan.Messages[0]))
	assert.Equal(t, []string{"u3"}, ids(plan.Messages[1]))
	assert.Equal(t, []string{"u4"}, ids(plan.Messages[2]))
	assert.Equal(t, 4, plan.Recipients)
}

func TestPrepare_CacheExpiresAfterTTL(t *testing.T) {
	clk := clock.NewFake(t0)
	provider := new(MockProvider)
	provider.On("Generate", mock.Anything, mock.Anything).Return(rows("u1"), nil).Twice()

	e := newExecutor(t, provider, nil, clk)
	req := Request{Automation: threeStep(), Occurrence: t0, TTL: 30 * time.Minute}

	_, err := e.Prepare(context.Background(), req)
	require.NoError(t, err)
	clk.Advance(29 * time.Minute)
	_, err = e.Prepare(context.Background(), req)
	require.NoError(t, err)
	provider.AssertNumberOfCalls(t, "Generate", 1)

	clk.Advance(2 * time.Minute)
	_, err = e.Prepare(context.Background(), req)
	require.NoError(t, err)
	provider.AssertNumberOfCalls(t, "Generate", 2)

	assert.Equal(t, 1, e.Forget("auto-1"))
	assert.Zero(t, e.Cached())
}

func TestPrepare_ProviderErrorFails(t *testing.T) {
	provider := new(MockProvider)
	provider.On("Generate", mock.Anything, mock.Anything).Return(nil, errors.New("warehouse down"))

	e := newExecutor(t, provider, nil, clock.NewFake(t0))
	_, err := e.Prepare(context.Background(), Request{Automation: threeStep(), Occurrence: t0})
	assert.Error(t, err)
}

func planFor(t *testing.T, e *Executor, provider *MockProvider, ids ...string) *Plan {
	t.Helper()
	provider.On("Generate", mock.Anything, mock.Anything).Return(rows(ids...), nil)
	plan, err := e.Prepare(context.Background(), Request{Automation: threeStep(), Occurrence: t0})
	require.NoError(t, err)
	return plan
}

func runAsync(e *Executor, ctx context.Context, plan *Plan, opts RunOptions) <-chan Result {
	done := make(chan Result, 1)
	go func() { done <- e.Run(ctx, plan, opts) }()
	return done
}

func TestRun_OrderAndDelays(t *testing.T) {
	clk := clock.NewFake(t0)
	sender := &recordingSender{clk: clk}
	provider := new(MockProvider)
	e := newExecutor(t, provider, sender, clk)
	plan := planFor(t, e, provider, "u1", "u2", "u3")

	done := runAsync(e, context.Background(), plan, RunOptions{ExecutionID: "exec-1"})
	for i := 0; i < 2; i++ {
		require.True(t, clk.BlockUntil(1, time.Second))
		clk.Advance(5 * time.Minute)
	}
	res := <-done
	require.NoError(t, res.Err)
	assert.Equal(t, 9, res.Sent)

	got := sender.byIndex()
	for idx, offset := range []time.Duration{0, 5 * time.Minute, 10 * time.Minute} {
		require.Len(t, got[idx], 3)
		for _, p := range got[idx] {
			assert.Equal(t, t0.Add(offset), p.at, "message %d", idx)
		}
	}
}

func TestRun_FailureOnSecondMessageKeepsFirst(t *testing.T) {
	clk := clock.NewFake(t0)
	sender := &recordingSender{clk: clk, fail: func(p delivery.Push) error {
		if p.MessageIndex == 1 {
			return errors.New("transport rejected")
		}
		return nil
	}}
	provider := new(MockProvider)
	e := newExecutor(t, provider, sender, clk)
	plan := planFor(t, e, provider, "u1", "u2")

	var recorded []int
	done := runAsync(e, context.Background(), plan, RunOptions{
		ExecutionID: "exec-1",
		OnMessageSent: func(msg PlannedMessage, delivered []string, _ time.Time) {
			recorded = append(recorded, msg.Index)
		},
	})
	for i := 0; i < 2; i++ {
		require.True(t, clk.BlockUntil(1, time.Second))
		clk.Advance(5 * time.Minute)
	}
	res := <-done

	require.NoError(t, res.Err)
	require.Len(t, res.Messages, 3)
	assert.True(t, res.Messages[1].AllFailed())
	assert.Equal(t, 2, res.Messages[0].Sent)
	assert.Equal(t, 2, res.Messages[2].Sent)
	assert.Equal(t, []int{0, 2}, recorded)
}

func TestRun_ConsecutiveFailuresAbort(t *testing.T) {
	clk := clock.NewFake(t0)
	sender := &recordingSender{clk: clk, fail: func(p delivery.Push) error {
		return errors.New("transport down")
	}}
	provider := new(MockProvider)
	e := newExecutor(t, provider, sender, clk)
	plan := planFor(t, e, provider, "u1")

	done := runAsync(e, context.Background(), plan, RunOptions{ExecutionID: "exec-1"})
	require.True(t, clk.BlockUntil(1, time.Second))
	clk.Advance(5 * time.Minute)
	res := <-done

	assert.ErrorIs(t, res.Err, ErrTooManyFailures)
	assert.Len(t, res.Messages, 2)
}

func TestRun_CancelBetweenMessages(t *testing.T) {
	clk := clock.NewFake(t0)
	sender := &recordingSender{clk: clk}
	provider := new(MockProvider)
	e := newExecutor(t, provider, sender, clk)
	plan := planFor(t, e, provider, "u1")

	ctx, cancel := context.WithCancelCause(context.Background())
	stop := errors.New("operator cancel")
	done := runAsync(e, ctx, plan, RunOptions{ExecutionID: "exec-1"})
	require.True(t, clk.BlockUntil(1, time.Second))
	cancel(stop)
	res := <-done

	assert.ErrorIs(t, res.Err, stop)
	assert.Len(t, res.Messages, 1)
	assert.Len(t, sender.byIndex()[0], 1)
	assert.Empty(t, sender.byIndex()[1])
}

func TestRun_InFlightMessageCompletesAfterCancel(t *testing.T) {
	clk := clock.NewFake(t0)
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	sender := &recordingSender{clk: clk, fail: func(p delivery.Push) error {
		if calls.Add(1) == 1 {
			cancel()
		}
		return nil
	}}
	provider := new(MockProvider)
	e := New(provider, sender, Options{SendConcurrency: 1}, clk, nil)
	plan := planFor(t, e, provider, "u1", "u2", "u3")

	res := e.Run(ctx, plan, RunOptions{ExecutionID: "exec-1"})
	assert.ErrorIs(t, res.Err, context.Canceled)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, 3, res.Messages[0].Sent)
}

func TestRun_DuplicatesAreSkipped(t *testing.T) {
	clk := clock.NewFake(t0)
	sender := &recordingSender{clk: clk, fail: func(p delivery.Push) error {
		if p.UserID == "u1" {
			return fmt.Errorf("%w: %s", delivery.ErrDuplicate, p.IdempotencyKey)
		}
		return nil
	}}
	provider := new(MockProvider)
	e := newExecutor(t, provider, sender, clk)
	plan := planFor(t, e, provider, "u1", "u2")

	res := e.Run(context.Background(), plan, RunOptions{ExecutionID: "exec-1", Test: true})
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, 3, res.Sent)
	assert.Zero(t, res.Failed)
}

func TestRun_FilterExcludes(t *testing.T) {
	clk := clock.NewFake(t0)
	sender := &recordingSender{clk: clk}
	provider := new(MockProvider)
	e := newExecutor(t, provider, sender, clk)
	plan := planFor(t, e, provider, "u1", "u2")

	res := e.Run(context.Background(), plan, RunOptions{
		ExecutionID: "exec-1",
		Test:        true,
		Filter: func(ctx context.Context, msg PlannedMessage) ([]models.AudienceRow, int) {
			return msg.Rows[:1], len(msg.Rows) - 1
		},
	})
	assert.Equal(t, 3, res.Excluded)
	assert.Equal(t, 3, res.Sent)
}

func TestRun_FilterRunsBeforeAnySend(t *testing.T) {
	clk := clock.NewFake(t0)
	sender := &recordingSender{clk: clk}
	provider := new(MockProvider)
	e := newExecutor(t, provider, sender, clk)
	plan := planFor(t, e, provider, "u1", "u2")

	var sentAtFilter []int
	res := e.Run(context.Background(), plan, RunOptions{
		ExecutionID: "exec-1",
		Test:        true,
		Filter: func(ctx context.Context, msg PlannedMessage) ([]models.AudienceRow, int) {
			sender.mu.Lock()
			sentAtFilter = append(sentAtFilter, len(sender.pushes))
			sender.mu.Unlock()
			return msg.Rows, 0
		},
	})
	require.NoError(t, res.Err)
	assert.Equal(t, []int{0, 0, 0}, sentAtFilter)
	assert.Equal(t, 6, res.Sent)
	for _, m := range plan.Messages {
		assert.Len(t, m.Rows, 2)
	}
}

func TestRender(t *testing.T) {
	r := Render(models.PushMessage{Title: "Hi {{firstName}}", Body: "b", DeepLink: "app://p/{{id}}"},
		models.AudienceRow{UserID: "u1", Variables: map[string]string{"firstName": "Ada", "id": "7"}})
	assert.Equal(t, "Hi Ada", r.Title)
	assert.Equal(t, "app://p/7", r.DeepLink)
}
