package cadence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/franzego/pushcadence/internal/clock"
	"github.com/franzego/pushcadence/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Filter, *miniredis.Miniredis, *clock.Fake) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clk := clock.NewFake(t0)
	f := New(rdb, Options{BypassLayer: 1, Retention: 90 * 24 * time.Hour, BatchSize: 2}, clk, nil)
	return f, mr, clk
}

func seed(t *testing.T, f *Filter, rules ...models.CadenceRule) {
	t.Helper()
	for _, r := range rules {
		require.NoError(t, f.SetRule(context.Background(), r))
	}
}

func TestFilter_BypassLayerReturnsInputUnchanged(t *testing.T) {
	f, mr, _ := setup(t)
	mr.Close()

	ids := []string{"u1", "bad id", "u2"}
	res := f.Filter(context.Background(), ids, 1)
	assert.Equal(t, ids, res.Eligible)
	assert.Zero(t, res.ExcludedCount)
	assert.False(t, res.FailOpen)
}

func TestFilter_FailOpenWhenRulesMissing(t *testing.T) {
	f, _, _ := setup(t)

	res := f.Filter(context.Background(), []string{"u1", "u2"}, 2)
	assert.True(t, res.FailOpen)
	assert.Equal(t, []string{"u1", "u2"}, res.Eligible)
}

func TestFilter_FailOpenWhenRedisUnavailable(t *testing.T) {
	f, mr, _ := setup(t)
	seed(t, f, models.CadenceRule{LayerID: 2, CooldownHours: 24})
	mr.Close()

	res := f.Filter(context.Background(), []string{"u1", "u2", "u3"}, 2)
	assert.True(t, res.FailOpen)
	assert.Len(t, res.Eligible, 3)
}

func TestFilter_LayerWithoutRuleIsUnfiltered(t *testing.T) {
	f, _, _ := setup(t)
	seed(t, f, models.CadenceRule{LayerID: 2, CooldownHours: 24})
	ctx := context.Background()
	require.NoError(t, f.RecordDelivery(ctx, []string{"u1"}, 5, t0))

	res := f.Filter(ctx, []string{"u1"}, 5)
	assert.False(t, res.FailOpen)
	assert.Equal(t, []string{"u1"}, res.Eligible)
}

func TestFilter_CooldownBoundary(t *testing.T) {
	f, _, clk := setup(t)
	seed(t, f, models.CadenceRule{LayerID: 2, CooldownHours: 24})
	ctx := context.Background()

	require.NoError(t, f.RecordDelivery(ctx, []string{"u1"}, 2, t0))

	clk.Advance(23 * time.Hour)
	res := f.Filter(ctx, []string{"u1", "u2"}, 2)
	assert.Equal(t, []string{"u2"}, res.Eligible)
	assert.Equal(t, 1, res.ExcludedCount)

	clk.Advance(2 * time.Hour)
	res = f.Filter(ctx, []string{"u1", "u2"}, 2)
	assert.Equal(t, []string{"u1", "u2"}, res.Eligible)
	assert.Zero(t, res.ExcludedCount)
}

func TestFilter_CooldownIgnoresOtherLayers(t *testing.T) {
	f, _, _ := setup(t)
	seed(t, f, models.CadenceRule{LayerID: 2, CooldownHours: 24})
	ctx := context.Background()
	require.NoError(t, f.RecordDelivery(ctx, []string{"u1"}, 3, t0))

	res := f.Filter(ctx, []string{"u1"}, 2)
	assert.Equal(t, []string{"u1"}, res.Eligible)
}

func TestFilter_CombinedCapAcrossLayers(t *testing.T) {
	f, _, clk := setup(t)
	seed(t, f,
		models.CadenceRule{LayerID: 2, CooldownHours: 24},
		models.CadenceRule{LayerID: 3, CooldownHours: 72, MaxCount: 2, CountWindowHours: 24 * 90, CountScope: models.CountScopeAll},
	)
	ctx := context.Background()

	require.NoError(t, f.RecordDelivery(ctx, []string{"u1", "u2"}, 2, t0.Add(-30*24*time.Hour)))
	require.NoError(t, f.RecordDelivery(ctx, []string{"u1"}, 3, t0.Add(-10*24*time.Hour)))
	// bypass deliveries never count toward the cap
	require.NoError(t, f.RecordDelivery(ctx, []string{"u2"}, 1, t0.Add(-5*24*time.Hour)))

	res := f.Filter(ctx, []string{"u1", "u2"}, 3)
	assert.Equal(t, []string{"u2"}, res.Eligible)
	assert.Equal(t, 1, res.ExcludedCount)

	// u1's first delivery leaves the 90 day window
	clk.Advance(61 * 24 * time.Hour)
	res = f.Filter(ctx, []string{"u1", "u2"}, 3)
	assert.Equal(t, []string{"u1", "u2"}, res.Eligible)
}

func TestFilter_DropsMalformedIDs(t *testing.T) {
	f, _, _ := setup(t)
	seed(t, f, models.CadenceRule{LayerID: 2, CooldownHours: 24})

	long := make([]byte, 129)
	for i := range long {
		long[i] = 'a'
	}
	res := f.Filter(context.Background(), []string{"u1", "", "has space", string(long), "x*y", "ok@example.com"}, 2)
	assert.Equal(t, []string{"u1", "ok@example.com"}, res.Eligible)
	assert.Equal(t, 4, res.Malformed)
}

func TestRecordDelivery_IsIdempotent(t *testing.T) {
	f, mr, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, f.RecordDelivery(ctx, []string{"u1", "u2", "u3"}, 2, t0))
	require.NoError(t, f.RecordDelivery(ctx, []string{"u1", "u2", "u3"}, 2, t0))

	members, err := mr.ZMembers(historyKey("u1"))
	require.NoError(t, err)
	assert.Equal(t, []string{fmt.Sprintf("2:%d", t0.UnixMilli())}, members)
	assert.True(t, mr.TTL(historyKey("u1")) > 0)
}

func TestRecordDelivery_TrimsPastRetention(t *testing.T) {
	f, mr, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, f.RecordDelivery(ctx, []string{"u1"}, 2, t0.Add(-100*24*time.Hour)))
	require.NoError(t, f.RecordDelivery(ctx, []string{"u1"}, 2, t0))

	members, err := mr.ZMembers(historyKey("u1"))
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestRules_SeedKeepsExisting(t *testing.T) {
	f, _, _ := setup(t)
	ctx := context.Background()
	seed(t, f, models.CadenceRule{LayerID: 2, CooldownHours: 12})

	added, err := f.SeedRules(ctx, []models.CadenceRule{
		{LayerID: 2, CooldownHours: 24},
		{LayerID: 3, CooldownHours: 72},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	rules, err := f.Rules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, rules[2].CooldownHours)
	assert.Equal(t, 72, rules[3].CooldownHours)
}

func TestSetRule_RejectsInvalid(t *testing.T) {
	f, _, _ := setup(t)
	ctx := context.Background()
	assert.Error(t, f.SetRule(ctx, models.CadenceRule{LayerID: 2, CooldownHours: -1}))
	assert.Error(t, f.SetRule(ctx, models.CadenceRule{LayerID: 2, MaxCount: 2}))
	assert.Error(t, f.SetRule(ctx, models.CadenceRule{LayerID: 2, CountScope: "global"}))
}
