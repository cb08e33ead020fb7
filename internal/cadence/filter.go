// Package cadence decides which recipients may receive a notification layer
// right now and keeps the delivery history those decisions are based on.
//
// Any failure to read the rule table or the history yields permissive
// results: frequency protection is lost for that call, delivery is never
// blocked.
package cadence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/franzego/pushcadence/internal/clock"
	"github.com/franzego/pushcadence/internal/models"
	"github.com/franzego/pushcadence/pkg/circuitbreaker"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	rulesKey         = "cadence:rules"
	historyKeyPrefix = "cadence:history:"
)

var recipientPattern = regexp.MustCompile(`^[A-Za-z0-9_.@-]{1,128}$`)

type Options struct {
	BypassLayer int
	Retention   time.Duration
	BatchSize   int
}

type Filter struct {
	rdb    *redis.Client
	cb     *gobreaker.CircuitBreaker
	clock  clock.Clock
	logger *zap.Logger
	opts   Options
}

type Result struct {
	Eligible      []string `json:"eligibleUserIds"`
	ExcludedCount int      `json:"excludedCount"`
	Malformed     int      `json:"malformed"`
	FailOpen      bool     `json:"failOpen"`
}

type entry struct {
	layer int
	at    time.Time
}

func New(rdb *redis.Client, opts Options, clk clock.Clock, logger *zap.Logger) *Filter {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Retention <= 0 {
		opts.Retention = 90 * 24 * time.Hour
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filter{
		rdb:    rdb,
		cb:     circuitbreaker.NewWithTimeout("cadence-redis", 30*time.Second, logger),
		clock:  clk,
		logger: logger.With(zap.String("component", "cadence")),
		opts:   opts,
	}
}

// BypassLayer is the cooldown-exempt layer id.
func (f *Filter) BypassLayer() int { return f.opts.BypassLayer }

// ValidRecipientID reports whether id can be used as a history key.
func ValidRecipientID(id string) bool {
	return recipientPattern.MatchString(id)
}

func historyKey(userID string) string { return historyKeyPrefix + userID }

func splitValid(ids []string) (valid []string, malformed int) {
	valid = make([]string, 0, len(ids))
	for _, id := range ids {
		if ValidRecipientID(id) {
			valid = append(valid, id)
		} else {
			malformed++
		}
	}
	return valid, malformed
}

// Filter returns the recipients currently eligible for layer.
func (f *Filter) Filter(ctx context.Context, ids []string, layer int) Result {
	if layer == f.opts.BypassLayer {
		return Result{Eligible: append([]string(nil), ids...)}
	}

	valid, malformed := splitValid(ids)
	if malformed > 0 {
		f.logger.Warn("dropped malformed recipient ids",
			zap.Int("layer_id", layer),
			zap.Int("malformed", malformed),
		)
	}

	rules, err := f.Rules(ctx)
	if err != nil {
		f.logger.Error("CADENCE FAIL-OPEN: rule table unreadable, sending without frequency protection",
			zap.Int("layer_id", layer),
			zap.Int("recipients", len(valid)),
			zap.Error(err),
		)
		return Result{Eligible: valid, Malformed: malformed, FailOpen: true}
	}
	if len(rules) == 0 {
		f.logger.Error("CADENCE FAIL-OPEN: rule table is empty, sending without frequency protection",
			zap.Int("layer_id", layer),
			zap.Int("recipients", len(valid)),
		)
		return Result{Eligible: valid, Malformed: malformed, FailOpen: true}
	}

	rule, ok := rules[layer]
	if !ok || rule.Lookback() <= 0 {
		f.logger.Info("no cadence rule for layer", zap.Int("layer_id", layer))
		return Result{Eligible: valid, Malformed: malformed}
	}

	now := f.clock.Now()
	since := now.Add(-rule.Lookback())
	res := Result{Eligible: make([]string, 0, len(valid)), Malformed: malformed}

	for start := 0; start < len(valid); start += f.opts.BatchSize {
		end := start + f.opts.BatchSize
		if end > len(valid) {
			end = len(valid)
		}
		batch := valid[start:end]
		history, err := f.loadHistory(ctx, batch, since)
		if err != nil {
			f.logger.Error("CADENCE FAIL-OPEN: delivery history unreadable, sending without frequency protection",
				zap.Int("layer_id", layer),
				zap.Int("recipients", len(valid)),
				zap.Error(err),
			)
			return Result{Eligible: valid, Malformed: malformed, FailOpen: true}
		}
		for _, id := range batch {
			if f.blocked(rule, history[id], now) {
				res.ExcludedCount++
				continue
			}
			res.Eligible = append(res.Eligible, id)
		}
	}

	f.logger.Info("cadence filter applied",
		zap.Int("layer_id", layer),
		zap.Int("eligible", len(res.Eligible)),
		zap.Int("excluded", res.ExcludedCount),
	)
	return res
}

func (f *Filter) blocked(rule models.CadenceRule, history []entry, now time.Time) bool {
	if cooldown := rule.Cooldown(); cooldown > 0 {
		cutoff := now.Add(-cooldown)
		for _, e := range history {
			if e.layer == rule.LayerID && e.at.After(cutoff) {
				return true
			}
		}
	}
	if rule.MaxCount > 0 && rule.CountWindow() > 0 {
		cutoff := now.Add(-rule.CountWindow())
		count := 0
		for _, e := range history {
			if !e.at.After(cutoff) || e.layer == f.opts.BypassLayer {
				continue
			}
			if rule.CountScope == models.CountScopeAll || e.layer == rule.LayerID {
				count++
			}
		}
		if count >= rule.MaxCount {
			return true
		}
	}
	return false
}

func (f *Filter) loadHistory(ctx context.Context, ids []string, since time.Time) (map[string][]entry, error) {
	res, err := f.cb.Execute(func() (interface{}, error) {
		pipe := f.rdb.Pipeline()
		cmds := make([]*redis.StringSliceCmd, len(ids))
		for i, id := range ids {
			cmds[i] = pipe.ZRangeByScore(ctx, historyKey(id), &redis.ZRangeBy{
				Min: strconv.FormatInt(since.UnixMilli(), 10),
				Max: "+inf",
			})
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		out := make(map[string][]entry, len(ids))
		for i, cmd := range cmds {
			members, err := cmd.Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return nil, err
			}
			for _, m := range members {
				if e, ok := parseMember(m); ok {
					out[ids[i]] = append(out[ids[i]], e)
				}
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string][]entry), nil
}

func member(layer int, at time.Time) string {
	return fmt.Sprintf("%d:%d", layer, at.UnixMilli())
}

func parseMember(m string) (entry, bool) {
	layerPart, tsPart, ok := strings.Cut(m, ":")
	if !ok {
		return entry{}, false
	}
	layer, err := strconv.Atoi(layerPart)
	if err != nil {
		return entry{}, false
	}
	ms, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return entry{}, false
	}
	return entry{layer: layer, at: time.UnixMilli(ms)}, true
}

// RecordDelivery appends one history entry per valid recipient. Re-recording
// the same (recipient, layer, sentAt) is a no-op, so callers may retry.
func (f *Filter) RecordDelivery(ctx context.Context, ids []string, layer int, sentAt time.Time) error {
	valid, malformed := splitValid(ids)
	if malformed > 0 {
		f.logger.Warn("skipped malformed recipient ids while recording",
			zap.Int("layer_id", layer),
			zap.Int("malformed", malformed),
		)
	}
	if len(valid) == 0 {
		return nil
	}

	m := member(layer, sentAt)
	score := float64(sentAt.UnixMilli())
	cutoff := "(" + strconv.FormatInt(sentAt.Add(-f.opts.Retention).UnixMilli(), 10)

	for start := 0; start < len(valid); start += f.opts.BatchSize {
		end := start + f.opts.BatchSize
		if end > len(valid) {
			end = len(valid)
		}
		batch := valid[start:end]
		_, err := f.cb.Execute(func() (interface{}, error) {
			pipe := f.rdb.Pipeline()
			for _, id := range batch {
				key := historyKey(id)
				pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: m})
				pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
				pipe.Expire(ctx, key, f.opts.Retention)
			}
			_, err := pipe.Exec(ctx)
			return nil, err
		})
		if err != nil {
			return fmt.Errorf("record deliveries for layer %d: %w", layer, err)
		}
	}
	return nil
}
