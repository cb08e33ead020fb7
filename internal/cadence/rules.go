package cadence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/franzego/pushcadence/internal/models"
	"go.uber.org/zap"
)

// Rules reads the whole rule table keyed by layer id.
func (f *Filter) Rules(ctx context.Context) (map[int]models.CadenceRule, error) {
	raw, err := f.cb.Execute(func() (interface{}, error) {
		return f.rdb.HGetAll(ctx, rulesKey).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("read cadence rules: %w", err)
	}
	fields := raw.(map[string]string)
	rules := make(map[int]models.CadenceRule, len(fields))
	for field, value := range fields {
		layer, err := strconv.Atoi(field)
		if err != nil {
			f.logger.Warn("ignoring cadence rule with non-numeric layer", zap.String("field", field))
			continue
		}
		var rule models.CadenceRule
		if err := json.Unmarshal([]byte(value), &rule); err != nil {
			f.logger.Warn("ignoring undecodable cadence rule", zap.Int("layer_id", layer), zap.Error(err))
			continue
		}
		rule.LayerID = layer
		rules[layer] = rule
	}
	return rules, nil
}

func validateRule(rule models.CadenceRule) error {
	if rule.CooldownHours < 0 || rule.MaxCount < 0 || rule.CountWindowHours < 0 {
		return fmt.Errorf("cadence rule for layer %d has negative values", rule.LayerID)
	}
	if rule.MaxCount > 0 && rule.CountWindowHours == 0 {
		return fmt.Errorf("cadence rule for layer %d sets maxCount without countWindowHours", rule.LayerID)
	}
	switch rule.CountScope {
	case "", models.CountScopeLayer, models.CountScopeAll:
	default:
		return fmt.Errorf("cadence rule for layer %d has unknown countScope %q", rule.LayerID, rule.CountScope)
	}
	return nil
}

// SetRule creates or replaces the rule for rule.LayerID.
func (f *Filter) SetRule(ctx context.Context, rule models.CadenceRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	body, err := json.Marshal(rule)
	if err != nil {
		return err
	}
	if err := f.rdb.HSet(ctx, rulesKey, strconv.Itoa(rule.LayerID), body).Err(); err != nil {
		return fmt.Errorf("write cadence rule: %w", err)
	}
	return nil
}

// SeedRules installs rules for layers that have none yet and reports how
// many were added. Existing rules are left untouched.
func (f *Filter) SeedRules(ctx context.Context, rules []models.CadenceRule) (int, error) {
	added := 0
	for _, rule := range rules {
		if err := validateRule(rule); err != nil {
			return added, err
		}
		body, err := json.Marshal(rule)
		if err != nil {
			return added, err
		}
		ok, err := f.rdb.HSetNX(ctx, rulesKey, strconv.Itoa(rule.LayerID), body).Result()
		if err != nil {
			return added, fmt.Errorf("seed cadence rule: %w", err)
		}
		if ok {
			added++
		}
	}
	return added, nil
}
