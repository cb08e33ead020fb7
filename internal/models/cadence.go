package models

import "time"

type CountScope string

const (
	CountScopeLayer CountScope = "layer"
	CountScopeAll   CountScope = "all"
)

// CadenceRule limits how often one recipient may receive a layer.
type CadenceRule struct {
	LayerID          int        `json:"layerId" mapstructure:"layer_id"`
	CooldownHours    int        `json:"cooldownHours" mapstructure:"cooldown_hours"`
	MaxCount         int        `json:"maxCount" mapstructure:"max_count"`
	CountWindowHours int        `json:"countWindowHours" mapstructure:"count_window_hours"`
	CountScope       CountScope `json:"countScope" mapstructure:"count_scope"`
}

func (r CadenceRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownHours) * time.Hour
}

func (r CadenceRule) CountWindow() time.Duration {
	return time.Duration(r.CountWindowHours) * time.Hour
}

// Lookback is the oldest history the rule needs to see.
func (r CadenceRule) Lookback() time.Duration {
	lb := r.Cooldown()
	if r.MaxCount > 0 && r.CountWindow() > lb {
		lb = r.CountWindow()
	}
	return lb
}

type NotificationRecord struct {
	UserID  string    `json:"userId"`
	LayerID int       `json:"layerId"`
	SentAt  time.Time `json:"sentAt"`
}

// AudienceRow is one recipient produced by the audience provider.
type AudienceRow struct {
	UserID    string            `json:"user_id"`
	Variables map[string]string `json:"variables"`
}
