package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validAutomation() Automation {
	return Automation{
		ID:       "auto-1",
		Name:     "Trending closet items",
		Status:   StatusActive,
		IsActive: true,
		Schedule: Schedule{
			Frequency:       FrequencyDaily,
			ExecutionTime:   "09:00",
			Timezone:        "America/New_York",
			LeadTimeMinutes: 30,
			StartDate:       "2026-01-01",
		},
		PushSequence: []PushMessage{
			{Title: "Hi {{firstName}}", Body: "{{product_name}} is trending", LayerID: 2},
		},
		Settings: Settings{
			DryRunFirst:               true,
			CancellationWindowMinutes: 20,
			TestAudience:              []string{"founder"},
			Safeguards:                Safeguards{MaxAudienceSize: 1000},
		},
	}
}

func TestAutomation_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(a *Automation)
		wantErr error
	}{
		{name: "valid", mutate: func(a *Automation) {}},
		{name: "missing name", mutate: func(a *Automation) { a.Name = " " }, wantErr: ErrInvalidAutomation},
		{name: "unknown status", mutate: func(a *Automation) { a.Status = "running" }, wantErr: ErrInvalidAutomation},
		{name: "empty sequence", mutate: func(a *Automation) { a.PushSequence = nil }, wantErr: ErrInvalidAutomation},
		{name: "negative delay", mutate: func(a *Automation) { a.PushSequence[0].DelayMinutes = -1 }, wantErr: ErrInvalidAutomation},
		{name: "bad time", mutate: func(a *Automation) { a.Schedule.ExecutionTime = "9am" }, wantErr: ErrInvalidSchedule},
		{name: "bad timezone", mutate: func(a *Automation) { a.Schedule.Timezone = "Mars/Olympus" }, wantErr: ErrInvalidSchedule},
		{name: "bad frequency", mutate: func(a *Automation) { a.Schedule.Frequency = "fortnightly" }, wantErr: ErrInvalidSchedule},
		{name: "lead too long", mutate: func(a *Automation) { a.Schedule.LeadTimeMinutes = 2000 }, wantErr: ErrInvalidSchedule},
		{name: "bad start date", mutate: func(a *Automation) { a.Schedule.StartDate = "01/02/2026" }, wantErr: ErrInvalidSchedule},
		{name: "once without start", mutate: func(a *Automation) {
			a.Schedule.Frequency = FrequencyOnce
			a.Schedule.StartDate = ""
		}, wantErr: ErrInvalidSchedule},
		{name: "weekly without start", mutate: func(a *Automation) {
			a.Schedule.Frequency = FrequencyWeekly
			a.Schedule.StartDate = ""
		}, wantErr: ErrInvalidSchedule},
		{name: "window longer than lead", mutate: func(a *Automation) { a.Settings.CancellationWindowMinutes = 45 }, wantErr: ErrInvalidAutomation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validAutomation()
			tt.mutate(&a)
			err := a.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestAutomation_CloneIsDeep(t *testing.T) {
	a := validAutomation()
	a.AudienceCriteria = AudienceCriteria{"segment": "new_users"}
	c := a.Clone()

	c.PushSequence[0].Title = "changed"
	c.AudienceCriteria["segment"] = "changed"
	c.Settings.TestAudience[0] = "changed"

	assert.Equal(t, "Hi {{firstName}}", a.PushSequence[0].Title)
	assert.Equal(t, "new_users", a.AudienceCriteria["segment"])
	assert.Equal(t, "founder", a.Settings.TestAudience[0])
}

func TestSchedule_Parsing(t *testing.T) {
	s := validAutomation().Schedule
	h, m, err := s.TimeOfDay()
	require.NoError(t, err)
	assert.Equal(t, 9, h)
	assert.Equal(t, 0, m)

	loc, err := s.Location()
	require.NoError(t, err)
	start, err := s.StartDay()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, loc), start)

	assert.True(t, validAutomation().Schedulable())
	paused := validAutomation()
	paused.Status = StatusPaused
	assert.False(t, paused.Schedulable())
}
