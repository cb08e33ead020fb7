package engine

import (
	"fmt"
	"time"

	"github.com/franzego/pushcadence/internal/models"
)

// NextRun returns the first send time of s whose audience generation time
// (send time minus lead) is strictly after after.
func NextRun(s models.Schedule, after time.Time) (time.Time, error) {
	if err := s.Validate(); err != nil {
		return time.Time{}, err
	}
	loc, _ := s.Location()
	hour, minute, _ := s.TimeOfDay()
	start, _ := s.StartDay()
	lead := time.Duration(s.LeadTimeMinutes) * time.Minute

	at := func(d time.Time) time.Time {
		return time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, loc)
	}

	if s.Frequency == models.FrequencyOnce {
		sendAt := at(start)
		if sendAt.Add(-lead).After(after) {
			return sendAt, nil
		}
		return time.Time{}, fmt.Errorf("%w: once at %s", ErrNoFutureRun, sendAt.Format(time.RFC3339))
	}

	local := after.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	if !start.IsZero() && start.After(day) {
		day = start
	}
	for i := 0; i < 15; i++ {
		d := day.AddDate(0, 0, i)
		if !runsOn(s.Frequency, d, start) {
			continue
		}
		sendAt := at(d)
		if sendAt.Add(-lead).After(after) {
			return sendAt, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s schedule", ErrNoFutureRun, s.Frequency)
}

func runsOn(f models.Frequency, d, start time.Time) bool {
	switch f {
	case models.FrequencyDaily:
		return true
	case models.FrequencyWeekdays:
		wd := d.Weekday()
		return wd != time.Saturday && wd != time.Sunday
	case models.FrequencyWeekly:
		return d.Weekday() == start.Weekday()
	}
	return false
}
