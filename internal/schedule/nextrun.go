package schedule

import (
	"math"
	"time"
)

// nextRunHorizonDays bounds the forward scan; beyond it the scheduler is
// reported idle rather than searching indefinitely.
const nextRunHorizonDays = 14

// SlotInstant resolves a (date, HH:MM) pair to a wall-clock instant in loc.
func SlotInstant(date, hhmm string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateLayout+" "+TimeLayout, date+" "+hhmm, loc)
}

// RunTimes returns the day's slot times capped at posts_per_day.
func (d DaySchedule) RunTimes() []string {
	if d.PostsPerDay > 0 && len(d.Times) > d.PostsPerDay {
		return d.Times[:d.PostsPerDay]
	}
	return d.Times
}

// Next computes the first slot strictly after now within the horizon.
// Disabled (or absent) days are skipped, as are slots whose queue entry is
// already completed or in flight. A nil result means no enabled day exists
// or the horizon is exhausted; callers treat that as "scheduler idle", not
// an error.
func Next(cfg Config, now time.Time, taken []Slot) *NextRun {
	blocked := make(map[string]struct{}, len(taken))
	for _, s := range taken {
		if s.Status == "completed" || s.Status == "processing" {
			blocked[s.Date+" "+s.Time] = struct{}{}
		}
	}

	for offset := 0; offset < nextRunHorizonDays; offset++ {
		date := now.AddDate(0, 0, offset)
		name := DayName(date.Weekday())
		day, ok := cfg.Day(name)
		if !ok || !day.Enabled {
			continue
		}
		dateStr := date.Format(DateLayout)
		for _, hhmm := range day.RunTimes() {
			instant, err := SlotInstant(dateStr, hhmm, now.Location())
			if err != nil {
				continue
			}
			if !instant.After(now) {
				continue
			}
			if _, busy := blocked[dateStr+" "+hhmm]; busy {
				continue
			}
			return &NextRun{
				Day:        name,
				Date:       dateStr,
				Time:       hhmm,
				HoursUntil: hoursUntil(now, instant),
			}
		}
	}
	return nil
}

func hoursUntil(now, slot time.Time) float64 {
	h := math.Round(slot.Sub(now).Hours()*10) / 10
	if h < 0 {
		return 0
	}
	return h
}
