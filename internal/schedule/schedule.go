// Package schedule holds the weekly recurrence model: the persisted
// per-day configuration, next-run computation over a 14 day horizon,
// and the auto-fill planner that materializes queue slots from it.
package schedule

import (
	"sort"
	"strings"
	"time"
)

// Weekdays in storage order, lowercase. Index 0 is Monday to match the
// stored day keys, not time.Weekday's Sunday-based numbering.
var Weekdays = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

const (
	MinPostsPerDay = 1
	MaxPostsPerDay = 10

	// DateLayout / TimeLayout are the wire and storage formats for slots.
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"

	// DefaultSlot seeds days that have never been given a time.
	DefaultSlot = "08:30"
)

// DaySchedule configures one weekday. Time is the legacy single-slot field;
// after Normalize it always mirrors Times[0] so old consumers keep working.
type DaySchedule struct {
	Enabled     bool     `json:"enabled"`
	PostsPerDay int      `json:"posts_per_day"`
	Times       []string `json:"times"`
	Time        string   `json:"time,omitempty"`
}

// Config is the persisted weekly schedule.
type Config struct {
	Enabled  bool                   `json:"enabled"`
	Schedule map[string]DaySchedule `json:"schedule"`
}

// NextRun describes the first eligible upcoming slot.
type NextRun struct {
	Day        string  `json:"day_name"`
	Date       string  `json:"date"`
	Time       string  `json:"time"`
	HoursUntil float64 `json:"hours_until"`
}

// Slot is a queue entry's claim on a (date, time) pair, as seen by the
// recurrence and auto-fill logic.
type Slot struct {
	Date   string
	Time   string
	Status string
}

// Default returns the initial weekly template served before anything has
// been persisted: all seven days present and disabled, one DefaultSlot
// each, so editors always see a full week.
func Default() Config {
	days := make(map[string]DaySchedule, len(Weekdays))
	for _, name := range Weekdays {
		days[name] = DaySchedule{
			PostsPerDay: 1,
			Times:       []string{DefaultSlot},
			Time:        DefaultSlot,
		}
	}
	return Config{Schedule: days}
}

// DayName returns the lowercase storage name for a weekday.
func DayName(wd time.Weekday) string {
	// time.Weekday is Sunday=0; the stored keys start at Monday.
	return Weekdays[(int(wd)+6)%7]
}

// IsWeekday reports whether name is one of the seven storage day keys.
func IsWeekday(name string) bool {
	for _, d := range Weekdays {
		if d == name {
			return true
		}
	}
	return false
}

// Normalize canonicalizes a config in place: day keys lowercased, times
// deduplicated and sorted ascending, the legacy Time field folded into
// Times and re-mirrored from Times[0], and PostsPerDay derived from the
// slot count when absent. Validate assumes a normalized config.
func (c *Config) Normalize() {
	if c.Schedule == nil {
		return
	}
	norm := make(map[string]DaySchedule, len(c.Schedule))
	for name, day := range c.Schedule {
		key := strings.ToLower(strings.TrimSpace(name))

		times := make([]string, 0, len(day.Times)+1)
		seen := make(map[string]struct{}, len(day.Times)+1)
		add := func(t string) {
			t = strings.TrimSpace(t)
			if t == "" {
				return
			}
			if _, ok := seen[t]; ok {
				return
			}
			seen[t] = struct{}{}
			times = append(times, t)
		}
		for _, t := range day.Times {
			add(t)
		}
		if len(times) == 0 {
			add(day.Time)
		}
		sort.Strings(times)

		day.Times = times
		if len(times) > 0 {
			day.Time = times[0]
		} else {
			day.Time = ""
		}
		if day.PostsPerDay == 0 {
			day.PostsPerDay = len(times)
		}
		norm[key] = day
	}
	c.Schedule = norm
}

// Day returns the schedule for a weekday, with ok=false when the day is
// absent from the map (treated as disabled everywhere).
func (c Config) Day(name string) (DaySchedule, bool) {
	if c.Schedule == nil {
		return DaySchedule{}, false
	}
	d, ok := c.Schedule[name]
	return d, ok
}

// DefaultTime returns the canonical fallback slot for a day (times[0]),
// used when a queue entry is added without an explicit time.
func (d DaySchedule) DefaultTime() string {
	if len(d.Times) > 0 {
		return d.Times[0]
	}
	return d.Time
}
