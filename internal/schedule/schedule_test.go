package schedule

import (
	"errors"
	"testing"
	"time"

	"instapilot/pkg/apperr"
)

// 2026-03-02 is a Monday.
var monday9am = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func tuesdayOnly() Config {
	cfg := Config{
		Enabled: true,
		Schedule: map[string]DaySchedule{
			"tuesday": {Enabled: true, PostsPerDay: 2, Times: []string{"08:30", "20:00"}},
		},
	}
	cfg.Normalize()
	return cfg
}

func TestNormalize(t *testing.T) {
	cfg := Config{Schedule: map[string]DaySchedule{
		" Tuesday ": {Enabled: true, Times: []string{"20:00", "08:30", "08:30"}},
		"friday":    {Enabled: true, Time: "12:15"},
	}}
	cfg.Normalize()

	day, ok := cfg.Day("tuesday")
	if !ok {
		t.Fatalf("day key not lowercased: %v", cfg.Schedule)
	}
	if len(day.Times) != 2 || day.Times[0] != "08:30" || day.Times[1] != "20:00" {
		t.Fatalf("times not deduplicated and sorted: %v", day.Times)
	}
	if day.Time != "08:30" {
		t.Fatalf("legacy time should mirror times[0], got %q", day.Time)
	}
	if day.PostsPerDay != 2 {
		t.Fatalf("posts_per_day not derived, got %d", day.PostsPerDay)
	}

	fri, _ := cfg.Day("friday")
	if len(fri.Times) != 1 || fri.Times[0] != "12:15" {
		t.Fatalf("legacy single time not folded into times: %v", fri.Times)
	}
	if fri.DefaultTime() != "12:15" {
		t.Fatalf("DefaultTime = %q", fri.DefaultTime())
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", tuesdayOnly(), true},
		{"unknown day", Config{Schedule: map[string]DaySchedule{
			"someday": {Enabled: true, PostsPerDay: 1, Times: []string{"08:30"}},
		}}, false},
		{"bad time", Config{Schedule: map[string]DaySchedule{
			"monday": {Enabled: true, PostsPerDay: 1, Times: []string{"25:00"}},
		}}, false},
		{"posts_per_day too high", Config{Schedule: map[string]DaySchedule{
			"monday": {Enabled: true, PostsPerDay: 11, Times: []string{
				"01:00", "02:00", "03:00", "04:00", "05:00", "06:00",
				"07:00", "08:00", "09:00", "10:00", "11:00"}},
		}}, false},
		{"count mismatch", Config{Schedule: map[string]DaySchedule{
			"monday": {Enabled: true, PostsPerDay: 2, Times: []string{"08:30"}},
		}}, false},
		{"enabled day without times", Config{Schedule: map[string]DaySchedule{
			"monday": {Enabled: true, PostsPerDay: 1},
		}}, false},
		{"disabled placeholder day", Config{Schedule: map[string]DaySchedule{
			"monday": {Enabled: false},
		}}, true},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("%s: expected validation error", tc.name)
				continue
			}
			var verr apperr.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("%s: error is %T, want ValidationError", tc.name, err)
			}
		}
	}
}

func TestValidateTimeAndDate(t *testing.T) {
	for _, good := range []string{"00:00", "08:30", "23:59"} {
		if err := ValidateTime(good); err != nil {
			t.Errorf("ValidateTime(%q) = %v", good, err)
		}
	}
	for _, bad := range []string{"24:00", "8:30", "12:60", "noon", ""} {
		if err := ValidateTime(bad); err == nil {
			t.Errorf("ValidateTime(%q) should fail", bad)
		}
	}
	if err := ValidateDate("2026-03-02"); err != nil {
		t.Errorf("ValidateDate valid: %v", err)
	}
	for _, bad := range []string{"2026-13-01", "2026-02-30", "03-02-2026", ""} {
		if err := ValidateDate(bad); err == nil {
			t.Errorf("ValidateDate(%q) should fail", bad)
		}
	}
}

func TestNextBasic(t *testing.T) {
	nr := Next(tuesdayOnly(), monday9am, nil)
	if nr == nil {
		t.Fatalf("expected a next run")
	}
	if nr.Day != "tuesday" || nr.Date != "2026-03-03" || nr.Time != "08:30" {
		t.Fatalf("unexpected next run: %+v", nr)
	}
	// Monday 09:00 to Tuesday 08:30 is 23.5 hours.
	if nr.HoursUntil != 23.5 {
		t.Fatalf("hours_until = %v, want 23.5", nr.HoursUntil)
	}
}

func TestNextAdvancesPastSlot(t *testing.T) {
	cfg := tuesdayOnly()
	first := Next(cfg, monday9am, nil)
	if first == nil {
		t.Fatalf("expected a next run")
	}
	at, err := SlotInstant(first.Date, first.Time, time.UTC)
	if err != nil {
		t.Fatalf("SlotInstant: %v", err)
	}

	// Exactly at the slot instant the slot is no longer "strictly after now".
	second := Next(cfg, at, nil)
	if second == nil {
		t.Fatalf("expected a following run")
	}
	if second.Date != "2026-03-03" || second.Time != "20:00" {
		t.Fatalf("expected same-day later slot, got %+v", second)
	}
	if second.HoursUntil < 0 {
		t.Fatalf("hours_until must be non-negative, got %v", second.HoursUntil)
	}
}

func TestNextSkipsTakenSlots(t *testing.T) {
	cfg := tuesdayOnly()

	nr := Next(cfg, monday9am, []Slot{{Date: "2026-03-03", Time: "08:30", Status: "completed"}})
	if nr == nil || nr.Time != "20:00" {
		t.Fatalf("completed slot should be skipped, got %+v", nr)
	}

	nr = Next(cfg, monday9am, []Slot{{Date: "2026-03-03", Time: "08:30", Status: "processing"}})
	if nr == nil || nr.Time != "20:00" {
		t.Fatalf("in-flight slot should be skipped, got %+v", nr)
	}

	// A pending entry occupies the slot but does not consume it.
	nr = Next(cfg, monday9am, []Slot{{Date: "2026-03-03", Time: "08:30", Status: "pending"}})
	if nr == nil || nr.Time != "08:30" {
		t.Fatalf("pending slot should stay the next run, got %+v", nr)
	}
}

func TestNextNilWhenNothingEnabled(t *testing.T) {
	cfg := Config{Enabled: true, Schedule: map[string]DaySchedule{
		"monday": {Enabled: false, PostsPerDay: 1, Times: []string{"08:30"}},
	}}
	if nr := Next(cfg, monday9am, nil); nr != nil {
		t.Fatalf("expected nil next run, got %+v", nr)
	}
	if nr := Next(Config{}, monday9am, nil); nr != nil {
		t.Fatalf("expected nil next run for empty config, got %+v", nr)
	}
}

func TestPlanFillTuesdayExample(t *testing.T) {
	res := PlanFill(tuesdayOnly(), monday9am, nil, 7)
	if len(res.Created) != 2 {
		t.Fatalf("created %d slots, want 2: %+v", len(res.Created), res.Created)
	}
	for _, s := range res.Created {
		if s.Date != "2026-03-03" {
			t.Fatalf("slot on wrong date: %+v", s)
		}
	}
	if res.Created[0].Time != "08:30" || res.Created[1].Time != "20:00" {
		t.Fatalf("unexpected slot times: %+v", res.Created)
	}
	if res.SkippedDisabled != 6 {
		t.Fatalf("skipped_disabled = %d, want 6", res.SkippedDisabled)
	}
	if res.SkippedExisting != 0 {
		t.Fatalf("skipped_existing = %d, want 0", res.SkippedExisting)
	}
}

func TestPlanFillIdempotent(t *testing.T) {
	cfg := tuesdayOnly()
	first := PlanFill(cfg, monday9am, nil, 7)

	again := PlanFill(cfg, monday9am, first.Created, 7)
	if len(again.Created) != 0 {
		t.Fatalf("second pass created %d slots, want 0", len(again.Created))
	}
	if again.SkippedExisting != len(first.Created) {
		t.Fatalf("skipped_existing = %d, want %d", again.SkippedExisting, len(first.Created))
	}
}

func TestPlanFillCountsExistingSlotOnce(t *testing.T) {
	cfg := tuesdayOnly()
	existing := []Slot{{Date: "2026-03-03", Time: "08:30", Status: "error"}}
	res := PlanFill(cfg, monday9am, existing, 7)
	if len(res.Created) != 1 || res.Created[0].Time != "20:00" {
		t.Fatalf("expected only the free slot to be planned: %+v", res.Created)
	}
	if res.SkippedExisting != 1 {
		t.Fatalf("skipped_existing = %d, want 1", res.SkippedExisting)
	}
}

func TestDayName(t *testing.T) {
	if got := DayName(time.Monday); got != "monday" {
		t.Fatalf("DayName(Monday) = %q", got)
	}
	if got := DayName(time.Sunday); got != "sunday" {
		t.Fatalf("DayName(Sunday) = %q", got)
	}
	if got := DayName(monday9am.Weekday()); got != "monday" {
		t.Fatalf("2026-03-02 should be monday, got %q", got)
	}
}
