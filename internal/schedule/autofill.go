package schedule

import "time"

// FillResult reports what an auto-fill pass created and what it skipped.
// SkippedDisabled counts whole days, SkippedExisting individual slots.
type FillResult struct {
	Created         []Slot `json:"created"`
	SkippedExisting int    `json:"skipped_existing"`
	SkippedDisabled int    `json:"skipped_disabled"`
}

// PlanFill walks [today, today+horizonDays) and lists the slots an
// auto-fill would create, given every slot already present in the queue
// (any status counts as occupied). Re-planning against the resulting
// queue yields zero creations, which is what makes auto-fill idempotent.
// Today's already-passed times are still planned; the runner treats them
// as missed slots and catches up on its next tick.
func PlanFill(cfg Config, now time.Time, existing []Slot, horizonDays int) FillResult {
	occupied := make(map[string]struct{}, len(existing))
	for _, s := range existing {
		occupied[s.Date+" "+s.Time] = struct{}{}
	}

	var res FillResult
	for offset := 0; offset < horizonDays; offset++ {
		date := now.AddDate(0, 0, offset)
		name := DayName(date.Weekday())
		day, ok := cfg.Day(name)
		if !ok || !day.Enabled || len(day.RunTimes()) == 0 {
			res.SkippedDisabled++
			continue
		}
		dateStr := date.Format(DateLayout)
		for _, hhmm := range day.RunTimes() {
			key := dateStr + " " + hhmm
			if _, exists := occupied[key]; exists {
				res.SkippedExisting++
				continue
			}
			occupied[key] = struct{}{}
			res.Created = append(res.Created, Slot{Date: dateStr, Time: hhmm, Status: "pending"})
		}
	}
	return res
}
