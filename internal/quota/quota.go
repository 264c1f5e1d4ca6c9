// Package quota tracks the platform's rolling publish ceiling. It is pure:
// callers feed it the publish history and get back a derived snapshot,
// nothing is persisted here.
package quota

import (
	"math"
	"time"
)

// Window is the trailing period the platform measures publishes over.
const Window = 24 * time.Hour

// Snapshot is the derived quota view served to callers. NextSlotInMinutes
// is zero while headroom remains; once the ceiling is reached it is the
// time until the oldest counted publish leaves the window.
type Snapshot struct {
	Count             int `json:"count"`
	Limit             int `json:"limit"`
	NextSlotInMinutes int `json:"next_slot_in_minutes"`
}

// Exhausted reports whether a publish attempted now would exceed the ceiling.
// The runner never hard-blocks on this (the platform is authoritative); it
// exists so operators can see headroom before the platform starts rejecting.
func (s Snapshot) Exhausted() bool {
	return s.Limit > 0 && s.Count >= s.Limit
}

// Compute counts publishes inside the trailing window as of now. Timestamps
// exactly Window old have already left the window.
func Compute(history []time.Time, limit int, now time.Time) Snapshot {
	cutoff := now.Add(-Window)
	var (
		count  int
		oldest time.Time
	)
	for _, ts := range history {
		if !ts.After(cutoff) {
			continue
		}
		count++
		if oldest.IsZero() || ts.Before(oldest) {
			oldest = ts
		}
	}

	snap := Snapshot{Count: count, Limit: limit}
	if snap.Exhausted() && !oldest.IsZero() {
		untilExit := oldest.Add(Window).Sub(now)
		minutes := int(math.Ceil(untilExit.Minutes()))
		if minutes < 0 {
			minutes = 0
		}
		snap.NextSlotInMinutes = minutes
	}
	return snap
}
