package alerts

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"instapilot/internal/eventbus"
	"instapilot/internal/quota"
	"instapilot/internal/runner"
	"instapilot/internal/sweep"
)

// Render maps a bus event to an operator notification. Most traffic on
// the bus is bookkeeping and comes back false; only events an operator
// can act on become messages. Dedup keys are stable per alert class so
// a repeating condition collapses into one message per window.
func Render(e eventbus.Event) (Notification, bool) {
	switch e.Type {
	case "run.failed":
		rep, ok := e.Data.(runner.Report)
		if !ok {
			return Notification{}, false
		}
		return Notification{
			Text:     "Publish run failed: " + rep.Message,
			Priority: PriorityWarn,
			Key:      "run.failed|" + rep.Message,
		}, true

	case "cooldown.opened":
		v, ok := e.Data.(runner.CooldownView)
		if !ok {
			return Notification{}, false
		}
		resume := "shortly"
		if v.OpenUntil != nil {
			resume = humanize.Time(*v.OpenUntil)
		}
		return Notification{
			Text: fmt.Sprintf("Automatic publishing paused after %d consecutive failures; resuming %s.",
				v.ConsecutiveFailures, resume),
			Priority: PriorityCritical,
			Key:      "cooldown.opened",
		}, true

	case "sweep.completed":
		rep, ok := e.Data.(sweep.Report)
		if !ok {
			return Notification{}, false
		}
		switch {
		case rep.Partial:
			return Notification{
				Text: fmt.Sprintf("Sync ran out of budget: %d posts still unchecked after %.0fs.",
					rep.Remaining, rep.ElapsedSeconds),
				Priority: PriorityWarn,
				Key:      "sweep.partial",
			}, true
		case len(rep.Errors) > 0:
			return Notification{
				Text: fmt.Sprintf("Sync finished with %d error(s); first: %s",
					len(rep.Errors), rep.Errors[0]),
				Priority: PriorityWarn,
				Key:      "sweep.errors",
			}, true
		}
		return Notification{}, false

	case "quota.exhausted":
		snap, ok := e.Data.(quota.Snapshot)
		if !ok {
			return Notification{}, false
		}
		return Notification{
			Text: fmt.Sprintf("Publish quota exhausted (%d/%d in the rolling window); next slot in %d minutes.",
				snap.Count, snap.Limit, snap.NextSlotInMinutes),
			Priority: PriorityWarn,
			Key:      "quota.exhausted",
		}, true
	}
	return Notification{}, false
}
