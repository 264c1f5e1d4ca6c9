package scheduler

import (
	"context"
	"time"

	"instapilot/internal/queue"
	"instapilot/internal/runner"
	"instapilot/internal/schedule"
	"instapilot/internal/sweep"
)

// AddQueue validates and inserts a queue entry, inheriting the slot time
// from the target day's schedule when the request leaves it empty. The
// warning is non-empty when the slot is already booked.
func (s *Service) AddQueue(ctx context.Context, req queue.AddRequest, now time.Time) (QueueItem, string, error) {
	cfg, _, err := s.LoadSchedule(ctx)
	if err != nil {
		return QueueItem{}, "", err
	}
	row, warning, err := s.queue.Add(ctx, cfg, req, now)
	if err != nil {
		return QueueItem{}, "", err
	}
	return queueItem(row), warning, nil
}

// RemoveQueue deletes a pending entry; non-pending entries conflict.
func (s *Service) RemoveQueue(ctx context.Context, id int64) error {
	return s.queue.Remove(ctx, id)
}

// AutoFill materializes pending entries for every free slot in the coming
// days. Zero days means the configured default horizon; anything else is
// clamped to [1, 30].
func (s *Service) AutoFill(ctx context.Context, days int, now time.Time) (schedule.FillResult, error) {
	if days == 0 {
		s.mu.Lock()
		days = s.cfg.AutofillDays
		s.mu.Unlock()
	}
	if days < minAutofillDays {
		days = minAutofillDays
	}
	if days > maxAutofillDays {
		days = maxAutofillDays
	}
	cfg, _, err := s.LoadSchedule(ctx)
	if err != nil {
		return schedule.FillResult{}, err
	}
	return s.queue.AutoFill(ctx, cfg, now.In(s.location()), days)
}

// RunNow triggers a publication run outside the tick. When another run
// holds the lease the report comes back with runner.ErrBusy so transports
// can answer conflict instead of queueing.
func (s *Service) RunNow(ctx context.Context, now time.Time) (runner.Report, error) {
	cfg, _, err := s.LoadSchedule(ctx)
	if err != nil {
		return runner.Report{}, err
	}
	rep, err := s.runner.RunNow(ctx, cfg, now.In(s.location()))
	if err != nil {
		return rep, err
	}
	if rep.Outcome == runner.OutcomeBusy {
		return rep, runner.ErrBusy
	}
	return rep, nil
}

// Sync runs a reconcile sweep on demand. Zero limit or maxElapsed fall
// back to the configured sweep defaults; callers clamp user input first.
func (s *Service) Sync(ctx context.Context, limit int, maxElapsed time.Duration) sweep.Report {
	rep := s.sweeper.SyncRemote(ctx, limit, maxElapsed)
	s.stampSweep(time.Now().In(s.location()))
	return rep
}

// Retry re-attempts a failed post under the shared run lease, reconciling
// against the platform before publishing again.
func (s *Service) Retry(ctx context.Context, postID int64) (sweep.RetryResult, error) {
	return s.sweeper.RetryPublish(ctx, postID)
}
