// Package queue manages scheduled publication slots: manual adds, removal,
// auto-fill over a horizon, and the status transitions the execution runner
// drives. All persistence goes through the store; all legality checks live
// here.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"instapilot/internal/schedule"
	"instapilot/internal/store"
	"instapilot/pkg/apperr"
	"instapilot/pkg/logx"
)

type Service struct {
	store *store.Store
	log   logx.Logger
}

func New(st *store.Store, log logx.Logger) *Service {
	return &Service{store: st, log: log}
}

// AddRequest is a manual queue insertion. Time is optional; an empty Time
// inherits the day's canonical slot. An empty Topic means automatic topic
// selection at run time.
type AddRequest struct {
	Date     string  `json:"scheduled_date"`
	Time     string  `json:"scheduled_time"`
	Topic    *string `json:"topic"`
	Template *string `json:"template"`
}

// Add validates and inserts a pending entry. The returned warning is
// non-empty when the slot is already occupied; creation still happens
// (deliberate double-booking stays possible).
func (s *Service) Add(ctx context.Context, cfg schedule.Config, req AddRequest, now time.Time) (store.QueueRow, string, error) {
	if err := schedule.ValidateDate(req.Date); err != nil {
		return store.QueueRow{}, "", err
	}
	day, err := time.ParseInLocation(schedule.DateLayout, req.Date, now.Location())
	if err != nil {
		return store.QueueRow{}, "", apperr.ValidationError(fmt.Sprintf("invalid date %q", req.Date))
	}
	today, _ := time.ParseInLocation(schedule.DateLayout, now.Format(schedule.DateLayout), now.Location())
	if day.Before(today) {
		return store.QueueRow{}, "", apperr.ValidationError("cannot schedule for past dates")
	}

	topic := trimPtr(req.Topic)
	template := trimPtr(req.Template)

	slotTime := strings.TrimSpace(req.Time)
	if slotTime != "" {
		if err := schedule.ValidateTime(slotTime); err != nil {
			return store.QueueRow{}, "", err
		}
	}

	dayCfg, _ := cfg.Day(schedule.DayName(day.Weekday()))
	runsTotal := 1
	if slotTime == "" {
		slotTime = dayCfg.DefaultTime()
		if slotTime == "" {
			return store.QueueRow{}, "", apperr.ValidationError(
				fmt.Sprintf("no time given and %s has no configured slots", schedule.DayName(day.Weekday())))
		}
		// An automatic entry without an explicit time covers every slot of
		// its day; manual-topic entries always run once.
		if topic == nil {
			if n := len(dayCfg.RunTimes()); n > 1 {
				runsTotal = n
			}
		}
	}

	var warning string
	if n, err := s.store.CountAtSlot(ctx, req.Date, slotTime); err != nil {
		return store.QueueRow{}, "", err
	} else if n > 0 {
		warning = fmt.Sprintf("slot %s %s already has %d entry(s)", req.Date, slotTime, n)
		s.log.Warn("duplicate slot", logx.String("date", req.Date), logx.String("time", slotTime), logx.Int("existing", n))
	}

	row := store.QueueRow{
		ScheduledDate: req.Date,
		ScheduledTime: slotTime,
		Topic:         topic,
		Template:      template,
		Status:        string(StatusPending),
		RunsTotal:     runsTotal,
		CreatedAt:     now,
	}
	id, err := s.store.InsertQueueEntry(ctx, row)
	if err != nil {
		return store.QueueRow{}, "", err
	}
	row.ID = id
	s.log.Info("queue entry added",
		logx.Int64("id", id),
		logx.String("date", req.Date),
		logx.String("time", slotTime),
		logx.Int("runs_total", runsTotal))
	return row, warning, nil
}

// Remove deletes an entry that is still pending. Anything else conflicts.
func (s *Service) Remove(ctx context.Context, id int64) error {
	row, ok, err := s.store.GetQueueEntry(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFoundError(fmt.Sprintf("queue entry %d not found", id))
	}
	deleted, err := s.store.DeleteQueueEntryIfStatus(ctx, id, string(StatusPending))
	if err != nil {
		return err
	}
	if !deleted {
		return apperr.ConflictError(fmt.Sprintf("queue entry %d is %s, only pending entries can be removed", id, row.Status))
	}
	s.log.Info("queue entry removed", logx.Int64("id", id))
	return nil
}

// Get returns one entry or a NotFoundError.
func (s *Service) Get(ctx context.Context, id int64) (store.QueueRow, error) {
	row, ok, err := s.store.GetQueueEntry(ctx, id)
	if err != nil {
		return store.QueueRow{}, err
	}
	if !ok {
		return store.QueueRow{}, apperr.NotFoundError(fmt.Sprintf("queue entry %d not found", id))
	}
	return row, nil
}

// ListWindow returns entries from daysBack before today through daysForward
// after, in slot order.
func (s *Service) ListWindow(ctx context.Context, now time.Time, daysBack, daysForward int) ([]store.QueueRow, error) {
	from := now.AddDate(0, 0, -daysBack).Format(schedule.DateLayout)
	to := now.AddDate(0, 0, daysForward).Format(schedule.DateLayout)
	return s.store.ListQueueWindow(ctx, from, to)
}

// Slots projects the queue onto (date, time, status) triples for the
// recurrence calculator and the auto-fill planner.
func (s *Service) Slots(ctx context.Context, now time.Time, daysForward int) ([]schedule.Slot, error) {
	from := now.Format(schedule.DateLayout)
	to := now.AddDate(0, 0, daysForward).Format(schedule.DateLayout)
	rows, err := s.store.SlotStatuses(ctx, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]schedule.Slot, 0, len(rows))
	for _, r := range rows {
		out = append(out, schedule.Slot{Date: r.Date, Time: r.Time, Status: r.Status})
	}
	return out, nil
}

// AutoFill materializes pending entries for every free slot in the horizon.
// The horizon is clamped to [1, 30] days.
func (s *Service) AutoFill(ctx context.Context, cfg schedule.Config, now time.Time, horizonDays int) (schedule.FillResult, error) {
	if horizonDays < 1 {
		horizonDays = 1
	}
	if horizonDays > 30 {
		horizonDays = 30
	}
	existing, err := s.Slots(ctx, now, horizonDays)
	if err != nil {
		return schedule.FillResult{}, err
	}
	plan := schedule.PlanFill(cfg, now, existing, horizonDays)
	for _, slot := range plan.Created {
		_, err := s.store.InsertQueueEntry(ctx, store.QueueRow{
			ScheduledDate: slot.Date,
			ScheduledTime: slot.Time,
			Status:        string(StatusPending),
			RunsTotal:     1,
			CreatedAt:     now,
		})
		if err != nil {
			return schedule.FillResult{}, err
		}
	}
	s.log.Info("auto-fill done",
		logx.Int("created", len(plan.Created)),
		logx.Int("skipped_existing", plan.SkippedExisting),
		logx.Int("skipped_disabled", plan.SkippedDisabled),
		logx.Int("horizon_days", horizonDays))
	return plan, nil
}

// NextDue returns the earliest pending entry at or before now's slot.
func (s *Service) NextDue(ctx context.Context, now time.Time) (store.QueueRow, bool, error) {
	return s.store.EarliestDuePending(ctx, now.Format(schedule.DateLayout), now.Format(schedule.TimeLayout))
}

// Claim flips pending->processing. False means someone else won the entry.
func (s *Service) Claim(ctx context.Context, id int64, now time.Time) (bool, error) {
	return s.transition(ctx, id, StatusPending, StatusProcessing, nil, nil, -1, now)
}

// Complete terminates a claimed entry successfully.
func (s *Service) Complete(ctx context.Context, id int64, message string, postID *int64, runsCompleted int, now time.Time) (bool, error) {
	return s.transition(ctx, id, StatusProcessing, StatusCompleted, &message, postID, runsCompleted, now)
}

// Fail terminates a claimed entry with a human-readable summary. postID links
// the post record whose publish failed, when one exists.
func (s *Service) Fail(ctx context.Context, id int64, message string, postID *int64, now time.Time) (bool, error) {
	return s.transition(ctx, id, StatusProcessing, StatusError, &message, postID, -1, now)
}

// Skip marks a pending entry skipped, e.g. when its day was disabled after
// the entry was created.
func (s *Service) Skip(ctx context.Context, id int64, message string, now time.Time) (bool, error) {
	return s.transition(ctx, id, StatusPending, StatusSkipped, &message, nil, -1, now)
}

func (s *Service) transition(ctx context.Context, id int64, from, to Status, message *string, postID *int64, runsCompleted int, now time.Time) (bool, error) {
	if !CanTransition(from, to) {
		return false, apperr.ConflictError(fmt.Sprintf("queue transition %s -> %s is not allowed", from, to))
	}
	ok, err := s.store.TransitionQueueEntry(ctx, id, string(from), string(to), message, postID, runsCompleted, now)
	if err != nil {
		return false, err
	}
	if ok {
		s.log.Debug("queue transition",
			logx.Int64("id", id),
			logx.String("from", string(from)),
			logx.String("to", string(to)))
	}
	return ok, nil
}

// AddContinuation inserts the follow-up pending entry for a multi-run day
// after run runsCompleted of prev finished.
func (s *Service) AddContinuation(ctx context.Context, prev store.QueueRow, nextTime string, runsCompleted int, now time.Time) (store.QueueRow, error) {
	row := store.QueueRow{
		ScheduledDate: prev.ScheduledDate,
		ScheduledTime: nextTime,
		Topic:         prev.Topic,
		Template:      prev.Template,
		Status:        string(StatusPending),
		RunsTotal:     prev.RunsTotal,
		RunsCompleted: runsCompleted,
		PostID:        prev.PostID,
		CreatedAt:     now,
	}
	id, err := s.store.InsertQueueEntry(ctx, row)
	if err != nil {
		return store.QueueRow{}, err
	}
	row.ID = id
	s.log.Info("continuation queued",
		logx.Int64("id", id),
		logx.Int64("prev_id", prev.ID),
		logx.String("time", nextTime),
		logx.Int("runs_completed", runsCompleted),
		logx.Int("runs_total", prev.RunsTotal))
	return row, nil
}

// RecoverStale fails entries stuck in processing longer than olderThan.
// Called on startup and at every runner tick so an ungraceful shutdown can
// never wedge the queue.
func (s *Service) RecoverStale(ctx context.Context, olderThan time.Duration, now time.Time) (int64, error) {
	n, err := s.store.RecoverStaleProcessing(ctx, now.Add(-olderThan),
		fmt.Sprintf("recovered: processing for more than %s", olderThan), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Warn("recovered stale processing entries", logx.Int64("count", n))
	}
	return n, nil
}

func trimPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := strings.TrimSpace(*p)
	if v == "" {
		return nil
	}
	return &v
}
