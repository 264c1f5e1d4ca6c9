package scheduler

import (
	"context"
	"time"

	"instapilot/internal/quota"
	"instapilot/internal/runner"
	"instapilot/internal/schedule"
	"instapilot/internal/store"
	"instapilot/internal/sweep"
)

const (
	// Queue window served to consumers: a few days of history for context,
	// the full next-run horizon forward.
	queueDaysBack    = 3
	queueDaysForward = 14

	recentRunsMax = 20
)

// QueueItem is a queue entry as served to API consumers.
type QueueItem struct {
	ID            int64      `json:"id"`
	ScheduledDate string     `json:"scheduled_date"`
	ScheduledTime string     `json:"scheduled_time,omitempty"`
	Topic         *string    `json:"topic,omitempty"`
	Template      *string    `json:"template,omitempty"`
	Status        string     `json:"status"`
	RunsTotal     int        `json:"runs_total"`
	RunsCompleted int        `json:"runs_completed"`
	ResultMessage *string    `json:"result_message,omitempty"`
	PostID        *int64     `json:"post_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func queueItem(r store.QueueRow) QueueItem {
	return QueueItem{
		ID:            r.ID,
		ScheduledDate: r.ScheduledDate,
		ScheduledTime: r.ScheduledTime,
		Topic:         r.Topic,
		Template:      r.Template,
		Status:        r.Status,
		RunsTotal:     r.RunsTotal,
		RunsCompleted: r.RunsCompleted,
		ResultMessage: r.ResultMessage,
		PostID:        r.PostID,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
	}
}

// Intervals reports the effective trigger cadence and the next firing
// instants while the cron is running.
type Intervals struct {
	Tick        string     `json:"tick"`
	Sweep       string     `json:"sweep"`
	NextTickAt  *time.Time `json:"next_tick_at,omitempty"`
	NextSweepAt *time.Time `json:"next_sweep_at,omitempty"`
}

// Snapshot is the composite state the dashboard polls. Section stamps
// (ScheduleUpdatedAt, LastTickAt, LastSweepAt, per-run Started times)
// make staleness observable on the consumer side.
type Snapshot struct {
	SchedulerEnabled  bool                `json:"scheduler_enabled"`
	Schedule          schedule.Config     `json:"schedule"`
	ScheduleUpdatedAt *time.Time          `json:"schedule_updated_at,omitempty"`
	Queue             []QueueItem         `json:"queue"`
	NextRun           *schedule.NextRun   `json:"next_run,omitempty"`
	PipelineRunning   bool                `json:"pipeline_running"`
	Pipeline          runner.LeaseView    `json:"pipeline"`
	Timezone          string              `json:"timezone"`
	Quota             quota.Snapshot      `json:"quota"`
	LastTickAt        *time.Time          `json:"last_tick_at,omitempty"`
	LastSweepAt       *time.Time          `json:"last_sweep_at,omitempty"`
	LastSweep         *sweep.Report       `json:"last_sweep,omitempty"`
	RecentRuns        []runner.Report     `json:"recent_runs"`
	Cooldown          runner.CooldownView `json:"cooldown"`
	Intervals         Intervals           `json:"intervals"`
	GeneratedAt       time.Time           `json:"generated_at"`
}

// Snapshot assembles the composite dashboard state as of now, which is
// first normalized into the scheduler's zone.
func (s *Service) Snapshot(ctx context.Context, now time.Time) (Snapshot, error) {
	loc := s.location()
	now = now.In(loc)

	schedCfg, schedAt, err := s.LoadSchedule(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	rows, err := s.queue.ListWindow(ctx, now, queueDaysBack, queueDaysForward)
	if err != nil {
		return Snapshot{}, err
	}
	items := make([]QueueItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, queueItem(r))
	}

	// Next run only exists while automation is on; a disabled scheduler is
	// idle, not "due at the next slot".
	var next *schedule.NextRun
	if schedCfg.Enabled {
		slots, err := s.queue.Slots(ctx, now, queueDaysForward)
		if err != nil {
			return Snapshot{}, err
		}
		next = schedule.Next(schedCfg, now, slots)
	}

	q, err := s.runner.Quota(ctx, now)
	if err != nil {
		return Snapshot{}, err
	}

	runs := s.runner.History()
	if len(runs) > recentRunsMax {
		runs = runs[len(runs)-recentRunsMax:]
	}

	leaseView := s.lease.View()

	s.mu.Lock()
	lastTick := s.lastTickAt
	lastSweep := s.lastSweepAt
	iv := Intervals{Tick: s.cfg.TickInterval.String(), Sweep: s.cfg.SweepInterval.String()}
	if s.c != nil {
		if e := s.c.Entry(s.tickID); !e.Next.IsZero() {
			iv.NextTickAt = timePtr(e.Next)
		}
		if e := s.c.Entry(s.sweepID); !e.Next.IsZero() {
			iv.NextSweepAt = timePtr(e.Next)
		}
	}
	s.mu.Unlock()

	return Snapshot{
		SchedulerEnabled:  schedCfg.Enabled,
		Schedule:          schedCfg,
		ScheduleUpdatedAt: timePtr(schedAt),
		Queue:             items,
		NextRun:           next,
		PipelineRunning:   leaseView.Held,
		Pipeline:          leaseView,
		Timezone:          loc.String(),
		Quota:             q,
		LastTickAt:        timePtr(lastTick),
		LastSweepAt:       timePtr(lastSweep),
		LastSweep:         s.sweeper.Last(),
		RecentRuns:        runs,
		Cooldown:          s.runner.Cooldown(),
		Intervals:         iv,
		GeneratedAt:       now,
	}, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t
	return &u
}
