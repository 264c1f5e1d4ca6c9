// Package runner executes due queue entries. One run claims the earliest
// due slot, produces content through the pipeline, publishes it, and
// records the outcome on both the queue entry and its post record. A token
// lease keeps execution single-flight across the cron tick, manual
// triggers, and retries, and a consecutive-failure gate cools the loop
// down instead of burning the publish quota on a broken dependency.
package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"instapilot/internal/eventbus"
	"instapilot/internal/instagram"
	"instapilot/internal/pipeline"
	"instapilot/internal/post"
	"instapilot/internal/queue"
	"instapilot/internal/quota"
	"instapilot/internal/schedule"
	"instapilot/internal/store"
	"instapilot/pkg/logx"
)

const credWarnEvery = 5 * time.Minute

// Publisher is the platform side of a run. *instagram.Client satisfies it.
type Publisher interface {
	Configured() bool
	PublishCarousel(ctx context.Context, req instagram.CarouselRequest) (instagram.PublishResult, error)
}

// Config bounds the execution loop. Durations come pre-parsed from the
// application config.
type Config struct {
	StaleProcessingAfter time.Duration // claimed entries older than this are failed on every run
	FailureThreshold     int           // consecutive failures before the gate opens
	FailureCooldown      time.Duration // how long the gate stays open
	QuotaLimit           int           // platform publish ceiling per 24h, advisory
	HistorySize          int           // retained run reports
}

func (c Config) withDefaults() Config {
	if c.StaleProcessingAfter <= 0 {
		c.StaleProcessingAfter = 2 * time.Hour
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.FailureCooldown <= 0 {
		c.FailureCooldown = 10 * time.Minute
	}
	if c.QuotaLimit <= 0 {
		c.QuotaLimit = 25
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
	return c
}

// Outcome classifies one run invocation.
type Outcome string

const (
	// OutcomeIdle means nothing was due (or the platform client has no
	// credentials); the queue is untouched.
	OutcomeIdle Outcome = "idle"
	// OutcomeDisabled means automation is switched off; pending entries wait.
	OutcomeDisabled Outcome = "disabled"
	// OutcomeBusy means another run holds the lease or won the claim.
	OutcomeBusy Outcome = "busy"
	// OutcomeCooldown means the failure gate suppressed the run.
	OutcomeCooldown Outcome = "cooldown"
	// OutcomeSkipped means the due entry's day is no longer enabled.
	OutcomeSkipped Outcome = "skipped"
	// OutcomePublished means content went live.
	OutcomePublished Outcome = "published"
	// OutcomeFailed means the entry was claimed and the run failed.
	OutcomeFailed Outcome = "failed"
)

// Report is the operator-facing record of one run. It doubles as the event
// payload on the bus.
type Report struct {
	Outcome   Outcome       `json:"outcome"`
	EntryID   int64         `json:"entry_id,omitempty"`
	PostID    int64         `json:"post_id,omitempty"`
	MediaID   string        `json:"media_id,omitempty"`
	Recovered bool          `json:"recovered,omitempty"`
	Message   string        `json:"message,omitempty"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
}

// CooldownView reports the failure gate state for diagnostics.
type CooldownView struct {
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenUntil           *time.Time `json:"open_until,omitempty"`
}

type Service struct {
	cfg      Config
	store    *store.Store
	queue    *queue.Service
	producer pipeline.Producer
	pub      Publisher
	lease    *Lease
	bus      eventbus.Bus
	log      logx.Logger

	gate gate

	hmu     sync.Mutex
	history []Report

	lastCredWarnAt int64
}

func New(cfg Config, st *store.Store, q *queue.Service, producer pipeline.Producer, pub Publisher, lease *Lease, bus eventbus.Bus, log logx.Logger) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		store:    st,
		queue:    q,
		producer: producer,
		pub:      pub,
		lease:    lease,
		bus:      bus,
		log:      log,
	}
}

// RunDue is the tick entry point. It executes at most one due entry; ticks
// that find nothing due, automation disabled, or the gate open return a
// report saying so and leave the queue untouched.
func (s *Service) RunDue(ctx context.Context, cfg schedule.Config, now time.Time) (Report, error) {
	return s.run(ctx, cfg, now, false)
}

// RunNow is the manual trigger. An operator asked, so the global enable
// switch and the failure cooldown are bypassed; the lease is not, and
// neither is the per-day schedule.
func (s *Service) RunNow(ctx context.Context, cfg schedule.Config, now time.Time) (Report, error) {
	return s.run(ctx, cfg, now, true)
}

// History returns recent run reports, oldest first. Only runs that touched
// an entry are recorded; idle ticks are not.
func (s *Service) History() []Report {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]Report, len(s.history))
	copy(out, s.history)
	return out
}

// Cooldown reports the failure gate for the scheduler snapshot.
func (s *Service) Cooldown() CooldownView {
	return s.gate.view()
}

// Quota derives the advisory publish-quota snapshot from recorded publish
// timestamps.
func (s *Service) Quota(ctx context.Context, now time.Time) (quota.Snapshot, error) {
	times, err := s.store.RecentPublishTimes(ctx, now.Add(-quota.Window))
	if err != nil {
		return quota.Snapshot{}, err
	}
	return quota.Compute(times, s.cfg.QuotaLimit, now), nil
}

func (s *Service) run(ctx context.Context, cfg schedule.Config, now time.Time, forced bool) (Report, error) {
	if !forced && !cfg.Enabled {
		return Report{Outcome: OutcomeDisabled, Started: now, Message: "automatic publication is disabled"}, nil
	}

	holder := "tick"
	if forced {
		holder = "manual"
	}
	token, ok := s.lease.Acquire(holder, now)
	if !ok {
		msg := "run already in progress"
		if v := s.lease.View(); v.Holder != "" {
			msg += " (" + v.Holder + ")"
		}
		return Report{Outcome: OutcomeBusy, Started: now, Message: msg}, nil
	}
	defer s.lease.Release(token)

	// A previous process may have died mid-run; unwedge its entries first.
	if _, err := s.queue.RecoverStale(ctx, s.cfg.StaleProcessingAfter, now); err != nil {
		return Report{Outcome: OutcomeIdle, Started: now}, err
	}

	if !forced {
		if open, until := s.gate.open(now); open {
			return Report{Outcome: OutcomeCooldown, Started: now,
				Message: fmt.Sprintf("cooling down after repeated failures until %s", until.Format(time.RFC3339))}, nil
		}
	}

	row, due, err := s.queue.NextDue(ctx, now)
	if err != nil {
		return Report{Outcome: OutcomeIdle, Started: now}, err
	}
	if !due {
		return Report{Outcome: OutcomeIdle, Started: now}, nil
	}

	if !s.pub.Configured() {
		if s.shouldWarn(&s.lastCredWarnAt, now) {
			s.log.Warn("entry due but platform credentials are missing",
				logx.Int64("entry", row.ID),
				logx.String("slot", row.ScheduledDate+" "+row.ScheduledTime))
		}
		return Report{Outcome: OutcomeIdle, Started: now, Message: "platform credentials missing"}, nil
	}

	day, dayName, enabled := dayFor(cfg, row.ScheduledDate, now.Location())
	if !enabled {
		msg := fmt.Sprintf("skipped: %s is disabled in the schedule", dayName)
		if _, err := s.queue.Skip(ctx, row.ID, msg, now); err != nil {
			return Report{Outcome: OutcomeIdle, Started: now}, err
		}
		rep := Report{Outcome: OutcomeSkipped, EntryID: row.ID, Message: msg, Started: now}
		s.log.Info("entry skipped", logx.Int64("entry", row.ID), logx.String("day", dayName))
		s.emit("run.skipped", rep)
		s.push(rep)
		return rep, nil
	}

	claimed, err := s.queue.Claim(ctx, row.ID, now)
	if err != nil {
		return Report{Outcome: OutcomeIdle, Started: now}, err
	}
	if !claimed {
		// Lost the entry between NextDue and Claim.
		return Report{Outcome: OutcomeBusy, Started: now}, nil
	}

	rep := s.execute(ctx, day, row, now)
	if s.gate.record(now, rep.Outcome == OutcomeFailed, s.cfg.FailureThreshold, s.cfg.FailureCooldown) {
		view := s.gate.view()
		s.log.Warn("failure cooldown opened",
			logx.Int("consecutive_failures", view.ConsecutiveFailures),
			logx.Time("until", *view.OpenUntil))
		s.emit("cooldown.opened", view)
	}
	s.push(rep)
	return rep, nil
}

// execute drives a claimed entry to completed or error. Persistence
// failures after the platform accepted the post are logged, never returned:
// the publish happened, and the sweep reconciles the records later.
func (s *Service) execute(ctx context.Context, day schedule.DaySchedule, row store.QueueRow, started time.Time) Report {
	rep := Report{EntryID: row.ID, Started: started}

	postID, err := s.store.InsertPost(ctx, store.PostRow{
		Topic:     row.Topic,
		Status:    string(post.StatusDraft),
		CreatedAt: started,
	})
	if err != nil {
		return s.fail(ctx, &rep, row, "creating post record failed", err)
	}
	rep.PostID = postID

	s.log.Info("run started",
		logx.Int64("entry", row.ID),
		logx.Int64("post", postID),
		logx.String("slot", row.ScheduledDate+" "+row.ScheduledTime),
		logx.Int("run", row.RunsCompleted+1),
		logx.Int("of", row.RunsTotal))

	var topic, template string
	if row.Topic != nil {
		topic = *row.Topic
	}
	if row.Template != nil {
		template = *row.Template
	}
	res, err := s.producer.Produce(ctx, topic, template)
	if err != nil {
		return s.fail(ctx, &rep, row, "content pipeline failed: "+short(err), err)
	}
	if err := s.store.SetPostContent(ctx, postID, res.Caption, res.ImageURLs, time.Now()); err != nil {
		return s.fail(ctx, &rep, row, "storing produced content failed", err)
	}
	if _, err := s.store.UpdatePostStatusCAS(ctx, postID, string(post.StatusDraft), string(post.StatusGenerated), time.Now()); err != nil {
		return s.fail(ctx, &rep, row, "storing produced content failed", err)
	}

	s.warnOnQuota(ctx, time.Now())

	pres, err := s.pub.PublishCarousel(ctx, instagram.CarouselRequest{Caption: res.Caption, ImageURLs: res.ImageURLs})
	if err != nil {
		cls := instagram.ClassifyErrorText(err.Error())
		if _, mErr := s.store.MarkPostPublishError(ctx, postID, cls.Tag, cls.Code, cls.Subcode, err.Error(), time.Now()); mErr != nil {
			s.log.Error("recording publish error failed", logx.Int64("post", postID), logx.Err(mErr))
		}
		return s.fail(ctx, &rep, row, "publish failed: "+cls.Summary, err)
	}

	now := time.Now()
	if _, err := s.store.MarkPostPublished(ctx, postID, string(post.StatusGenerated), pres.MediaID, now); err != nil {
		s.log.Error("marking post published failed",
			logx.Int64("post", postID), logx.String("media_id", pres.MediaID), logx.Err(err))
	}

	runs := row.RunsCompleted + 1
	msg := fmt.Sprintf("published %d/%d", runs, row.RunsTotal)
	if pres.Recovered {
		msg += " (confirmed by caption match)"
	}
	if _, err := s.queue.Complete(ctx, row.ID, msg, &postID, runs, now); err != nil {
		s.log.Error("completing queue entry failed", logx.Int64("entry", row.ID), logx.Err(err))
	}

	if runs < row.RunsTotal {
		if next := nextSlot(day, runs); next != "" {
			if _, err := s.queue.AddContinuation(ctx, row, next, runs, now); err != nil {
				s.log.Error("queuing continuation failed", logx.Int64("entry", row.ID), logx.Err(err))
			} else {
				msg += ", next at " + next
			}
		} else {
			s.log.Warn("no slot left for remaining runs",
				logx.Int64("entry", row.ID),
				logx.Int("runs_completed", runs),
				logx.Int("runs_total", row.RunsTotal))
		}
	}

	rep.Outcome = OutcomePublished
	rep.MediaID = pres.MediaID
	rep.Recovered = pres.Recovered
	rep.Message = msg
	rep.Duration = time.Since(started)

	s.log.Info("run published",
		logx.Int64("entry", row.ID),
		logx.Int64("post", postID),
		logx.String("media_id", pres.MediaID),
		logx.Bool("recovered", pres.Recovered),
		logx.Duration("elapsed", rep.Duration))
	s.emit("run.published", rep)
	return rep
}

func (s *Service) fail(ctx context.Context, rep *Report, row store.QueueRow, summary string, cause error) Report {
	msg := fmt.Sprintf("%s (run %d/%d)", summary, row.RunsCompleted+1, row.RunsTotal)

	var postID *int64
	if rep.PostID != 0 {
		postID = &rep.PostID
	}
	if _, err := s.queue.Fail(ctx, row.ID, msg, postID, time.Now()); err != nil {
		s.log.Error("failing queue entry failed", logx.Int64("entry", row.ID), logx.Err(err))
	}

	rep.Outcome = OutcomeFailed
	rep.Message = msg
	rep.Duration = time.Since(rep.Started)

	s.log.Error("run failed",
		logx.Int64("entry", row.ID),
		logx.Int64("post", rep.PostID),
		logx.String("summary", summary),
		logx.Err(cause))
	s.emit("run.failed", *rep)
	return *rep
}

func (s *Service) warnOnQuota(ctx context.Context, now time.Time) {
	snap, err := s.Quota(ctx, now)
	if err != nil {
		s.log.Warn("quota check failed", logx.Err(err))
		return
	}
	if snap.Exhausted() {
		s.log.Warn("publish quota exhausted",
			logx.Int("count", snap.Count),
			logx.Int("limit", snap.Limit),
			logx.Int("next_slot_minutes", snap.NextSlotInMinutes))
		s.emit("quota.exhausted", snap)
	}
}

func (s *Service) emit(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func (s *Service) push(rep Report) {
	s.hmu.Lock()
	s.history = append(s.history, rep)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(credWarnEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

// gate is the consecutive-failure breaker. FailureThreshold failures in a
// row open it for FailureCooldown; once at the threshold every further
// failure re-opens it, and any success closes it.
type gate struct {
	mu        sync.Mutex
	fails     int
	openUntil time.Time
}

func (g *gate) open(now time.Time) (bool, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if now.Before(g.openUntil) {
		return true, g.openUntil
	}
	return false, time.Time{}
}

// record tracks one run outcome and reports whether this failure just
// opened the gate (an extension of an already-open window is not a new
// opening).
func (g *gate) record(now time.Time, failed bool, threshold int, cooldown time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !failed {
		g.fails = 0
		g.openUntil = time.Time{}
		return false
	}
	g.fails++
	if g.fails >= threshold {
		wasOpen := now.Before(g.openUntil)
		g.openUntil = now.Add(cooldown)
		return !wasOpen
	}
	return false
}

func (g *gate) view() CooldownView {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := CooldownView{ConsecutiveFailures: g.fails}
	if !g.openUntil.IsZero() {
		until := g.openUntil
		v.OpenUntil = &until
	}
	return v
}

// dayFor resolves a slot date to its weekday schedule. Unparseable dates
// cannot pass validation on the way in, so they land here as disabled.
func dayFor(cfg schedule.Config, date string, loc *time.Location) (schedule.DaySchedule, string, bool) {
	d, err := time.ParseInLocation(schedule.DateLayout, date, loc)
	if err != nil {
		return schedule.DaySchedule{}, "unknown", false
	}
	name := schedule.DayName(d.Weekday())
	day, ok := cfg.Day(name)
	if !ok || !day.Enabled {
		return day, name, false
	}
	return day, name, true
}

// nextSlot returns the day's slot for the run after done completed runs.
// Run n uses slot index n-1, so the continuation slot is times[done].
func nextSlot(day schedule.DaySchedule, done int) string {
	times := day.RunTimes()
	if done < 0 || done >= len(times) {
		return ""
	}
	return times[done]
}

func short(err error) string {
	msg := err.Error()
	if len(msg) > 160 {
		msg = msg[:160] + "..."
	}
	return msg
}
