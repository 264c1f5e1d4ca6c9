// Package scheduler is the composition root for the background loops. A
// location-aware cron fires the publication tick and the reconcile sweep,
// the persisted weekly schedule is loaded and saved here, and the
// composite snapshot the dashboard polls is assembled from the runner,
// sweeper, queue and quota views.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"instapilot/internal/eventbus"
	"instapilot/internal/queue"
	"instapilot/internal/runner"
	"instapilot/internal/store"
	"instapilot/internal/sweep"
	logx "instapilot/pkg/logx"
)

// Config controls trigger cadence. Durations arrive pre-parsed from the
// service configuration; zero values fall back to the defaults below.
type Config struct {
	Timezone      string // IANA name; empty means the process-local zone
	TickInterval  time.Duration
	SweepInterval time.Duration
	AutofillDays  int // default auto-fill horizon when a request does not name one
}

const (
	defaultTickInterval  = 60 * time.Second
	defaultSweepInterval = 30 * time.Minute

	minAutofillDays     = 1
	maxAutofillDays     = 30
	defaultAutofillDays = 7
)

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.AutofillDays <= 0 {
		c.AutofillDays = defaultAutofillDays
	}
	if c.AutofillDays > maxAutofillDays {
		c.AutofillDays = maxAutofillDays
	}
	return c
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	parser  cron.Parser
	c       *cron.Cron
	tickID  cron.EntryID
	sweepID cron.EntryID

	runCtx    context.Context
	runCancel context.CancelFunc

	lastTickAt  time.Time
	lastSweepAt time.Time

	store   *store.Store
	queue   *queue.Service
	runner  *runner.Service
	sweeper *sweep.Service
	lease   *runner.Lease
	bus     eventbus.Bus
	log     logx.Logger
}

func New(cfg Config, st *store.Store, q *queue.Service, run *runner.Service, sw *sweep.Service, lease *runner.Lease, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg.withDefaults(),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		store:   st,
		queue:   q,
		runner:  run,
		sweeper: sw,
		lease:   lease,
		bus:     bus,
		log:     log,
	}
}

// Start begins cron triggering. Jobs derive their context from ctx, so
// cancelling it aborts in-flight store and platform calls. Calling Start
// on a started service is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	s.registerEntriesLocked()
	s.c.Start()
	s.log.Info("scheduler started",
		logx.String("tz", loc.String()),
		logx.Duration("tick", s.cfg.TickInterval),
		logx.Duration("sweep", s.cfg.SweepInterval))
}

// Stop halts cron triggering and cancels any in-flight job. The wait for
// running jobs is bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.runCancel
	s.runCancel = nil
	s.runCtx = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Apply swaps the trigger configuration. Timezone or interval changes on
// a running service rebuild the cron entries; a stopped service just
// keeps the new values for the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone) ||
		cfg.TickInterval != s.cfg.TickInterval ||
		cfg.SweepInterval != s.cfg.SweepInterval
	s.cfg = cfg
	if s.c == nil || !changed {
		return
	}
	s.restartLocked()
}

// Location returns the zone all slot math and trigger times use.
func (s *Service) Location() *time.Location {
	return s.location()
}

func (s *Service) restartLocked() {
	<-s.c.Stop().Done()
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	s.registerEntriesLocked()
	s.c.Start()
	s.log.Info("scheduler restarted",
		logx.String("tz", loc.String()),
		logx.Duration("tick", s.cfg.TickInterval),
		logx.Duration("sweep", s.cfg.SweepInterval))
}

// registerEntriesLocked wires the two interval jobs. Specs are rendered
// from durations, so parse errors mean a bug rather than bad input.
func (s *Service) registerEntriesLocked() {
	id, err := s.c.AddFunc("@every "+s.cfg.TickInterval.String(), s.tick)
	if err != nil {
		s.log.Error("tick entry register failed", logx.Any("err", err))
	} else {
		s.tickID = id
	}
	id, err = s.c.AddFunc("@every "+s.cfg.SweepInterval.String(), s.sweepTick)
	if err != nil {
		s.log.Error("sweep entry register failed", logx.Any("err", err))
	} else {
		s.sweepID = id
	}
}

// tick runs one publication attempt. The runner reports its own outcomes;
// here only trigger-level failures are logged.
func (s *Service) tick() {
	ctx := s.runContext()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	now := time.Now().In(s.location())
	s.stampTick(now)

	cfg, _, err := s.LoadSchedule(ctx)
	if err != nil {
		s.log.Error("tick: schedule load failed", logx.Any("err", err))
		return
	}
	if _, err := s.runner.RunDue(ctx, cfg, now); err != nil {
		s.log.Error("tick failed", logx.Any("err", err))
	}
}

func (s *Service) sweepTick() {
	ctx := s.runContext()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.stampSweep(time.Now().In(s.location()))
	s.sweeper.SyncRemote(ctx, 0, 0)
}

func (s *Service) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	// Not started yet; resolve without caching so Apply can still change it.
	return s.loadLocationLocked()
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Any("err", err))
		return time.Local
	}
	return loc
}

func (s *Service) stampTick(t time.Time) {
	s.mu.Lock()
	s.lastTickAt = t
	s.mu.Unlock()
}

func (s *Service) stampSweep(t time.Time) {
	s.mu.Lock()
	s.lastSweepAt = t
	s.mu.Unlock()
}

func (s *Service) emit(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
