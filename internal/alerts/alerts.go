// Package alerts pushes operator notifications to Telegram. Services
// publish domain events on the bus; this package turns the ones an
// operator must hear about (publish failures, cooldown entry, partial
// sweeps, quota exhaustion) into rate-limited, deduplicated messages
// sent through an async queue, so a flapping platform never blocks or
// floods anything.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"instapilot/internal/eventbus"
	"instapilot/internal/runtime/supervisor"
	"instapilot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("alerts disabled")
	ErrQueueFull = errors.New("alert queue full")
	ErrStopped   = errors.New("alerts stopped")
)

// Sender is the outbound port. The Telegram adapter implements it; tests
// substitute a recorder.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Config controls the alert pipeline. Zero values fall back to defaults;
// DedupWindow zero disables suppression entirely.
type Config struct {
	Enabled       bool
	RatePerMin    int
	QueueSize     int
	DedupWindow   time.Duration
	DedupMax      int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// Notification is one operator message. Key is the dedup identity; an
// empty key derives one from the text.
type Notification struct {
	Text     string
	Priority int
	Key      string
}

const (
	PriorityInfo     = 5
	PriorityWarn     = 7
	PriorityCritical = 9
)

// AlertEvent is the bus payload for alert lifecycle events.
type AlertEvent struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

type job struct {
	n Notification
	// dedupKey is resolved at enqueue time so workers stay cheap.
	dedupKey string
}

// Service is the async alert pipeline: bus consumer + queue + sender
// worker + rate limit + retry + dedup. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	unsub    func()
	sup      *supervisor.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// In-memory dedup cache: key -> suppress until.
	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		bus:    bus,
		log:    log,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// SetSender installs the delivery backend. It only takes effect while the
// pipeline is stopped; a running pipeline keeps the sender it started with.
func (s *Service) SetSender(snd Sender) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return false
	}
	s.sender = snd
	return true
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMax <= 0 {
		cfg.DedupMax = 500
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}

	s.cfg = cfg
	// Token bucket over a minute window; burst of a few keeps short
	// incident clusters from queueing behind the limiter.
	s.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60.0), 3)
}

// Start is idempotent. With Enabled false it does nothing, so callers
// can wire the service unconditionally.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// A restart racing a Stop waits for the teardown to finish first.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(s.log.With(logx.String("comp", "alerts"))),
		// Alerting is best-effort; its failures never take the app down.
		supervisor.WithCancelOnError(false),
	)
	// Subscribing here, not in the goroutine, means no event published
	// after Start returns can slip past the consumer.
	var events <-chan eventbus.Event
	if s.bus != nil {
		events, s.unsub = s.bus.Subscribe(64)
	}
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	sup.GoRestart("sender", func(c context.Context) error {
		s.senderLoop(c, q)
		s.mu.Lock()
		stopping := s.stopDone != nil
		s.mu.Unlock()
		if stopping {
			return context.Canceled
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("alert sender exited unexpectedly")
	}, supervisor.WithPublishFirstError(true))

	if events != nil {
		sup.GoRestart("events", func(c context.Context) error {
			s.eventLoop(c, events)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("alert event loop exited unexpectedly")
		}, supervisor.WithPublishFirstError(true))
	}

	s.log.Info("alerts started",
		logx.Int("rate_per_min", s.cfg.RatePerMin),
		logx.Duration("dedup_window", s.cfg.DedupWindow))
}

// Stop blocks intake and drains the queue best-effort until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	unsub := s.unsub
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Teardown runs asynchronously so callers can time out without
	// leaking half-reset state. Both loops exit on channel close, so a
	// clean stop drains every queued alert before the supervisor wait.
	go func() {
		defer close(done)
		s.sendWG.Wait()
		if unsub != nil {
			unsub()
		}
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.unsub = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Give up on draining; cut the loops loose.
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify queues one message. It never blocks: a full queue drops the
// alert and reports ErrQueueFull.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	max := s.cfg.DedupMax
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := n.Key
	if key == "" {
		key = textKey(n)
	}
	if window > 0 && !s.dedupAllow(key, window, max) {
		s.emit("alert.deduped", AlertEvent{Key: key, At: time.Now()})
		return nil
	}

	select {
	case q <- job{n: n, dedupKey: key}:
		return nil
	default:
		s.emit("alert.dropped", AlertEvent{Key: key, At: time.Now(), Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

func (s *Service) eventLoop(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			n, relevant := Render(e)
			if !relevant {
				continue
			}
			if err := s.Notify(ctx, n); err != nil &&
				!errors.Is(err, ErrStopped) && !errors.Is(err, ErrDisabled) {
				s.log.Debug("alert not queued", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}
}

func (s *Service) senderLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	snd := s.sender
	s.mu.Unlock()

	if snd == nil {
		return
	}
	text := prefixForPriority(j.n.Priority) + j.n.Text
	if text == "" {
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		err := snd.Send(callCtx, text)
		cancel()
		if err == nil {
			s.emit("alert.sent", AlertEvent{Key: j.dedupKey, At: time.Now()})
			return
		}
		lastErr = err
		s.log.Debug("alert send failed",
			logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-runCtx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	s.log.Warn("alert delivery gave up", logx.String("key", j.dedupKey), logx.Err(lastErr))
	if lastErr != nil {
		s.emit("alert.failed", AlertEvent{Key: j.dedupKey, At: time.Now(), Error: lastErr.Error()})
	}
}

func (s *Service) emit(typ string, ev AlertEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (s *Service) dedupAllow(key string, window time.Duration, max int) bool {
	now := time.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if s.dedup == nil {
		s.dedup = map[string]time.Time{}
	}
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// Cap by evicting the earliest expiries.
	for max > 0 && len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range s.dedup {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		if minKey == "" {
			break
		}
		delete(s.dedup, minKey)
	}
	return true
}

func prefixForPriority(p int) string {
	switch {
	case p >= PriorityCritical:
		return "\U0001F6A8 "
	case p >= PriorityWarn:
		return "⚠️ "
	case p >= PriorityInfo:
		return "ℹ️ "
	default:
		return ""
	}
}

func textKey(n Notification) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(fmt.Sprintf("%d|", n.Priority)))
	_, _ = h.Write([]byte(n.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 2 * time.Second
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 30 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3 keeps retries of queued alerts from aligning.
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
