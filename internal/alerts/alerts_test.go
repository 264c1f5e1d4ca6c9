package alerts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"instapilot/internal/eventbus"
	"instapilot/internal/quota"
	"instapilot/internal/runner"
	"instapilot/internal/sweep"
	"instapilot/pkg/logx"
)

type fakeSender struct {
	mu        sync.Mutex
	fail      int // fail this many leading attempts
	attempts  int
	delivered chan string
	entered   chan struct{} // non-nil: signal on entry, then wait for release
	release   chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{delivered: make(chan string, 16)}
}

func (f *fakeSender) Send(ctx context.Context, text string) error {
	if f.entered != nil {
		f.entered <- struct{}{}
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.attempts++
	if f.attempts <= f.fail {
		f.mu.Unlock()
		return errors.New("telegram: 502")
	}
	f.mu.Unlock()
	f.delivered <- text
	return nil
}

func (f *fakeSender) sentAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func waitText(t *testing.T, f *fakeSender) string {
	t.Helper()
	select {
	case s := <-f.delivered:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("no alert delivered in time")
		return ""
	}
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("event %s not seen", typ)
			return eventbus.Event{}
		}
	}
}

// fastCfg keeps tests off the wall clock: effectively unthrottled, tiny
// retry delays.
func fastCfg() Config {
	return Config{
		Enabled:       true,
		RatePerMin:    60000,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
	}
}

func startService(t *testing.T, cfg Config, f *fakeSender) (*Service, eventbus.Bus, <-chan eventbus.Event) {
	t.Helper()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)

	svc := New(cfg, f, bus, logx.Nop())
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc, bus, events
}

func TestRenderMapsOperatorEvents(t *testing.T) {
	until := time.Now().Add(30 * time.Minute)

	cases := []struct {
		name     string
		event    eventbus.Event
		want     bool
		contains string
		priority int
		key      string
	}{
		{
			name:     "run failure",
			event:    eventbus.Event{Type: "run.failed", Data: runner.Report{Outcome: runner.OutcomeFailed, Message: "image fetch timed out"}},
			want:     true,
			contains: "Publish run failed: image fetch timed out",
			priority: PriorityWarn,
			key:      "run.failed|image fetch timed out",
		},
		{
			name:     "cooldown entry",
			event:    eventbus.Event{Type: "cooldown.opened", Data: runner.CooldownView{ConsecutiveFailures: 3, OpenUntil: &until}},
			want:     true,
			contains: "paused after 3 consecutive failures",
			priority: PriorityCritical,
			key:      "cooldown.opened",
		},
		{
			name:     "partial sweep",
			event:    eventbus.Event{Type: "sweep.completed", Data: sweep.Report{Partial: true, Remaining: 12, ElapsedSeconds: 35}},
			want:     true,
			contains: "12 posts still unchecked",
			priority: PriorityWarn,
			key:      "sweep.partial",
		},
		{
			name:     "sweep errors",
			event:    eventbus.Event{Type: "sweep.completed", Data: sweep.Report{Errors: []string{"metrics 17990: code 190"}}},
			want:     true,
			contains: "code 190",
			priority: PriorityWarn,
			key:      "sweep.errors",
		},
		{
			name:  "clean sweep stays quiet",
			event: eventbus.Event{Type: "sweep.completed", Data: sweep.Report{Checked: 8, Updated: 8}},
			want:  false,
		},
		{
			name:     "quota exhausted",
			event:    eventbus.Event{Type: "quota.exhausted", Data: quota.Snapshot{Count: 25, Limit: 25, NextSlotInMinutes: 240}},
			want:     true,
			contains: "next slot in 240 minutes",
			priority: PriorityWarn,
			key:      "quota.exhausted",
		},
		{
			name:  "success runs stay quiet",
			event: eventbus.Event{Type: "run.published", Data: runner.Report{Outcome: runner.OutcomePublished}},
			want:  false,
		},
		{
			name:  "schedule edits stay quiet",
			event: eventbus.Event{Type: "schedule.updated"},
			want:  false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, ok := Render(tc.event)
			if ok != tc.want {
				t.Fatalf("relevant = %v, want %v", ok, tc.want)
			}
			if !tc.want {
				return
			}
			if !strings.Contains(n.Text, tc.contains) {
				t.Fatalf("text %q does not contain %q", n.Text, tc.contains)
			}
			if n.Priority != tc.priority {
				t.Fatalf("priority = %d, want %d", n.Priority, tc.priority)
			}
			if n.Key != tc.key {
				t.Fatalf("key = %q, want %q", n.Key, tc.key)
			}
		})
	}
}

func TestNotifyDeliversWithPriorityPrefix(t *testing.T) {
	f := newFakeSender()
	svc, _, _ := startService(t, fastCfg(), f)

	if err := svc.Notify(context.Background(), Notification{Text: "Publish run failed: boom", Priority: PriorityWarn}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	got := waitText(t, f)
	if !strings.HasPrefix(got, "⚠️ ") {
		t.Fatalf("missing warn prefix: %q", got)
	}
	if !strings.HasSuffix(got, "Publish run failed: boom") {
		t.Fatalf("text mangled: %q", got)
	}
}

func TestDedupSuppressesRepeats(t *testing.T) {
	f := newFakeSender()
	cfg := fastCfg()
	cfg.DedupWindow = time.Hour
	svc, _, events := startService(t, cfg, f)

	n := Notification{Text: "same condition", Priority: PriorityWarn, Key: "test.repeat"}
	if err := svc.Notify(context.Background(), n); err != nil {
		t.Fatalf("first Notify: %v", err)
	}
	waitText(t, f)
	waitEvent(t, events, "alert.sent")

	if err := svc.Notify(context.Background(), n); err != nil {
		t.Fatalf("second Notify: %v", err)
	}
	ev := waitEvent(t, events, "alert.deduped")
	if ev.Data.(AlertEvent).Key != "test.repeat" {
		t.Fatalf("deduped key = %+v", ev.Data)
	}
	select {
	case extra := <-f.delivered:
		t.Fatalf("suppressed alert was sent: %q", extra)
	default:
	}
}

func TestEventLoopTurnsBusEventsIntoMessages(t *testing.T) {
	f := newFakeSender()
	_, bus, _ := startService(t, fastCfg(), f)

	bus.Publish(eventbus.Event{
		Type: "run.failed",
		Data: runner.Report{Outcome: runner.OutcomeFailed, Message: "carousel container stuck"},
	})

	got := waitText(t, f)
	if !strings.Contains(got, "carousel container stuck") {
		t.Fatalf("delivered text = %q", got)
	}
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	f := newFakeSender()
	f.fail = 1
	cfg := fastCfg()
	cfg.RetryMax = 2
	svc, _, events := startService(t, cfg, f)

	if err := svc.Notify(context.Background(), Notification{Text: "flaky network", Priority: PriorityInfo}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitText(t, f)
	waitEvent(t, events, "alert.sent")
	if got := f.sentAttempts(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}

func TestSendGivesUpAfterRetries(t *testing.T) {
	f := newFakeSender()
	f.fail = 10
	cfg := fastCfg()
	cfg.RetryMax = 1
	svc, _, events := startService(t, cfg, f)

	if err := svc.Notify(context.Background(), Notification{Text: "always down", Priority: PriorityWarn, Key: "down"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	ev := waitEvent(t, events, "alert.failed")
	data := ev.Data.(AlertEvent)
	if data.Key != "down" || data.Error == "" {
		t.Fatalf("failure event = %+v", data)
	}
	if got := f.sentAttempts(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}

func TestQueueFullDropsInsteadOfBlocking(t *testing.T) {
	f := newFakeSender()
	f.entered = make(chan struct{}, 1)
	f.release = make(chan struct{})
	cfg := fastCfg()
	cfg.QueueSize = 1
	svc, _, events := startService(t, cfg, f)
	defer close(f.release)

	// First alert occupies the worker.
	if err := svc.Notify(context.Background(), Notification{Text: "a", Key: "a"}); err != nil {
		t.Fatalf("Notify a: %v", err)
	}
	select {
	case <-f.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("worker never picked up first alert")
	}
	// Second fills the queue, third must drop.
	if err := svc.Notify(context.Background(), Notification{Text: "b", Key: "b"}); err != nil {
		t.Fatalf("Notify b: %v", err)
	}
	if err := svc.Notify(context.Background(), Notification{Text: "c", Key: "c"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	ev := waitEvent(t, events, "alert.dropped")
	if ev.Data.(AlertEvent).Key != "c" {
		t.Fatalf("dropped key = %+v", ev.Data)
	}
}

func TestDisabledServiceRejects(t *testing.T) {
	f := newFakeSender()
	svc := New(Config{Enabled: false}, f, eventbus.New(), logx.Nop())
	svc.Start(context.Background())

	err := svc.Notify(context.Background(), Notification{Text: "nobody listens"})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestStopDrainsQueuedAlerts(t *testing.T) {
	f := newFakeSender()
	svc, _, _ := startService(t, fastCfg(), f)

	for _, text := range []string{"one", "two"} {
		if err := svc.Notify(context.Background(), Notification{Text: text, Key: text}); err != nil {
			t.Fatalf("Notify %s: %v", text, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	svc.Stop(ctx)

	if got := len(f.delivered); got != 2 {
		t.Fatalf("delivered = %d, want 2", got)
	}
	if err := svc.Notify(context.Background(), Notification{Text: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}
