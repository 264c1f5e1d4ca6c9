// Package eventbus is the in-process fanout the scheduler, sweeper and
// alert notifier use to stay decoupled: publishers fire and forget, slow
// subscribers lose events rather than stall a publish.
package eventbus

import (
	"sync"
	"time"
)

// Event is one signal. Type is a dotted name ("queue.transition",
// "post.published", "sweep.completed", "config.applied"); Data carries a
// small typed payload the subscriber asserts on.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to any number of subscribers. Publish never blocks;
// when a subscriber's buffer is full the event is dropped for that
// subscriber only.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &fanout{}
}

// subscription owns one delivery channel. closed is flipped under mu before
// the channel closes, so Publish can check-and-send without racing a
// concurrent unsubscribe.
type subscription struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *subscription) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type fanout struct {
	mu   sync.RWMutex
	subs []*subscription
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.deliver(e)
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscription{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.close()
	}
	return sub.ch, unsubscribe
}
