package runner

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"instapilot/pkg/apperr"
)

// ErrBusy is returned through the API when a caller wants a run while
// another one holds the lease.
const ErrBusy = apperr.BusyError("a publication run is already in progress")

// Lease is the single-flight guard around platform writes. Whoever holds
// the token may claim and publish; everyone else reports busy instead of
// piling up behind a multi-minute publish. Release requires the token from
// Acquire, so a latecomer can never free a run it does not own. The zero
// value is ready to use.
type Lease struct {
	mu     sync.Mutex
	token  string
	holder string
	since  time.Time
}

// LeaseView is the diagnostics projection of the lease.
type LeaseView struct {
	Held   bool       `json:"held"`
	Holder string     `json:"holder,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
}

// Acquire takes the lease for holder, a short label such as "tick",
// "manual" or "retry". ok=false means another run is in flight.
func (l *Lease) Acquire(holder string, now time.Time) (token string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token != "" {
		return "", false
	}
	l.token = uuid.NewString()
	l.holder = holder
	l.since = now
	return l.token, true
}

// Release frees the lease. Only the token handed out by Acquire releases;
// anything else is a no-op so double releases and stale tokens are harmless.
func (l *Lease) Release(token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if token == "" || token != l.token {
		return false
	}
	l.token = ""
	l.holder = ""
	l.since = time.Time{}
	return true
}

// View reports the current holder without exposing the token.
func (l *Lease) View() LeaseView {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token == "" {
		return LeaseView{}
	}
	since := l.since
	return LeaseView{Held: true, Holder: l.holder, Since: &since}
}
