package runner

import (
	"testing"
	"time"
)

func TestLeaseTokenLifecycle(t *testing.T) {
	var l Lease
	now := time.Date(2026, time.March, 3, 8, 31, 0, 0, time.UTC)

	token, ok := l.Acquire("tick", now)
	if !ok || token == "" {
		t.Fatalf("first acquire failed: token=%q ok=%v", token, ok)
	}
	if _, ok := l.Acquire("manual", now); ok {
		t.Fatalf("second acquire must fail while held")
	}
	if l.Release("not-the-token") {
		t.Fatalf("foreign token must not release the lease")
	}
	if !l.Release(token) {
		t.Fatalf("holder token must release")
	}
	if l.Release(token) {
		t.Fatalf("double release must be a no-op")
	}

	again, ok := l.Acquire("retry", now)
	if !ok {
		t.Fatalf("acquire after release failed")
	}
	if again == token {
		t.Fatalf("tokens must not repeat across acquisitions")
	}
}

func TestLeaseView(t *testing.T) {
	var l Lease
	if v := l.View(); v.Held || v.Holder != "" || v.Since != nil {
		t.Fatalf("idle lease view = %+v", v)
	}

	now := time.Date(2026, time.March, 3, 8, 31, 0, 0, time.UTC)
	token, _ := l.Acquire("tick", now)
	v := l.View()
	if !v.Held || v.Holder != "tick" {
		t.Fatalf("held view = %+v", v)
	}
	if v.Since == nil || !v.Since.Equal(now) {
		t.Fatalf("since = %v, want %v", v.Since, now)
	}

	l.Release(token)
	if v := l.View(); v.Held {
		t.Fatalf("view still held after release: %+v", v)
	}
}
