// Package sdnotify reports process lifecycle to systemd for Type=notify
// units. Outside systemd (NOTIFY_SOCKET unset) every call is a cheap
// no-op, so callers never guard.
package sdnotify

import (
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready signals successful startup.
func Ready() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
}

// Stopping signals the beginning of shutdown.
func Stopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Reloading signals a configuration reload in progress. systemd expects
// a Ready once the reload completes.
func Reloading() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReloading)
}

// Status publishes a short state line visible in systemctl status.
func Status(text string) {
	_, _ = daemon.SdNotify(false, "STATUS="+text)
}

// StartWatchdog pings the systemd watchdog at half its configured
// interval until the returned stop function is called. Without a
// configured watchdog it does nothing; stop is idempotent either way.
func StartWatchdog() (stop func()) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
