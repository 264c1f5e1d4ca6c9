package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func managerFor(t *testing.T, name, body string) *ConfigManager {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return NewConfigManager(path)
}

func TestParseYAML(t *testing.T) {
	m := managerFor(t, "config.yaml", `
service:
  timezone: Europe/Madrid
logging:
  level: debug
  console: true
storage:
  path: /var/lib/instapilot/data.db
scheduler:
  tick_interval: 30s
  autofill_days: 14
sweep:
  import_unseen: true
`)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Service.Timezone != "Europe/Madrid" {
		t.Fatalf("timezone = %q", cfg.Service.Timezone)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Scheduler.TickInterval != "30s" || cfg.Scheduler.AutofillDays != 14 {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if !cfg.Sweep.ImportUnseen {
		t.Fatalf("sweep.import_unseen not decoded")
	}
}

func TestParseRejectsUnknownKey(t *testing.T) {
	// A typoed section must fail loudly instead of being silently ignored.
	m := managerFor(t, "config.yaml", `
logging:
  level: info
schedler:
  tick_interval: 30s
`)
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected unknown-field error")
	} else if !strings.Contains(err.Error(), "schedler") {
		t.Fatalf("error should name the unknown field, got %v", err)
	}
}

func TestParseRejectsUnknownNestedKey(t *testing.T) {
	m := managerFor(t, "config.json",
		`{"scheduler": {"tick_interval": "30s", "tick_intervall": "1m"}}`)
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected unknown-field error")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	m := managerFor(t, "config.json",
		`{"logging": {"level": "info", "console": true}} {"logging": {"level": "debug"}}`)
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected trailing-data error")
	}
}

func TestLoadCommitsAndGet(t *testing.T) {
	m := managerFor(t, "config.yaml", "logging:\n  level: warn\n")
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get returned %p, want the loaded config %p", got, cfg)
	}
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("scheduler.tick_interval", "90s")
	if err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err = ParseDurationField("scheduler.tick_interval", ""); err != nil || d != 0 {
		t.Fatalf("empty should mean unset, got %v, %v", d, err)
	}
	if _, err = ParseDurationField("sweep.interval", "soon"); err == nil {
		t.Fatalf("expected parse error for junk input")
	}
	if _, err = ParseDurationField("sweep.interval", "-5m"); err == nil {
		t.Fatalf("expected rejection of negative duration")
	}
}
