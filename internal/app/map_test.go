package app

import (
	"strings"
	"testing"
	"time"

	"instapilot/internal/config"
)

func baseConfig() *Config {
	return &Config{
		Pipeline: config.PipelineConfig{
			Command: []string{"sh", "-c", "true"},
		},
	}
}

func TestValidateConfigAcceptsMinimal(t *testing.T) {
	if err := validateConfig(baseConfig()); err != nil {
		t.Fatalf("minimal config rejected: %v", err)
	}
}

func TestValidateConfigRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		edit func(*Config)
		want string
	}{
		{
			name: "bad tick interval",
			edit: func(c *Config) { c.Scheduler.TickInterval = "soon" },
			want: "scheduler.tick_interval",
		},
		{
			name: "negative busy timeout",
			edit: func(c *Config) { c.Storage.BusyTimeout = "-3s" },
			want: "storage.busy_timeout",
		},
		{
			name: "bad publish retry base",
			edit: func(c *Config) { c.Instagram.Publish.RetryBase = "fast" },
			want: "instagram.publish.retry_base",
		},
		{
			name: "bad timezone",
			edit: func(c *Config) { c.Service.Timezone = "Mars/Olympus" },
			want: "service.timezone",
		},
		{
			name: "missing pipeline command",
			edit: func(c *Config) { c.Pipeline.Command = nil },
			want: "pipeline.command",
		},
		{
			name: "bad alert dedup window",
			edit: func(c *Config) { c.Alerts = &config.AlertsConfig{Enabled: true, DedupWindow: "often"} },
			want: "alerts.dedup_window",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig()
			tc.edit(cfg)
			err := validateConfig(cfg)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestMapInstagramConfigResolvesEnvNames(t *testing.T) {
	t.Setenv("CUSTOM_TOKEN", "tok-123")
	t.Setenv("CUSTOM_ACCOUNT", "178414")

	cfg := baseConfig()
	cfg.Instagram.AccessTokenEnv = "CUSTOM_TOKEN"
	cfg.Instagram.AccountIDEnv = "CUSTOM_ACCOUNT"

	ig, err := mapInstagramConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if ig.AccessToken != "tok-123" || ig.AccountID != "178414" {
		t.Fatalf("credentials not resolved: token=%q account=%q", ig.AccessToken, ig.AccountID)
	}
}

func TestMapInstagramConfigDefaultEnvNames(t *testing.T) {
	t.Setenv("META_ACCESS_TOKEN", "default-tok")
	t.Setenv("INSTAGRAM_ACCOUNT_ID", "900100")

	ig, err := mapInstagramConfig(baseConfig())
	if err != nil {
		t.Fatal(err)
	}
	if ig.AccessToken != "default-tok" || ig.AccountID != "900100" {
		t.Fatalf("default env names not used: token=%q account=%q", ig.AccessToken, ig.AccountID)
	}
}

func TestMapAlertsConfig(t *testing.T) {
	cfg := baseConfig()
	if acfg, err := mapAlertsConfig(cfg); err != nil || acfg.Enabled {
		t.Fatalf("omitted section should map to disabled: %+v err=%v", acfg, err)
	}

	cfg.Alerts = &config.AlertsConfig{Enabled: true, ChatID: 42}
	acfg, err := mapAlertsConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if acfg.DedupWindow != 10*time.Minute {
		t.Fatalf("dedup window default = %v, want 10m", acfg.DedupWindow)
	}
	if acfg.RetryMax != 2 {
		t.Fatalf("retry max = %d, want 2", acfg.RetryMax)
	}

	// An explicit zero disables dedup rather than falling back to the default.
	cfg.Alerts.DedupWindow = "0s"
	acfg, err = mapAlertsConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if acfg.DedupWindow != 0 {
		t.Fatalf("explicit 0s dedup window = %v, want 0", acfg.DedupWindow)
	}
}

func TestMapStoreConfigDefaultsPath(t *testing.T) {
	sc, err := mapStoreConfig(baseConfig())
	if err != nil {
		t.Fatal(err)
	}
	if sc.Path != "./instapilot.db" {
		t.Fatalf("path = %q, want ./instapilot.db", sc.Path)
	}
}

func TestMapRunnerConfigCarriesQuotaLimit(t *testing.T) {
	cfg := baseConfig()
	cfg.Instagram.QuotaLimit = 17
	rc, err := mapRunnerConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if rc.QuotaLimit != 17 {
		t.Fatalf("quota limit = %d, want 17", rc.QuotaLimit)
	}
}

func TestBuildAlertSenderRequiresToken(t *testing.T) {
	t.Setenv("ALERT_BOT_TOKEN", "")

	cfg := baseConfig()
	cfg.Alerts = &config.AlertsConfig{Enabled: true, ChatID: 42}
	if _, err := buildAlertSender(cfg); err == nil {
		t.Fatal("expected an error when the token env is empty")
	}

	cfg.Alerts.Enabled = false
	snd, err := buildAlertSender(cfg)
	if err != nil || snd != nil {
		t.Fatalf("disabled alerts should yield (nil, nil), got (%v, %v)", snd, err)
	}
}
