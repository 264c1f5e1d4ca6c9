package config

type Config struct {
	Service   ServiceConfig   `json:"service"`
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Sweep     SweepConfig     `json:"sweep"`
	Instagram InstagramConfig `json:"instagram"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Alerts    *AlertsConfig   `json:"alerts,omitempty"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

type ServiceConfig struct {
	// Timezone is an IANA name (e.g. "Europe/Madrid"). Empty means the
	// process-local zone. All slot math and cron triggers use this zone.
	Timezone string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the dashboard-facing JSON API.
//
// All timeouts are Go duration strings (e.g. "10s", "1m").
type HTTPConfig struct {
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string, default "5s"
}

// SchedulerConfig controls the execution loop.
//
// All durations are Go duration strings.
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "60s"
//   - stale_processing_after: "2h"
//   - autofill_days: 7 (clamped to [1,30])
//   - failure_threshold: 3
//   - failure_cooldown: "10m"
type SchedulerConfig struct {
	TickInterval         string `json:"tick_interval,omitempty"`
	StaleProcessingAfter string `json:"stale_processing_after,omitempty"`
	AutofillDays         int    `json:"autofill_days,omitempty"`
	FailureThreshold     int    `json:"failure_threshold,omitempty"`
	FailureCooldown      string `json:"failure_cooldown,omitempty"`
}

// SweepConfig controls background reconciliation against the platform.
//
// Defaults: interval "30m", limit 40, max_elapsed "35s".
type SweepConfig struct {
	Interval     string `json:"interval,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	MaxElapsed   string `json:"max_elapsed,omitempty"`
	ImportUnseen bool   `json:"import_unseen,omitempty"`
}

// InstagramConfig controls the Graph API client.
//
// Credentials are read from the environment; the config holds the variable
// NAMES only so the file stays safe to commit.
type InstagramConfig struct {
	BaseURL        string  `json:"base_url,omitempty"`         // default: "https://graph.facebook.com"
	APIVersion     string  `json:"api_version,omitempty"`      // default: "v25.0"
	AccessTokenEnv string  `json:"access_token_env,omitempty"` // default: "META_ACCESS_TOKEN"
	AccountIDEnv   string  `json:"account_id_env,omitempty"`   // default: "INSTAGRAM_ACCOUNT_ID"
	QuotaLimit     int     `json:"quota_limit,omitempty"`      // default: 25 publishes / 24h
	RequestTimeout string  `json:"request_timeout,omitempty"`  // default: "30s"
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`     // default: 2
	RateBurst      int     `json:"rate_burst,omitempty"`       // default: 4

	Publish  PublishConfig  `json:"publish"`
	Recovery RecoveryConfig `json:"recovery"`
}

// PublishConfig bounds the publish retry ladder.
//
// Defaults: max_attempts 6, carousel container polling 12 x "5s", item
// container polling 8 x "2s", retry backoff "1s".."12s", rate-limited
// backoff "15s".."180s", recovery_delay "8s".
type PublishConfig struct {
	MaxAttempts           int    `json:"max_attempts,omitempty"`
	ContainerPollAttempts int    `json:"container_poll_attempts,omitempty"`
	ContainerPollInterval string `json:"container_poll_interval,omitempty"`
	ItemPollAttempts      int    `json:"item_poll_attempts,omitempty"`
	ItemPollInterval      string `json:"item_poll_interval,omitempty"`
	RetryBase             string `json:"retry_base,omitempty"`
	RetryMax              string `json:"retry_max,omitempty"`
	RateRetryBase         string `json:"rate_retry_base,omitempty"`
	RateRetryMax          string `json:"rate_retry_max,omitempty"`

	// RecoveryDelay is how long to wait after an ambiguous publish failure
	// before asking the platform whether the post actually went live.
	RecoveryDelay string `json:"recovery_delay,omitempty"`
}

// RecoveryConfig makes the caption-match heuristic explicit: a record whose
// publish outcome was locally unknown is matched against recent remote media
// by normalized caption prefix within a bounded lookback.
//
// Defaults: caption_prefix_len 40, lookback "30m", candidate_limit 20,
// retry_lookback "72h".
type RecoveryConfig struct {
	CaptionPrefixLen int    `json:"caption_prefix_len,omitempty"`
	Lookback         string `json:"lookback,omitempty"`
	CandidateLimit   int    `json:"candidate_limit,omitempty"`
	RetryLookback    string `json:"retry_lookback,omitempty"`
}

// PipelineConfig describes the external content pipeline invocation.
//
// Command is an argv list; "--topic"/"--template" are appended per run.
// The process must print a single JSON object on stdout.
type PipelineConfig struct {
	Command []string `json:"command"`
	Workdir string   `json:"workdir,omitempty"`
	Timeout string   `json:"timeout,omitempty"` // default: "15m"
}

// AlertsConfig controls the optional Telegram operator notifier.
//
// If the whole section is omitted, alerts are disabled.
type AlertsConfig struct {
	Enabled     bool   `json:"enabled"`
	TokenEnv    string `json:"token_env,omitempty"` // default: "ALERT_BOT_TOKEN"
	ChatID      int64  `json:"chat_id,omitempty"`
	RatePerMin  int    `json:"rate_per_min,omitempty"` // default: 20
	DedupWindow string `json:"dedup_window,omitempty"` // default: "10m"
	QueueSize   int    `json:"queue_size,omitempty"`   // default: 128
	SendTimeout string `json:"send_timeout,omitempty"` // default: "10s"
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
