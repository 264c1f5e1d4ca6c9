package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"instapilot/internal/alerts"
	"instapilot/internal/httpapi"
	"instapilot/internal/instagram"
	pprofsvc "instapilot/internal/observability/pprof"
	"instapilot/internal/pipeline"
	"instapilot/internal/runner"
	"instapilot/internal/scheduler"
	"instapilot/internal/store"
	"instapilot/internal/sweep"
	logx "instapilot/pkg/logx"
)

// The map* helpers translate the on-disk config into per-service configs.
// They double as the reload validator: every duration and bound is checked
// here, so a bad edit is rejected before anything is applied.

func mapLoggingConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStoreConfig(cfg *Config) (store.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./instapilot.db"
	}
	busy, err := parseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Path: path, BusyTimeout: busy}, nil
}

func mapSchedulerConfig(cfg *Config) (scheduler.Config, error) {
	tick, err := parseDurationField("scheduler.tick_interval", cfg.Scheduler.TickInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	sweepIv, err := parseDurationField("sweep.interval", cfg.Sweep.Interval)
	if err != nil {
		return scheduler.Config{}, err
	}
	if tz := strings.TrimSpace(cfg.Service.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("service.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{
		Timezone:      cfg.Service.Timezone,
		TickInterval:  tick,
		SweepInterval: sweepIv,
		AutofillDays:  cfg.Scheduler.AutofillDays,
	}, nil
}

func mapRunnerConfig(cfg *Config) (runner.Config, error) {
	stale, err := parseDurationField("scheduler.stale_processing_after", cfg.Scheduler.StaleProcessingAfter)
	if err != nil {
		return runner.Config{}, err
	}
	cooldown, err := parseDurationField("scheduler.failure_cooldown", cfg.Scheduler.FailureCooldown)
	if err != nil {
		return runner.Config{}, err
	}
	if cfg.Scheduler.FailureThreshold < 0 {
		return runner.Config{}, fmt.Errorf("scheduler.failure_threshold must be >= 0")
	}
	return runner.Config{
		StaleProcessingAfter: stale,
		FailureThreshold:     cfg.Scheduler.FailureThreshold,
		FailureCooldown:      cooldown,
		QuotaLimit:           cfg.Instagram.QuotaLimit,
	}, nil
}

func mapSweepConfig(cfg *Config) (sweep.Config, error) {
	maxElapsed, err := parseDurationField("sweep.max_elapsed", cfg.Sweep.MaxElapsed)
	if err != nil {
		return sweep.Config{}, err
	}
	retryLookback, err := parseDurationField("instagram.recovery.retry_lookback", cfg.Instagram.Recovery.RetryLookback)
	if err != nil {
		return sweep.Config{}, err
	}
	if cfg.Sweep.Limit < 0 {
		return sweep.Config{}, fmt.Errorf("sweep.limit must be >= 0")
	}
	return sweep.Config{
		Limit:         cfg.Sweep.Limit,
		MaxElapsed:    maxElapsed,
		ImportUnseen:  cfg.Sweep.ImportUnseen,
		RetryLookback: retryLookback,
	}, nil
}

// mapInstagramConfig resolves credentials from the environment; the config
// file carries the variable names only.
func mapInstagramConfig(cfg *Config) (instagram.Config, error) {
	ig := cfg.Instagram

	reqTimeout, err := parseDurationField("instagram.request_timeout", ig.RequestTimeout)
	if err != nil {
		return instagram.Config{}, err
	}

	pub := instagram.PublishConfig{
		MaxAttempts:           ig.Publish.MaxAttempts,
		ContainerPollAttempts: ig.Publish.ContainerPollAttempts,
		ItemPollAttempts:      ig.Publish.ItemPollAttempts,
	}
	for _, f := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"instagram.publish.container_poll_interval", ig.Publish.ContainerPollInterval, &pub.ContainerPollInterval},
		{"instagram.publish.item_poll_interval", ig.Publish.ItemPollInterval, &pub.ItemPollInterval},
		{"instagram.publish.retry_base", ig.Publish.RetryBase, &pub.RetryBase},
		{"instagram.publish.retry_max", ig.Publish.RetryMax, &pub.RetryMax},
		{"instagram.publish.rate_retry_base", ig.Publish.RateRetryBase, &pub.RateRetryBase},
		{"instagram.publish.rate_retry_max", ig.Publish.RateRetryMax, &pub.RateRetryMax},
		{"instagram.publish.recovery_delay", ig.Publish.RecoveryDelay, &pub.RecoveryDelay},
	} {
		d, err := parseDurationField(f.key, f.raw)
		if err != nil {
			return instagram.Config{}, err
		}
		*f.dst = d
	}

	lookback, err := parseDurationField("instagram.recovery.lookback", ig.Recovery.Lookback)
	if err != nil {
		return instagram.Config{}, err
	}

	tokenEnv := strings.TrimSpace(ig.AccessTokenEnv)
	if tokenEnv == "" {
		tokenEnv = "META_ACCESS_TOKEN"
	}
	accountEnv := strings.TrimSpace(ig.AccountIDEnv)
	if accountEnv == "" {
		accountEnv = "INSTAGRAM_ACCOUNT_ID"
	}

	return instagram.Config{
		BaseURL:        ig.BaseURL,
		APIVersion:     ig.APIVersion,
		AccessToken:    strings.TrimSpace(os.Getenv(tokenEnv)),
		AccountID:      strings.TrimSpace(os.Getenv(accountEnv)),
		RequestTimeout: reqTimeout,
		RatePerSec:     ig.RatePerSec,
		RateBurst:      ig.RateBurst,
		Publish:        pub,
		Recovery: instagram.RecoveryConfig{
			CaptionPrefixLen: ig.Recovery.CaptionPrefixLen,
			Lookback:         lookback,
			CandidateLimit:   ig.Recovery.CandidateLimit,
		},
	}, nil
}

func mapPipelineConfig(cfg *Config) (pipeline.ExecConfig, error) {
	timeout, err := parseDurationField("pipeline.timeout", cfg.Pipeline.Timeout)
	if err != nil {
		return pipeline.ExecConfig{}, err
	}
	if len(cfg.Pipeline.Command) == 0 || strings.TrimSpace(cfg.Pipeline.Command[0]) == "" {
		return pipeline.ExecConfig{}, fmt.Errorf("pipeline.command is required")
	}
	return pipeline.ExecConfig{
		Command: cfg.Pipeline.Command,
		Workdir: cfg.Pipeline.Workdir,
		Timeout: timeout,
	}, nil
}

func mapHTTPConfig(cfg *Config, version string) (httpapi.Config, error) {
	rt, err := parseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := parseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	it, err := parseDurationField("http.idle_timeout", cfg.HTTP.IdleTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		IdleTimeout:  it,
		Version:      version,
	}, nil
}

// mapAlertsConfig covers the tuning knobs only; the sender is built
// separately because constructing one talks to the Telegram API.
func mapAlertsConfig(cfg *Config) (alerts.Config, error) {
	a := cfg.Alerts
	if a == nil {
		return alerts.Config{}, nil
	}
	dedup := 10 * time.Minute
	if strings.TrimSpace(a.DedupWindow) != "" {
		d, err := parseDurationField("alerts.dedup_window", a.DedupWindow)
		if err != nil {
			return alerts.Config{}, err
		}
		dedup = d
	}
	if _, err := parseDurationField("alerts.send_timeout", a.SendTimeout); err != nil {
		return alerts.Config{}, err
	}
	return alerts.Config{
		Enabled:     a.Enabled,
		RatePerMin:  a.RatePerMin,
		QueueSize:   a.QueueSize,
		DedupWindow: dedup,
		RetryMax:    2,
	}, nil
}

// buildAlertSender returns (nil, nil) when alerts are off. The bot token
// comes from the environment, never the config file.
func buildAlertSender(cfg *Config) (alerts.Sender, error) {
	a := cfg.Alerts
	if a == nil || !a.Enabled {
		return nil, nil
	}
	env := strings.TrimSpace(a.TokenEnv)
	if env == "" {
		env = "ALERT_BOT_TOKEN"
	}
	token := strings.TrimSpace(os.Getenv(env))
	if token == "" {
		return nil, fmt.Errorf("alerts enabled but %s is not set", env)
	}
	sendTimeout, err := parseDurationField("alerts.send_timeout", a.SendTimeout)
	if err != nil {
		return nil, err
	}
	return alerts.NewTelegram(alerts.TelegramConfig{
		Token:       token,
		ChatID:      a.ChatID,
		SendTimeout: sendTimeout,
	})
}

func mapPprofConfig(cfg *Config) (pprofsvc.Config, error) {
	p := cfg.Pprof
	rt, err := parseDurationField("pprof.read_timeout", p.ReadTimeout)
	if err != nil {
		return pprofsvc.Config{}, err
	}
	wt, err := parseDurationField("pprof.write_timeout", p.WriteTimeout)
	if err != nil {
		return pprofsvc.Config{}, err
	}
	it, err := parseDurationField("pprof.idle_timeout", p.IdleTimeout)
	if err != nil {
		return pprofsvc.Config{}, err
	}
	return pprofsvc.Config{
		Enabled:              p.Enabled,
		Addr:                 p.Addr,
		Prefix:               p.Prefix,
		Token:                p.Token,
		AllowInsecure:        p.AllowInsecure,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		IdleTimeout:          it,
		MutexProfileFraction: p.MutexProfileFraction,
		BlockProfileRate:     p.BlockProfileRate,
		MemProfileRate:       p.MemProfileRate,
	}, nil
}
