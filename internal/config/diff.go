package config

import (
	"reflect"
	"sort"
	"strings"

	"instapilot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets or env values).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Service
	if strings.TrimSpace(oldCfg.Service.Timezone) != strings.TrimSpace(newCfg.Service.Timezone) {
		changed = append(changed, "service")
		attrs = append(attrs, logx.String("service.timezone", strings.TrimSpace(newCfg.Service.Timezone)))
	}

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// HTTP
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)))
	}

	// Storage (path changes need a restart; surface them loudly)
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Scheduler (execution loop)
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick_interval", strings.TrimSpace(newCfg.Scheduler.TickInterval)),
			logx.String("scheduler.stale_processing_after", strings.TrimSpace(newCfg.Scheduler.StaleProcessingAfter)),
			logx.Int("scheduler.autofill_days", newCfg.Scheduler.AutofillDays),
			logx.Int("scheduler.failure_threshold", newCfg.Scheduler.FailureThreshold),
		)
	}

	// Sweep
	if !reflect.DeepEqual(oldCfg.Sweep, newCfg.Sweep) {
		changed = append(changed, "sweep")
		attrs = append(attrs,
			logx.String("sweep.interval", strings.TrimSpace(newCfg.Sweep.Interval)),
			logx.Int("sweep.limit", newCfg.Sweep.Limit),
			logx.String("sweep.max_elapsed", strings.TrimSpace(newCfg.Sweep.MaxElapsed)),
			logx.Bool("sweep.import_unseen", newCfg.Sweep.ImportUnseen),
		)
	}

	// Instagram (env var NAMES are safe to log; values never appear in config)
	if !reflect.DeepEqual(oldCfg.Instagram, newCfg.Instagram) {
		changed = append(changed, "instagram")
		attrs = append(attrs,
			logx.String("instagram.api_version", strings.TrimSpace(newCfg.Instagram.APIVersion)),
			logx.Int("instagram.quota_limit", newCfg.Instagram.QuotaLimit),
			logx.Int("instagram.publish_max_attempts", newCfg.Instagram.Publish.MaxAttempts),
			logx.Int("instagram.recovery_prefix_len", newCfg.Instagram.Recovery.CaptionPrefixLen),
		)
	}

	// Pipeline (never log the full argv; it may embed paths/keys)
	if !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline) {
		changed = append(changed, "pipeline")
		attrs = append(attrs,
			logx.Bool("pipeline.command_set", len(newCfg.Pipeline.Command) > 0),
			logx.String("pipeline.timeout", strings.TrimSpace(newCfg.Pipeline.Timeout)),
		)
	}

	// Alerts. Section may be nil (omitted = disabled).
	oldA, newA := oldCfg.Alerts, newCfg.Alerts
	oldEnabled := oldA != nil && oldA.Enabled
	newEnabled := newA != nil && newA.Enabled
	if oldEnabled != newEnabled || (oldA != nil && newA != nil && !reflect.DeepEqual(*oldA, *newA)) || (oldA == nil) != (newA == nil) {
		changed = append(changed, "alerts")
		attrs = append(attrs, logx.Bool("alerts.enabled", newEnabled))
		if newA != nil {
			attrs = append(attrs,
				logx.Bool("alerts.chat_id_set", newA.ChatID != 0),
				logx.Int("alerts.rate_per_min", newA.RatePerMin),
			)
		}
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		strings.TrimSpace(oldCfg.Pprof.Prefix) != strings.TrimSpace(newCfg.Pprof.Prefix) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		oldCfg.Pprof.MutexProfileFraction != newCfg.Pprof.MutexProfileFraction ||
		oldCfg.Pprof.BlockProfileRate != newCfg.Pprof.BlockProfileRate ||
		oldCfg.Pprof.MemProfileRate != newCfg.Pprof.MemProfileRate ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
