// Package app is the composition root. It loads the config, builds the
// store, platform client, pipeline, runner, sweeper, scheduler, HTTP API,
// alerts and pprof, and runs the hot-reload loop that keeps the running
// services in sync with the config file.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"instapilot/internal/alerts"
	"instapilot/internal/eventbus"
	"instapilot/internal/httpapi"
	"instapilot/internal/instagram"
	pprofsvc "instapilot/internal/observability/pprof"
	"instapilot/internal/pipeline"
	"instapilot/internal/queue"
	"instapilot/internal/runner"
	"instapilot/internal/scheduler"
	"instapilot/internal/store"
	"instapilot/internal/sweep"
	logx "instapilot/pkg/logx"
)

type App struct {
	cfgPath string
	version string

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store *store.Store

	sched  *scheduler.Service
	api    *httpapi.Server
	alerts *alerts.Service
	pprof  *pprofsvc.Service
}

func NewApp(cfgPath, version string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	stCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(stCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	igCfg, err := mapInstagramConfig(cfg)
	if err != nil {
		return nil, err
	}
	ig := instagram.New(igCfg, log.With(logx.String("comp", "instagram")))
	if !ig.Configured() {
		log.Warn("instagram credentials missing; publishing stays paused until they are set")
	}

	pipeCfg, err := mapPipelineConfig(cfg)
	if err != nil {
		return nil, err
	}
	producer, err := pipeline.NewExec(pipeCfg, log.With(logx.String("comp", "pipeline")))
	if err != nil {
		return nil, err
	}

	q := queue.New(st, log.With(logx.String("comp", "queue")))
	lease := &runner.Lease{}

	runCfg, err := mapRunnerConfig(cfg)
	if err != nil {
		return nil, err
	}
	run := runner.New(runCfg, st, q, producer, ig, lease, bus, log.With(logx.String("comp", "runner")))

	swCfg, err := mapSweepConfig(cfg)
	if err != nil {
		return nil, err
	}
	sweeper := sweep.New(swCfg, st, ig, lease, bus, log.With(logx.String("comp", "sweep")))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, st, q, run, sweeper, lease, bus, log.With(logx.String("comp", "scheduler")))

	httpCfg, err := mapHTTPConfig(cfg, version)
	if err != nil {
		return nil, err
	}
	api := httpapi.New(httpCfg, sched, st, log.With(logx.String("comp", "http")))

	alertCfg, err := mapAlertsConfig(cfg)
	if err != nil {
		return nil, err
	}
	sender, err := buildAlertSender(cfg)
	if err != nil {
		// Alerting is auxiliary; a bad alert setup must not block publishing.
		log.Warn("alerts disabled", logx.Err(err))
		alertCfg.Enabled = false
	}
	alertSvc := alerts.New(alertCfg, sender, bus, log.With(logx.String("comp", "alerts")))

	ppCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprofsvc.New(ppCfg, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath: cfgPath,
		version: version,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   st,
		sched:   sched,
		api:     api,
		alerts:  alertSvc,
		pprof:   pprofSvc,
	}, nil
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Transactional reload: a config that fails mapping is rejected before
	// anything sees it.
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return validateConfig(cfg)
	})

	// The alert pipeline deliberately does not derive from the run context:
	// it has to outlive it so alerts queued during shutdown still drain.
	// Stop tears it down explicitly.
	a.alerts.Start(context.Background())

	a.sched.Start(a.sup.Context())

	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	a.sup.Go("http.serve", func(c context.Context) error {
		err := a.api.Start()
		if c.Err() != nil || err == nil {
			return nil
		}
		return err
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })

	a.log.Info("app started", logx.String("version", a.version))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: apply only the newest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyReload(ctx, last, cfg)
			last = cfg
		}
	}
}

func (a *App) applyReload(ctx context.Context, prev, cfg *Config) {
	sections, attrs := SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	// Sections read once at boot cannot be hot-applied.
	cold := make([]string, 0, 4)
	for _, s := range sections {
		switch s {
		case "storage", "instagram", "pipeline", "http":
			cold = append(cold, s)
		}
	}
	if len(cold) > 0 {
		a.log.Warn("config changes need a restart to take effect",
			logx.String("sections", strings.Join(cold, ",")))
	}
	if prev.Scheduler.StaleProcessingAfter != cfg.Scheduler.StaleProcessingAfter ||
		prev.Scheduler.FailureThreshold != cfg.Scheduler.FailureThreshold ||
		prev.Scheduler.FailureCooldown != cfg.Scheduler.FailureCooldown {
		a.log.Warn("failure gate settings changed; restart required")
	}
	if prev.Sweep.Limit != cfg.Sweep.Limit ||
		prev.Sweep.MaxElapsed != cfg.Sweep.MaxElapsed ||
		prev.Sweep.ImportUnseen != cfg.Sweep.ImportUnseen {
		a.log.Warn("sweep executor settings changed; restart required")
	}

	// Logging first so the rest of the reload logs at the new level.
	a.logs.Apply(mapLoggingConfig(cfg))

	if scfg, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(scfg)
	}

	a.applyAlerts(ctx, prev, cfg)

	if ppc, err := mapPprofConfig(cfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Reconfigure(ctx, ppc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyAlerts(ctx context.Context, prev, cfg *Config) {
	acfg, err := mapAlertsConfig(cfg)
	if err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.alerts.Enabled()

	if acfg.Enabled && !wasEnabled {
		// The sender may not exist yet (alerts were off at boot, or the
		// chat id was missing). Building one talks to the Telegram API.
		snd, err := buildAlertSender(cfg)
		if err != nil {
			a.log.Warn("alerts stay disabled", logx.Err(err))
			acfg.Enabled = false
		} else if snd != nil {
			a.alerts.SetSender(snd)
		}
	}

	pa, ca := prev.Alerts, cfg.Alerts
	if wasEnabled && acfg.Enabled && pa != nil && ca != nil &&
		(pa.ChatID != ca.ChatID || pa.TokenEnv != ca.TokenEnv || pa.SendTimeout != ca.SendTimeout) {
		a.log.Warn("alert sender settings changed; restart required")
	}

	a.alerts.Apply(acfg)
	switch {
	case wasEnabled && !acfg.Enabled:
		a.log.Info("alerts disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.alerts.Stop(stopCtx)
		cancel()
	case !wasEnabled && acfg.Enabled:
		a.log.Info("alerts enabled via config")
		a.alerts.Start(context.Background())
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so loops and in-flight runs start
	// unwinding; stale-claim and publish recovery cover anything cut off.
	a.sup.Cancel()

	// step bounds each component so one of them cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached; continuing",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			// Observe stragglers so a leaked component shows up in logs.
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished late",
						logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				} else {
					a.log.Info("stop step finished late",
						logx.String("name", name), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	step("http", 3*time.Second, func(c context.Context) error { return a.api.Shutdown(c) })
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("alerts", 3*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("store", time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRunnerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSweepConfig(cfg); err != nil {
		return err
	}
	if _, err := mapInstagramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPipelineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg, ""); err != nil {
		return err
	}
	if _, err := mapAlertsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	return nil
}
