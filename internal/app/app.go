// Package app wires the daemon together: config, logging, registry, waker,
// orchestrator, HTTP API, notifier and maintenance, all under one supervisor.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"medalarmd/internal/config"
	"medalarmd/internal/eventbus"
	"medalarmd/internal/httpapi"
	"medalarmd/internal/maintenance"
	"medalarmd/internal/notifier"
	"medalarmd/internal/orchestrator"
	"medalarmd/internal/registry"
	"medalarmd/internal/runtime/supervisor"
	"medalarmd/internal/waker"
	logx "medalarmd/pkg/logx"
)

// StopReason records why the daemon is shutting down, for the final log line.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	loc  *time.Location

	store registry.Store
	wake  *waker.Service
	orch  *orchestrator.Service

	api   *httpapi.Server
	notif *notifier.Service
	maint *maintenance.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := registry.Open(registry.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "registry")))
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		loc:     loc,
		store:   store,
	}

	coarse, err := config.ParseDurationOrDefault("waker.coarse_granularity", cfg.Waker.CoarseGranularity, time.Minute)
	if err != nil {
		return nil, err
	}
	// The waker calls back into the orchestrator, which itself arms the
	// waker. The closure breaks the construction cycle; a.orch is set
	// below, before any timer can fire.
	a.wake = waker.New(waker.Config{
		Exact:             cfg.WakerExact(),
		CoarseGranularity: coarse,
	}, func(alarmID int64, firedAt time.Time, p waker.Payload) {
		a.orch.HandleFire(alarmID, firedAt, p)
	}, log.With(logx.String("comp", "waker")))

	a.orch = orchestrator.New(store, a.wake, bus, loc, log.With(logx.String("comp", "orchestrator")))

	ncfg, sender, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(ncfg, sender, bus, loc, log.With(logx.String("comp", "notifier")))

	a.maint = maintenance.New(maintenance.Config{
		SweepSpec:            cfg.SweepSpec(),
		PruneSpec:            cfg.PruneSpec(),
		HistoryRetentionDays: cfg.Maintenance.HistoryRetentionDays,
	}, a.orch, store, loc, log.With(logx.String("comp", "maintenance")))

	apiCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.api = httpapi.New(apiCfg, a.orch, loc, log.With(logx.String("comp", "httpapi")))

	return a, nil
}

// Done is closed when the supervisor context is canceled (fatal error or Stop).
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	// Re-arm everything persisted before accepting traffic. Timers do not
	// survive a restart; the registry is the source of truth.
	n, err := a.orch.RescheduleAllActive(a.sup.Context())
	if err != nil {
		return fmt.Errorf("boot re-arm: %w", err)
	}
	a.log.Info("boot re-arm complete", logx.Int("armed", n))

	if err := a.maint.Start(); err != nil {
		return err
	}

	a.sup.Go("http.api", func(c context.Context) error {
		return a.api.Run(c)
	})
	// The notifier loop self-heals: a transient channel failure must not
	// take the scheduling core down with it.
	a.sup.GoRestart("notifier", func(c context.Context) error {
		return a.notif.Run(c)
	})

	// Debug-level event mirror for operational visibility.
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

	// Hot-reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// Best effort; a no-op outside systemd.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated config to the live components. Sections
// that cannot change at runtime are logged as restart-required.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage", "http", "waker":
			a.log.Warn("config section changed; restart required for changes to take effect",
				logx.String("section", s))
		}
	}

	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	loc, err := newCfg.Location()
	if err != nil {
		// Watch validates before publishing; this should not happen.
		a.log.Warn("invalid timezone in reloaded config; keeping previous", logx.Err(err))
		loc = a.loc
	}
	if loc.String() != a.loc.String() {
		// Recurrence math keeps the boot zone until restart; only the
		// maintenance cron follows the new zone live.
		a.log.Warn("timezone changed; restart required for schedule evaluation to follow",
			logx.String("timezone", loc.String()))
	}

	// Throttle and retry settings apply live. The delivery channel itself
	// is bound at boot; swapping tokens or chats needs a restart.
	if n := newCfg.Notifier; n != nil {
		retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
		if err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.notif.Apply(notifier.Config{
				Enabled:    n.Enabled,
				QueueSize:  n.QueueSize,
				RatePerSec: n.RatePerSec,
				RetryMax:   n.RetryMax,
				RetryBase:  retryBase,
			})
		}
	}

	if err := a.maint.Apply(maintenance.Config{
		SweepSpec:            newCfg.SweepSpec(),
		PruneSpec:            newCfg.PruneSpec(),
		HistoryRetentionDays: newCfg.Maintenance.HistoryRetentionDays,
	}, loc); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component cannot
	// stall the whole stop.
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("waker", time.Second, func(context.Context) error { a.wake.Stop(); return nil })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("registry", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, notifier.Sender, error) {
	if cfg.Notifier == nil {
		return notifier.Config{}, nil, nil
	}
	n := cfg.Notifier
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, nil, err
	}
	ncfg := notifier.Config{
		Enabled:    n.Enabled,
		QueueSize:  n.QueueSize,
		RatePerSec: n.RatePerSec,
		RetryMax:   n.RetryMax,
		RetryBase:  retryBase,
	}

	var sender notifier.Sender
	if n.Enabled && n.Telegram != nil {
		tg, err := notifier.NewTelegram(n.Telegram.Token, n.Telegram.ChatID)
		if err != nil {
			return notifier.Config{}, nil, err
		}
		sender = tg
	}
	return ncfg, sender, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	read, err := config.ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationField("http.idle_timeout", cfg.HTTP.IdleTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:         cfg.HTTPAddr(),
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}
