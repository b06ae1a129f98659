// Package app wires the bot together: config, logging, storage, the Telegram
// transport, command routing and the background services. It owns startup
// order, the config hot-reload fan-out and the shutdown sequence.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"wlbot/internal/config"
	"wlbot/internal/eventbus"
	"wlbot/internal/maintenance"
	"wlbot/internal/notifier"
	"wlbot/internal/observability/ops"
	"wlbot/internal/runtime/supervisor"
	"wlbot/internal/storage"
	kit "wlbot/internal/transport"
	telegram "wlbot/internal/transport/telegram/adapter"
	"wlbot/internal/transport/telegram/router"
	logx "wlbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.Store
	adapter kit.Adapter

	notif *notifier.Service
	maint *maintenance.Service
	ops   *ops.Service

	cmdm *router.CommandManager
	reg  *router.SupervisorRegistry

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New applies its config immediately. With Telegram logging enabled
	// but no target set yet, that first Apply would warn. So: bootstrap with
	// Telegram disabled, set the target, then Apply the real config.
	baseLogCfg := mapLogConfig(cfg)
	baseLogCfg.Telegram.Enabled = false
	logSvc, log := logx.New(baseLogCfg, ad)
	log = log.With(logx.String("comp", "app"))

	if chatID, ok := groupLogChatID(cfg); ok {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(mapLogConfig(cfg))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")), bus)
	if err != nil {
		return nil, err
	}

	notif := notifier.New(mapNotifierConfig(cfg), ad, store,
		log.With(logx.String("comp", "notifier")))
	maint := maintenance.New(mapMaintenanceConfig(cfg), store,
		log.With(logx.String("comp", "maintenance")))

	reg := router.NewSupervisorRegistry()

	ocfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	opsSvc := ops.New(ocfg, ops.Deps{Store: store, Supervisors: reg},
		log.With(logx.String("comp", "ops")))

	cmdm := router.New(log.With(logx.String("comp", "commands")),
		ad, cfgm, &router.Deps{
			Store:       store,
			Notifier:    notif,
			Supervisors: reg,
		}, cfg.Telegram.AdminUserIDs)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		notif:   notif,
		maint:   maint,
		ops:     opsSvc,
		cmdm:    cmdm,
		reg:     reg,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app run context is canceled (fatal error or Stop).
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

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if cfg.Telegram.PageSize < 0 {
			return fmt.Errorf("telegram.page_size must be >= 0")
		}
		if n := cfg.Notifier; n != nil {
			if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
				return fmt.Errorf("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0")
			}
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapOpsConfig(cfg); err != nil {
			return err
		}
		return maintenance.Validate(mapMaintenanceConfig(cfg))
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	// Expose subsystem supervisors for /health and /healthz.
	if sp, ok := a.adapter.(interface{ Supervisor() *supervisor.Supervisor }); ok {
		if sup := sp.Supervisor(); sup != nil {
			a.reg.Set("telegram.adapter", sup)
		}
	}

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.maint.Enabled() {
		a.maint.Start(a.sup.Context())
	}
	if a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
		if sup := a.ops.Supervisor(); sup != nil {
			a.reg.Set("ops", sup)
		}
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	// Surface bus traffic in debug logs; components that act on events
	// subscribe themselves.
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
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the latest config gets applied.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startWatchdog()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated config into the running services. Storage
// path, busy timeout and the bot token cannot change without a restart;
// those only get a warning.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if prev.Telegram.Token != next.Telegram.Token {
		a.log.Warn("telegram token changed; restart required for it to take effect")
	}

	// Log target first so Apply does not warn when Telegram logging is on.
	if chatID, ok := groupLogChatID(next); ok {
		a.logs.SetTelegramTarget(chatID, next.Logging.Telegram.ThreadID)
	} else {
		a.logs.SetTelegramTarget(0, 0)
	}
	a.logs.Apply(mapLogConfig(next))

	a.cmdm.SetAdmins(next.Telegram.AdminUserIDs)

	if sc, err := mapStorageConfig(next); err != nil {
		a.log.Warn("invalid storage config; keeping previous", logx.Err(err))
	} else {
		if prevSC, err := mapStorageConfig(prev); err == nil &&
			(sc.Path != prevSC.Path || sc.BusyTimeout != prevSC.BusyTimeout) {
			a.log.Warn("storage path or busy timeout changed; restart required for those to take effect")
		}
		a.store.Apply(sc)
	}

	prevNotif := a.notif.Enabled()
	ncfg := mapNotifierConfig(next)
	a.notif.Apply(ncfg)
	switch {
	case prevNotif && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prevNotif && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}

	// Maintenance restarts its own cron on any change.
	prevMaint := a.maint.Enabled()
	mcfg := mapMaintenanceConfig(next)
	a.maint.Apply(mcfg)
	if prevMaint != mcfg.Enabled {
		if mcfg.Enabled {
			a.log.Info("maintenance enabled via config")
		} else {
			a.log.Info("maintenance disabled via config")
		}
	}

	if ocfg, err := mapOpsConfig(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, ocfg)
		if sup := a.ops.Supervisor(); sup != nil {
			a.reg.Set("ops", sup)
		} else {
			a.reg.Delete("ops")
		}
	}

	a.log.Info("config reloaded", fields...)
}

// startWatchdog feeds the systemd watchdog when one is armed. Pings stop if
// storage goes unhealthy, letting systemd restart the unit.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				pingCtx, cancel := context.WithTimeout(c, interval/2)
				err := a.store.Ping(pingCtx)
				cancel()
				if err != nil {
					a.log.Warn("watchdog ping skipped, storage unhealthy", logx.Err(err))
					continue
				}
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
	a.log.Info("systemd watchdog armed", logx.Duration("interval", interval))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component cannot stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
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
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn must honor stepCtx and return promptly. If it
			// does not, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("notifier", 1*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 2*time.Second, func(c context.Context) error {
		if err := a.store.Checkpoint(c); err != nil {
			a.log.Debug("final wal checkpoint failed", logx.Err(err))
		}
		return a.store.Close()
	})

	// Finally wait for supervised goroutines (config watch/reload, dispatcher).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
