// Package app wires the delivery subsystem together: config, logging, store,
// actor client, pacing, breakers, queue, scheduler, task runner, alerts and
// the optional pprof server. Components are constructed eagerly and injected
// explicitly; nothing reaches for globals.
package app

import (
	"context"
	"fmt"
	"time"

	"postdeck/internal/actor"
	"postdeck/internal/alerts"
	"postdeck/internal/breaker"
	"postdeck/internal/config"
	"postdeck/internal/eventbus"
	"postdeck/internal/observability/pprof"
	"postdeck/internal/pacing"
	"postdeck/internal/queue"
	rtsup "postdeck/internal/runtime/supervisor"
	"postdeck/internal/scheduler"
	"postdeck/internal/store"
	"postdeck/internal/taskrunner"
	logx "postdeck/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    store.Store
	actor    *actor.Client
	pacing   *pacing.Human
	breakers *breaker.Registry
	queue    *queue.Manager
	sched    *scheduler.Scheduler
	runner   *taskrunner.Runner
	alerts   *alerts.Service
	pprof    *pprof.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	storeCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(storeCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	actorCfg, err := mapActorConfig(cfg)
	if err != nil {
		return nil, err
	}
	actorClient := actor.NewClient(actorCfg)

	pacingCfg, err := mapPacingConfig(cfg)
	if err != nil {
		return nil, err
	}
	pace := pacing.NewHuman(pacingCfg)

	breakerCfg, err := mapBreakerConfig(cfg)
	if err != nil {
		return nil, err
	}
	breakers := breaker.NewRegistry(breakerCfg, bus, log)

	queueCfg, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, err
	}
	qm := queue.NewManager(queueCfg, queue.Deps{
		Store:    st,
		Actor:    actorClient,
		Pacing:   pace,
		Breakers: breakers,
		Bus:      bus,
		Log:      log,
	})

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(schedCfg, scheduler.Deps{
		Store: st,
		Queue: qm,
		Bus:   bus,
		Log:   log,
	})
	if err != nil {
		return nil, err
	}

	runnerCfg, err := mapTaskRunnerConfig(cfg)
	if err != nil {
		return nil, err
	}
	runner := taskrunner.New(runnerCfg, log.With(logx.String("comp", "taskrunner")), bus)

	alertsCfg, err := mapAlertsConfig(cfg)
	if err != nil {
		return nil, err
	}
	var sender alerts.Sender
	if alertsCfg.Enabled {
		sender, err = alerts.NewTelegramSender(alerts.TelegramConfig{
			Token:  cfg.Alerts.Telegram.Token,
			ChatID: cfg.Alerts.Telegram.ChatID,
		})
		if err != nil {
			return nil, fmt.Errorf("alerts sender: %w", err)
		}
	}
	alertSvc := alerts.New(alertsCfg, sender, bus, log)

	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pprofCfg, log)

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    st,
		actor:    actorClient,
		pacing:   pace,
		breakers: breakers,
		queue:    qm,
		sched:    sched,
		runner:   runner,
		alerts:   alertSvc,
		pprof:    pprofSvc,
	}, nil
}

// Scheduler exposes the scheduling surface for callers (CLI, future API).
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Queue exposes the queue manager for operational commands.
func (a *App) Queue() *queue.Manager { return a.queue }

// TaskRunner exposes the background task surface.
func (a *App) TaskRunner() *taskrunner.Runner { return a.runner }

// Breakers exposes circuit breaker stats and manual controls.
func (a *App) Breakers() *breaker.Registry { return a.breakers }

// Done is closed when the app supervisor context is canceled.
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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		// The map* helpers catch cross-field problems Validate can't.
		if _, err := mapQueueConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapAlertsConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPprofConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.queue.Initialize(runCtx); err != nil {
		return fmt.Errorf("queue init: %w", err)
	}
	if err := a.queue.Start(runCtx); err != nil {
		return fmt.Errorf("queue start: %w", err)
	}
	if a.sched != nil && a.schedEnabled() {
		if err := a.sched.Start(runCtx); err != nil {
			return fmt.Errorf("scheduler start: %w", err)
		}
	}
	if cfg := a.cfgm.Get(); cfg != nil && cfg.TaskRunner.Enabled {
		a.runner.Start(runCtx)
	}
	if a.alerts.Enabled() {
		a.alerts.Start(runCtx)
	}
	if a.pprof.Enabled() {
		a.pprof.Start(runCtx)
	}

	// Debug visibility into the event stream.
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

	// Hot-reload fanout.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts; only the latest config matters.
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
				a.applyReload(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("queue_backend", a.queue.BackendName()))
	return nil
}

func (a *App) schedEnabled() bool {
	cfg := a.cfgm.Get()
	return cfg != nil && cfg.Scheduler.Enabled
}

// applyReload pushes a validated config into the live components. Storage and
// queue backend changes need a restart; everything else applies in place.
func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg))

	if pacingCfg, err := mapPacingConfig(cfg); err == nil {
		a.pacing.Apply(pacingCfg)
	} else {
		a.log.Warn("invalid pacing config; keeping previous", logx.Any("err", err))
	}

	if ppc, err := mapPprofConfig(cfg); err == nil {
		a.pprof.Reconfigure(ctx, ppc)
	} else {
		a.log.Warn("invalid pprof config; keeping previous", logx.Any("err", err))
	}

	if runnerCfg, err := mapTaskRunnerConfig(cfg); err == nil {
		a.runner.Apply(runnerCfg)
		switch {
		case a.runner.Running() && !runnerCfg.Enabled:
			a.log.Info("task runner disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.runner.Stop(stopCtx)
			cancel()
		case !a.runner.Running() && runnerCfg.Enabled:
			a.log.Info("task runner enabled via config")
			a.runner.Start(ctx)
		}
	} else {
		a.log.Warn("invalid task_runner config; keeping previous", logx.Any("err", err))
	}

	prev := a.sched.Status().Running
	next := cfg.Scheduler.Enabled
	switch {
	case prev && !next:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prev && next:
		a.log.Info("scheduler enabled via config")
		if err := a.sched.Start(ctx); err != nil {
			a.log.Warn("scheduler start failed", logx.Any("err", err))
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Each step is bounded so one component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Any("err", err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("queue", 3*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	step("taskrunner", 2*time.Second, func(c context.Context) error { a.runner.Stop(c); return nil })
	step("alerts", 2*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("store", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
