// Package app wires the daemon together: config, logging, storage, the
// scheduler loop and its lifecycle guard.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"solocron/internal/config"
	"solocron/internal/eventbus"
	"solocron/internal/guard"
	"solocron/internal/scheduler"
	"solocron/internal/storage"
	"solocron/internal/tracker"
	logx "solocron/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	trk   *tracker.Tracker
	reg   *scheduler.Registry
	loop  *scheduler.Loop
	grd   *guard.Guard

	stopGrace time.Duration

	mu        sync.Mutex
	watchStop context.CancelFunc
	watchDone chan struct{}
	started   bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", storeCfg.Driver), logx.String("path", storeCfg.Path))

	bus := eventbus.New()
	trk := tracker.New(store, log.With(logx.String("comp", "tracker")))
	reg := scheduler.NewRegistry()

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	loop := scheduler.New(store, trk, reg, schedCfg, log.With(logx.String("comp", "scheduler")), bus)

	grace := schedCfg.StopGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	grd := guard.New(loop, grace, log.With(logx.String("comp", "guard")))

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		trk:       trk,
		reg:       reg,
		loop:      loop,
		grd:       grd,
		stopGrace: grace,
	}, nil
}

func (a *App) Handlers() *scheduler.Registry { return a.reg }
func (a *App) Loop() *scheduler.Loop         { return a.loop }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Logger() logx.Logger           { return a.log }

// Start registers the configured jobs and brings the loop up. The ctx
// passed here is the lifetime handed to job bodies; pass one that is not
// cancelled by the shutdown signal so Stop's grace period governs instead.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	cfg := a.cfgm.Get()
	if err := a.registerJobs(ctx, cfg); err != nil {
		return err
	}

	if cfg.Scheduler.Enabled == nil || *cfg.Scheduler.Enabled {
		a.grd.Start(ctx)
	} else {
		a.log.Info("scheduler disabled by config")
	}

	a.startWatch(ctx)
	return nil
}

// Stop tears everything down: config watch first, then the loop with its
// grace period, then storage and logging.
func (a *App) Stop(grace time.Duration) {
	a.mu.Lock()
	stop := a.watchStop
	done := a.watchDone
	a.watchStop = nil
	a.watchDone = nil
	a.started = false
	a.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}

	a.grd.Stop(grace)

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.logs.Close()
}

// registerJobs upserts every configured job. One bad job aborts startup;
// during a hot reload the same error only rejects the new file.
func (a *App) registerJobs(ctx context.Context, cfg *config.Config) error {
	for _, j := range cfg.Jobs {
		until, err := j.UntilTime()
		if err != nil {
			return err
		}
		def := storage.JobDefinition{
			ID:       j.ID,
			Schedule: j.Schedule,
			Handler:  j.Handler,
			Enabled:  j.IsEnabled(),
			Until:    until,
		}
		if a.reg.Resolve(j.Handler) == nil {
			return fmt.Errorf("jobs[%s]: handler %q is not registered", j.ID, j.Handler)
		}
		if err := a.loop.AddJob(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

// startWatch follows the config file and applies accepted changes live:
// logging sinks, loop tuning, and the job set.
func (a *App) startWatch(jobCtx context.Context) {
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		for _, j := range cfg.Jobs {
			if a.reg.Resolve(j.Handler) == nil {
				return fmt.Errorf("jobs[%s]: handler %q is not registered", j.ID, j.Handler)
			}
		}
		return nil
	})

	watchCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.mu.Lock()
	a.watchStop = cancel
	a.watchDone = done
	a.mu.Unlock()

	sub := a.cfgm.Subscribe(1)
	go func() {
		defer close(done)
		defer a.cfgm.Unsubscribe(sub)
		go func() { _ = a.cfgm.Watch(watchCtx) }()
		for {
			select {
			case <-watchCtx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(jobCtx, cfg)
			}
		}
	}()
}

func (a *App) applyConfig(jobCtx context.Context, cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		// The validator already vetted this; reaching here means the two
		// checks drifted apart.
		a.log.Error("apply: scheduler config mapping failed", logx.Err(err))
		return
	}
	a.loop.Apply(schedCfg)

	if err := a.registerJobs(jobCtx, cfg); err != nil {
		a.log.Warn("apply: job registration failed", logx.Err(err))
	}

	// Storage driver and path changes require a restart.
	a.log.Info("config applied")
}
