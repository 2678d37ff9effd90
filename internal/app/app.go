// Package app assembles the scheduler process: configuration, logging,
// storage, the lock store, the scheduler service and the control API.
package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentsched/internal/config"
	"agentsched/internal/control"
	"agentsched/internal/events"
	"agentsched/internal/executor"
	"agentsched/internal/lock"
	"agentsched/internal/lockstore"
	"agentsched/internal/scheduler"
	"agentsched/internal/store"
	"agentsched/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	store     *store.Store
	lockConn  lockstore.Conn
	locks     *lock.Manager
	bus       *events.Bus
	forwarder *events.Forwarder
	sched     *scheduler.Service
	ctrl      *control.Server

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewApp loads configuration and constructs every component. Nothing
// listens or connects until Start.
func NewApp(cfgPath string) (*App, error) {
	config.LoadDotEnv()

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "config"))
	cfgm := config.NewManager(cfgPath, bootLog)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(cfg.LogxConfig())
	log = log.With(logx.String("comp", "app"))

	st, err := store.Open(store.Config{
		Path:        cfg.Database.Path,
		BusyTimeout: config.Duration(cfg.Database.BusyTimeout, 5*time.Second),
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		logs.Close()
		return nil, err
	}

	conn, err := lockstore.Open(lockstore.Config{
		Driver: cfg.LockStore.Driver,
		Addr:   cfg.LockStore.URL,
	}, log.With(logx.String("comp", "lockstore")))
	if err != nil {
		st.Close()
		logs.Close()
		return nil, err
	}

	instanceID := cfg.Scheduler.InstanceID
	if instanceID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "scheduler"
		}
		instanceID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	locks := lock.NewManager(conn, log.With(logx.String("comp", "lock")), lock.ManagerConfig{
		TTL:        config.Duration(cfg.LockStore.TTL, 5*time.Minute),
		AutoRenew:  cfg.LockStore.AutoRenew,
		InstanceID: instanceID,
	})

	bus := events.NewBus()
	var forwarder *events.Forwarder
	if cfg.Events.Publish {
		channel := cfg.Events.Channel
		if channel == "" {
			channel = events.DefaultChannel
		}
		forwarder = events.NewForwarder(bus, conn, log.With(logx.String("comp", "events")), channel)
	}

	exLog := log.With(logx.String("comp", "executor"))
	agents := executor.NewAgentClient(cfg.Executors.AgentAPIURL, exLog)
	workflows := executor.NewWorkflowClient(cfg.Executors.WorkflowAPIURL, exLog)
	var activity scheduler.ActivityRecorder
	if cfg.Executors.ActivityAPIURL != "" {
		activity = executor.NewActivityClient(cfg.Executors.ActivityAPIURL, exLog)
	}

	sched := scheduler.New(log.With(logx.String("comp", "scheduler")), scheduler.Config{
		InstanceID:      instanceID,
		DefaultTimezone: cfg.Scheduler.DefaultTimezone,
		ReloadInterval:  config.Duration(cfg.Scheduler.ReloadInterval, 5*time.Minute),
		ExecutorTimeout: config.Duration(cfg.Scheduler.ExecutorTimeout, 5*time.Minute),
	}, st, locks, bus, agents, workflows, activity)

	ctrl := control.New(control.Config{
		Host:          cfg.Control.Host,
		Port:          cfg.Control.Port,
		RatePerSecond: cfg.Control.RatePerSecond,
	}, log.With(logx.String("comp", "control")), sched, st)

	return &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logs,
		store:     st,
		lockConn:  conn,
		locks:     locks,
		bus:       bus,
		forwarder: forwarder,
		sched:     sched,
		ctrl:      ctrl,
	}, nil
}

// Scheduler exposes the scheduler service for tests.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// ControlAddr returns the control API listen address once started.
func (a *App) ControlAddr() string { return a.ctrl.Addr() }

// Start brings the process up: event forwarding, the scheduler, the
// control API and the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.forwarder != nil {
		a.forwarder.Start(runCtx)
	}
	if err := a.sched.Start(ctx); err != nil {
		cancel()
		return err
	}
	if err := a.ctrl.Start(ctx); err != nil {
		a.sched.Stop(ctx)
		cancel()
		return err
	}

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	go a.applyConfigUpdates(runCtx)

	a.started = true
	a.log.Info("scheduler process started")
	return nil
}

// applyConfigUpdates consumes hot-reload snapshots. Only the log level
// is applied live; structural changes (database path, lock store,
// listen address) require a restart and are logged as such.
func (a *App) applyConfigUpdates(ctx context.Context) {
	defer a.wg.Done()
	ch := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logs.Apply(cfg.LogxConfig())
			a.log.Info("applied config update", logx.String("log_level", cfg.Log.Level))
		}
	}
}

// Stop shuts everything down in reverse dependency order, bounded by
// ctx.
func (a *App) Stop(ctx context.Context) {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	cancel := a.cancel
	a.mu.Unlock()

	a.ctrl.Stop(ctx)
	a.sched.Stop(ctx)
	if a.forwarder != nil {
		a.forwarder.Stop()
	}
	cancel()
	a.wg.Wait()

	if err := a.lockConn.Close(); err != nil {
		a.log.Warn("lock store close", logx.Err(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("scheduler process stopped")
	a.logs.Close()
}
