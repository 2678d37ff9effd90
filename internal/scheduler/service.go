// Package scheduler orchestrates the trigger engine, the distributed
// lock layer, persistence and the executor clients into the schedule
// execution service.
package scheduler

import (
	"context"
	"sync"
	"time"

	"agentsched/internal/events"
	"agentsched/internal/executor"
	"agentsched/internal/lock"
	"agentsched/internal/store"
	"agentsched/internal/trigger"
	"agentsched/pkg/logx"
)

const (
	agentJobPrefix   = "schedule_"
	processJobPrefix = "process_"

	// staleSweepFactor scales the executor timeout into the age past
	// which a still-running execution row is considered abandoned.
	staleSweepFactor = 3

	releaseTimeout = 5 * time.Second
)

// AgentExecutor delivers a schedule's message to its target agent.
// *executor.AgentClient is the production implementation.
type AgentExecutor interface {
	Send(ctx context.Context, agentName, message string, timeout time.Duration) (executor.AgentResult, error)
}

// WorkflowExecutor starts a workflow run for a process schedule.
type WorkflowExecutor interface {
	StartProcess(ctx context.Context, processID, triggerID, scheduleID string, timeout time.Duration) (string, error)
}

// ActivityRecorder emits best-effort execution markers to the activity
// feed. Implementations must never block the fire path on failure.
type ActivityRecorder interface {
	RecordStarted(ctx context.Context, scheduleID, executionID string)
	RecordCompleted(ctx context.Context, scheduleID, executionID, status string)
}

// Config carries the scheduler service knobs.
type Config struct {
	InstanceID      string
	DefaultTimezone string
	ReloadInterval  time.Duration // default 5m
	ExecutorTimeout time.Duration // default 5m
}

func (c *Config) normalize() {
	if c.ReloadInterval <= 0 {
		c.ReloadInterval = 5 * time.Minute
	}
	if c.ExecutorTimeout <= 0 {
		c.ExecutorTimeout = 5 * time.Minute
	}
}

// Service owns the cron engine and drives schedule fires end to end.
type Service struct {
	log       logx.Logger
	cfg       Config
	store     *store.Store
	locks     *lock.Manager
	engine    *trigger.Engine
	bus       *events.Bus
	agents    AgentExecutor
	workflows WorkflowExecutor
	activity  ActivityRecorder

	mu        sync.Mutex
	started   bool
	startedAt time.Time
	lastCheck time.Time
	cancel    context.CancelFunc
	runCtx    context.Context
	wg        sync.WaitGroup
}

// New wires a scheduler service. activity may be nil.
func New(log logx.Logger, cfg Config, st *store.Store, locks *lock.Manager, bus *events.Bus, agents AgentExecutor, workflows WorkflowExecutor, activity ActivityRecorder) *Service {
	cfg.normalize()
	return &Service{
		log:       log,
		cfg:       cfg,
		store:     st,
		locks:     locks,
		engine:    trigger.New(log, cfg.DefaultTimezone),
		bus:       bus,
		agents:    agents,
		workflows: workflows,
		activity:  activity,
	}
}

// Bus exposes the in-process event bus for forwarders and tests.
func (s *Service) Bus() *events.Bus { return s.bus }

// Start ensures the schema, loads enabled schedules into the cron
// engine and launches the reload, sweep and heartbeat loops. Calling
// Start on a running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.runCtx = runCtx
	s.cancel = cancel

	if err := s.store.EnsureSchema(ctx); err != nil {
		cancel()
		return err
	}
	if err := s.loadJobsLocked(ctx); err != nil {
		cancel()
		return err
	}

	s.engine.Start()
	s.started = true
	s.startedAt = time.Now()
	s.lastCheck = s.startedAt

	s.wg.Add(3)
	go s.reloadLoop(runCtx)
	go s.sweepLoop(runCtx)
	go func() {
		defer s.wg.Done()
		s.locks.RunHeartbeats(runCtx)
	}()

	s.log.Info("scheduler started",
		logx.String("instance", s.cfg.InstanceID),
		logx.Int("jobs", s.engine.Len()),
		logx.Duration("reload_interval", s.cfg.ReloadInterval),
		logx.Duration("executor_timeout", s.cfg.ExecutorTimeout))
	return nil
}

// Stop halts the cron engine and the background loops and waits for
// them. In-flight fires observe run context cancellation.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	s.engine.Stop(ctx)
	cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// Running reports whether the service is started.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Status is the operational snapshot served by the control surface.
type Status struct {
	Running       bool              `json:"running"`
	InstanceID    string            `json:"instance_id"`
	JobsCount     int               `json:"jobs_count"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	LastCheck     time.Time         `json:"last_check"`
	Jobs          []trigger.JobInfo `json:"jobs"`
}

// Status returns a point-in-time snapshot of the service.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:    s.started,
		InstanceID: s.cfg.InstanceID,
		JobsCount:  s.engine.Len(),
		LastCheck:  s.lastCheck,
		Jobs:       s.engine.Jobs(),
	}
	if s.started {
		st.UptimeSeconds = time.Since(s.startedAt).Seconds()
	}
	return st
}

// ReloadSchedules resynchronizes the cron engine with the database:
// disabled or deleted schedules drop out, new and edited ones are
// (re)registered with fresh next-run times.
func (s *Service) ReloadSchedules(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadJobsLocked(ctx)
}

func (s *Service) loadJobsLocked(ctx context.Context) error {
	scheds, err := s.store.ListEnabledSchedules(ctx)
	if err != nil {
		return err
	}
	procs, err := s.store.ListEnabledProcessSchedules(ctx)
	if err != nil {
		return err
	}

	s.engine.RemoveMatching(agentJobPrefix)
	s.engine.RemoveMatching(processJobPrefix)

	runCtx := s.runCtx
	registered := 0
	for _, sc := range scheds {
		id := sc.ID
		err := s.engine.AddJob(agentJobPrefix+id, sc.Name, sc.CronExpression, sc.Timezone, func() {
			s.FireSchedule(runCtx, id, store.TriggerSchedule)
		})
		if err != nil {
			s.log.Warn("skipping schedule with invalid cron expression",
				logx.String("schedule", id), logx.String("expr", sc.CronExpression), logx.Err(err))
			continue
		}
		registered++
		s.persistNextRun(ctx, sc.ID, sc.CronExpression, sc.Timezone, false)
	}
	for _, ps := range procs {
		id := ps.ID
		err := s.engine.AddJob(processJobPrefix+id, ps.Name, ps.CronExpression, ps.Timezone, func() {
			s.FireProcessSchedule(runCtx, id, store.TriggerSchedule)
		})
		if err != nil {
			s.log.Warn("skipping process schedule with invalid cron expression",
				logx.String("schedule", id), logx.String("expr", ps.CronExpression), logx.Err(err))
			continue
		}
		registered++
		s.persistNextRun(ctx, ps.ID, ps.CronExpression, ps.Timezone, true)
	}

	s.lastCheck = time.Now()
	s.log.Debug("schedules loaded",
		logx.Int("agent_schedules", len(scheds)),
		logx.Int("process_schedules", len(procs)),
		logx.Int("registered", registered))
	return nil
}

// persistNextRun recomputes next_run_at from the expression and stores
// it so API consumers see the same time the engine will fire at.
func (s *Service) persistNextRun(ctx context.Context, id, expr, tz string, process bool) {
	tzName := tz
	if tzName == "" {
		tzName = s.cfg.DefaultTimezone
	}
	next, err := trigger.NextRun(expr, tzName, time.Now())
	if err != nil {
		return
	}
	if process {
		err = s.store.UpdateProcessScheduleRunTimes(ctx, id, nil, &next)
	} else {
		err = s.store.UpdateScheduleRunTimes(ctx, id, nil, &next)
	}
	if err != nil {
		s.log.Warn("next run persist failed", logx.String("schedule", id), logx.Err(err))
	}
}

func (s *Service) reloadLoop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.ReloadInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.ReloadSchedules(ctx); err != nil {
				s.log.Error("schedule reload failed", logx.Err(err))
			}
		}
	}
}

func (s *Service) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.ReloadInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.store.SweepStaleExecutions(ctx, staleSweepFactor*s.cfg.ExecutorTimeout)
			if err != nil {
				s.log.Error("stale execution sweep failed", logx.Err(err))
				continue
			}
			if n > 0 {
				s.log.Warn("marked abandoned executions as failed", logx.Int("count", n))
			}
		}
	}
}

// release lets fires release their lock even when the caller context is
// already cancelled (shutdown mid-execution).
func (s *Service) release(l *lock.Lock, log logx.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if _, err := l.Release(ctx); err != nil {
		log.Warn("lock release failed", logx.String("lock", l.Name()), logx.Err(err))
	}
}

// timeoutFor picks the per-schedule override when present.
func (s *Service) timeoutFor(timeoutSeconds int) time.Duration {
	if timeoutSeconds > 0 {
		return time.Duration(timeoutSeconds) * time.Second
	}
	return s.cfg.ExecutorTimeout
}
