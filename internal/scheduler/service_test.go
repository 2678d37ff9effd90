package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"agentsched/internal/events"
	"agentsched/internal/executor"
	"agentsched/internal/lock"
	"agentsched/internal/lockstore"
	"agentsched/internal/store"
	"agentsched/pkg/logx"
)

type fakeAgent struct {
	mu     sync.Mutex
	calls  int
	result executor.AgentResult
	err    error
}

func (f *fakeAgent) Send(ctx context.Context, agentName, message string, timeout time.Duration) (executor.AgentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func (f *fakeAgent) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeWorkflow struct {
	mu     sync.Mutex
	calls  int
	execID string
	err    error
}

func (f *fakeWorkflow) StartProcess(ctx context.Context, processID, triggerID, scheduleID string, timeout time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.execID, f.err
}

type fakeActivity struct {
	mu        sync.Mutex
	started   []string
	completed []string
}

func (f *fakeActivity) RecordStarted(ctx context.Context, scheduleID, executionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, executionID)
}

func (f *fakeActivity) RecordCompleted(ctx context.Context, scheduleID, executionID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, status)
}

type testEnv struct {
	svc      *Service
	store    *store.Store
	locks    *lock.Manager
	agent    *fakeAgent
	workflow *fakeWorkflow
	activity *fakeActivity
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "scheduler.db"), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	locks := lock.NewManager(lockstore.NewMemory(), logx.Nop(), lock.ManagerConfig{
		TTL:        2 * time.Second,
		InstanceID: "test-instance",
	})
	agent := &fakeAgent{result: executor.AgentResult{Response: "done", ContextUsed: 10, ContextMax: 100, Cost: 0.02, ToolCalls: 3}}
	workflow := &fakeWorkflow{execID: "wf-exec-1"}
	activity := &fakeActivity{}
	svc := New(logx.Nop(), Config{
		InstanceID:      "test-instance",
		ReloadInterval:  time.Hour,
		ExecutorTimeout: 5 * time.Second,
	}, st, locks, events.NewBus(), agent, workflow, activity)
	return &testEnv{svc: svc, store: st, locks: locks, agent: agent, workflow: workflow, activity: activity}
}

func seedEnabledSchedule(t *testing.T, env *testEnv, agentName string, autonomous bool) store.Schedule {
	t.Helper()
	ctx := context.Background()
	if err := env.store.EnsureAgent(ctx, agentName, autonomous); err != nil {
		t.Fatalf("ensure agent: %v", err)
	}
	sc, err := env.store.CreateSchedule(ctx, store.Schedule{
		AgentName:      agentName,
		Name:           "morning briefing",
		CronExpression: "0 9 * * *",
		Message:        "summarize overnight activity",
		Enabled:        true,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return sc
}

func recvEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func TestFireScheduleSuccess(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	sc := seedEnabledSchedule(t, env, "agent-a", true)

	ch, unsub := env.svc.Bus().Subscribe(8)
	defer unsub()

	out := env.svc.FireSchedule(ctx, sc.ID, store.TriggerSchedule)
	if out.Kind != OutcomeExecuted {
		t.Fatalf("outcome = %s, want executed (err=%v)", out.Kind, out.Err)
	}
	if out.ExecutionID == "" {
		t.Fatal("expected an execution id")
	}

	ex, err := env.store.GetExecution(ctx, out.ExecutionID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if ex.Status != store.StatusSuccess {
		t.Fatalf("status = %s, want success", ex.Status)
	}
	if ex.Response != "done" {
		t.Fatalf("response = %q", ex.Response)
	}
	if ex.Usage.ToolCalls != 3 || ex.Usage.ContextUsed != 10 {
		t.Fatalf("usage not persisted: %+v", ex.Usage)
	}
	if ex.CompletedAt == nil || ex.DurationMS == nil {
		t.Fatal("terminal fields not set")
	}

	startedEv := recvEvent(t, ch)
	if startedEv.Type != events.TypeScheduleExecutionStarted {
		t.Fatalf("first event = %s", startedEv.Type)
	}
	doneEv := recvEvent(t, ch)
	if doneEv.Type != events.TypeScheduleExecutionCompleted {
		t.Fatalf("second event = %s", doneEv.Type)
	}
	if doneEv.Fields["status"] != string(store.StatusSuccess) {
		t.Fatalf("completed event status = %v", doneEv.Fields["status"])
	}

	got, err := env.store.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.LastRunAt == nil || got.NextRunAt == nil {
		t.Fatal("run times not persisted after fire")
	}

	env.activity.mu.Lock()
	defer env.activity.mu.Unlock()
	if len(env.activity.started) != 1 || len(env.activity.completed) != 1 {
		t.Fatalf("activity markers: started=%d completed=%d", len(env.activity.started), len(env.activity.completed))
	}
}

func TestFireScheduleContention(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	sc := seedEnabledSchedule(t, env, "agent-a", true)

	held, err := env.locks.TryAcquireScheduleLock(ctx, sc.ID)
	if err != nil || held == nil {
		t.Fatalf("pre-acquire lock: lock=%v err=%v", held, err)
	}
	defer held.Release(ctx)

	out := env.svc.FireSchedule(ctx, sc.ID, store.TriggerSchedule)
	if out.Kind != OutcomeSkippedContended {
		t.Fatalf("outcome = %s, want skipped_contended", out.Kind)
	}
	if env.agent.callCount() != 0 {
		t.Fatal("executor must not be called under contention")
	}
	exs, err := env.store.ListExecutions(ctx, sc.ID, 10)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(exs) != 0 {
		t.Fatalf("contended fire created %d execution rows", len(exs))
	}
}

func TestFireScheduleDisabled(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	sc := seedEnabledSchedule(t, env, "agent-a", true)
	if err := env.store.SetScheduleEnabled(ctx, sc.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	out := env.svc.FireSchedule(ctx, sc.ID, store.TriggerSchedule)
	if out.Kind != OutcomeSkippedDisabled {
		t.Fatalf("outcome = %s, want skipped_disabled", out.Kind)
	}
	if env.agent.callCount() != 0 {
		t.Fatal("executor must not be called for a disabled schedule")
	}
}

func TestFireScheduleAutonomyGate(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	sc := seedEnabledSchedule(t, env, "agent-passive", false)

	out := env.svc.FireSchedule(ctx, sc.ID, store.TriggerSchedule)
	if out.Kind != OutcomeSkippedAutonomyOff {
		t.Fatalf("scheduled fire outcome = %s, want skipped_autonomy_off", out.Kind)
	}
	if env.agent.callCount() != 0 {
		t.Fatal("executor must not be called when autonomy is off")
	}

	// Manual triggers bypass the autonomy gate.
	out = env.svc.FireSchedule(ctx, sc.ID, store.TriggerManual)
	if out.Kind != OutcomeExecuted {
		t.Fatalf("manual fire outcome = %s, want executed (err=%v)", out.Kind, out.Err)
	}
}

func TestFireScheduleNotFound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	out := env.svc.FireSchedule(context.Background(), "no-such-id", store.TriggerManual)
	if out.Kind != OutcomeNotFound {
		t.Fatalf("outcome = %s, want not_found", out.Kind)
	}
}

func TestFireScheduleExecutorFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	sc := seedEnabledSchedule(t, env, "agent-a", true)
	env.agent.err = errors.New("agent api: request timed out")

	ch, unsub := env.svc.Bus().Subscribe(8)
	defer unsub()

	out := env.svc.FireSchedule(ctx, sc.ID, store.TriggerSchedule)
	if out.Kind != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", out.Kind)
	}
	if out.ExecutionID == "" || out.Err == nil {
		t.Fatalf("failed outcome must carry execution id and error: %+v", out)
	}

	ex, err := env.store.GetExecution(ctx, out.ExecutionID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if ex.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", ex.Status)
	}
	if !strings.Contains(ex.Error, "timed out") {
		t.Fatalf("error text = %q", ex.Error)
	}

	recvEvent(t, ch) // started
	doneEv := recvEvent(t, ch)
	if doneEv.Fields["status"] != string(store.StatusFailed) {
		t.Fatalf("completed event status = %v", doneEv.Fields["status"])
	}
	if doneEv.Fields["error"] == nil {
		t.Fatal("completed event missing error field")
	}
}

func TestFireScheduleTruncatesResponse(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	sc := seedEnabledSchedule(t, env, "agent-a", true)
	env.agent.result.Response = strings.Repeat("x", maxResponseBytes+500)

	out := env.svc.FireSchedule(ctx, sc.ID, store.TriggerManual)
	if out.Kind != OutcomeExecuted {
		t.Fatalf("outcome = %s (err=%v)", out.Kind, out.Err)
	}
	ex, err := env.store.GetExecution(ctx, out.ExecutionID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if len(ex.Response) != maxResponseBytes+len(truncationMarker) {
		t.Fatalf("stored response length = %d", len(ex.Response))
	}
	if !strings.HasSuffix(ex.Response, truncationMarker) {
		t.Fatal("truncated response missing marker")
	}
}

func TestFireProcessSchedule(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	ps, err := env.store.CreateProcessSchedule(ctx, store.ProcessSchedule{
		ProcessID:      "proc-1",
		TriggerID:      "trig-1",
		Name:           "nightly pipeline",
		CronExpression: "30 2 * * *",
		Enabled:        true,
	})
	if err != nil {
		t.Fatalf("create process schedule: %v", err)
	}

	ch, unsub := env.svc.Bus().Subscribe(8)
	defer unsub()

	out := env.svc.FireProcessSchedule(ctx, ps.ID, store.TriggerSchedule)
	if out.Kind != OutcomeExecuted {
		t.Fatalf("outcome = %s (err=%v)", out.Kind, out.Err)
	}

	ex, err := env.store.GetProcessExecution(ctx, out.ExecutionID)
	if err != nil {
		t.Fatalf("get process execution: %v", err)
	}
	if ex.Status != store.StatusSuccess {
		t.Fatalf("status = %s", ex.Status)
	}
	if ex.WorkflowExecutionID != "wf-exec-1" {
		t.Fatalf("workflow execution id = %q", ex.WorkflowExecutionID)
	}

	recvEvent(t, ch) // started
	doneEv := recvEvent(t, ch)
	if doneEv.Type != events.TypeProcessScheduleExecutionCompleted {
		t.Fatalf("second event = %s", doneEv.Type)
	}
	if doneEv.Fields["workflow_execution_id"] != "wf-exec-1" {
		t.Fatalf("event workflow_execution_id = %v", doneEv.Fields["workflow_execution_id"])
	}
}

func TestFireProcessScheduleWorkflowFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	ps, err := env.store.CreateProcessSchedule(ctx, store.ProcessSchedule{
		ProcessID:      "proc-2",
		TriggerID:      "trig-2",
		Name:           "flaky pipeline",
		CronExpression: "0 * * * *",
		Enabled:        true,
	})
	if err != nil {
		t.Fatalf("create process schedule: %v", err)
	}
	env.workflow.execID = ""
	env.workflow.err = errors.New("workflow api: 503")

	out := env.svc.FireProcessSchedule(ctx, ps.ID, store.TriggerManual)
	if out.Kind != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", out.Kind)
	}
	ex, err := env.store.GetProcessExecution(ctx, out.ExecutionID)
	if err != nil {
		t.Fatalf("get process execution: %v", err)
	}
	if ex.Status != store.StatusFailed || !strings.Contains(ex.Error, "503") {
		t.Fatalf("execution = %+v", ex)
	}
}

func TestStartLoadsAndReloadDropsDisabled(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	sc := seedEnabledSchedule(t, env, "agent-a", true)

	if err := env.svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer env.svc.Stop(ctx)

	st := env.svc.Status()
	if !st.Running || st.JobsCount != 1 {
		t.Fatalf("status after start: running=%v jobs=%d", st.Running, st.JobsCount)
	}

	got, err := env.store.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.NextRunAt == nil {
		t.Fatal("next_run_at not persisted at load")
	}

	// An external writer disables the schedule; the next reload must
	// drop it from the engine.
	if err := env.store.SetScheduleEnabled(ctx, sc.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := env.svc.ReloadSchedules(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if n := env.svc.Status().JobsCount; n != 0 {
		t.Fatalf("jobs after reload = %d, want 0", n)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := env.svc.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	env.svc.Stop(ctx)
	env.svc.Stop(ctx)
	if env.svc.Running() {
		t.Fatal("service still running after stop")
	}
}

func TestConcurrentFiresSingleExecution(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	sc := seedEnabledSchedule(t, env, "agent-a", true)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 6)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = env.svc.FireSchedule(ctx, sc.ID, store.TriggerManual)
		}(i)
	}
	wg.Wait()

	executedN := 0
	for _, o := range outcomes {
		switch o.Kind {
		case OutcomeExecuted:
			executedN++
		case OutcomeSkippedContended:
		default:
			t.Fatalf("unexpected outcome %s (err=%v)", o.Kind, o.Err)
		}
	}
	if executedN < 1 {
		t.Fatal("no fire won the lock")
	}
	exs, err := env.store.ListExecutions(ctx, sc.ID, 20)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(exs) != executedN {
		t.Fatalf("execution rows = %d, executed outcomes = %d", len(exs), executedN)
	}
}
