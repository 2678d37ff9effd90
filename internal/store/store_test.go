package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"agentsched/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "scheduler.db"), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func seedSchedule(t *testing.T, s *Store, sc Schedule) Schedule {
	t.Helper()
	if sc.Name == "" {
		sc.Name = "test schedule"
	}
	if sc.AgentName == "" {
		sc.AgentName = "agent-a"
	}
	if sc.CronExpression == "" {
		sc.CronExpression = "0 9 * * *"
	}
	if sc.Message == "" {
		sc.Message = "daily report"
	}
	out, err := s.CreateSchedule(context.Background(), sc)
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return out
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	// Second run must not error and must leave existing rows intact.
	sc := seedSchedule(t, s, Schedule{Enabled: true})
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("second EnsureSchema: %v", err)
	}
	got, err := s.GetSchedule(context.Background(), sc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != sc.Name {
		t.Fatalf("schedule changed after re-provision: %+v", got)
	}
}

func TestScheduleReads(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	enabled := seedSchedule(t, s, Schedule{Enabled: true, AgentName: "agent-a"})
	disabled := seedSchedule(t, s, Schedule{Enabled: false, AgentName: "agent-b"})

	on, err := s.ListEnabledSchedules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(on) != 1 || on[0].ID != enabled.ID {
		t.Fatalf("ListEnabledSchedules = %+v", on)
	}

	all, err := s.ListSchedules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("ListSchedules len = %d, want 2", len(all))
	}

	byAgent, err := s.ListSchedulesForAgent(ctx, "agent-b")
	if err != nil {
		t.Fatal(err)
	}
	if len(byAgent) != 1 || byAgent[0].ID != disabled.ID {
		t.Fatalf("ListSchedulesForAgent = %+v", byAgent)
	}

	if _, err := s.GetSchedule(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSchedule(unknown) err = %v, want ErrNotFound", err)
	}
}

func TestAgentAutonomyFlag(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	// No agents table yet: gates closed, no error.
	on, err := s.AgentAutonomyEnabled(ctx, "agent-a")
	if err != nil || on {
		t.Fatalf("autonomy without table = (%v, %v), want (false, nil)", on, err)
	}

	if err := s.EnsureAgent(ctx, "agent-a", true); err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureAgent(ctx, "agent-b", false); err != nil {
		t.Fatal(err)
	}

	if on, _ := s.AgentAutonomyEnabled(ctx, "agent-a"); !on {
		t.Fatal("agent-a autonomy should be on")
	}
	if on, _ := s.AgentAutonomyEnabled(ctx, "agent-b"); on {
		t.Fatal("agent-b autonomy should be off")
	}
	if on, _ := s.AgentAutonomyEnabled(ctx, "missing"); on {
		t.Fatal("missing agent should gate closed")
	}
}

func TestExecutionLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	sc := seedSchedule(t, s, Schedule{Enabled: true})

	ex, err := s.CreateExecution(ctx, sc, sc.Message, TriggerSchedule)
	if err != nil {
		t.Fatal(err)
	}
	if ex.Status != StatusRunning {
		t.Fatalf("new execution status = %s", ex.Status)
	}
	if ex.CompletedAt != nil || ex.DurationMS != nil {
		t.Fatal("new execution must not carry completion fields")
	}

	done, err := s.CompleteExecution(ctx, ex.ID, ExecutionResult{
		Status:   StatusSuccess,
		Response: "ok",
		Usage:    Usage{ContextUsed: 10, ContextMax: 100, Cost: 0.25, ToolCalls: 3, ExecutionLog: "ran"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusSuccess {
		t.Fatalf("status = %s, want success", done.Status)
	}
	if done.CompletedAt == nil || done.DurationMS == nil {
		t.Fatal("terminal execution must carry completed_at and duration_ms together")
	}
	if *done.DurationMS < 0 {
		t.Fatalf("duration_ms = %d, want >= 0", *done.DurationMS)
	}
	if done.Response != "ok" || done.Usage.Cost != 0.25 || done.Usage.ToolCalls != 3 {
		t.Fatalf("unexpected terminal row: %+v", done)
	}

	// The terminal transition happens exactly once.
	if _, err := s.CompleteExecution(ctx, ex.ID, ExecutionResult{Status: StatusFailed, Error: "late"}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second terminal update err = %v, want ErrNotRunning", err)
	}
	again, _ := s.GetExecution(ctx, ex.ID)
	if again.Status != StatusSuccess || again.Error != "" {
		t.Fatalf("terminal row mutated by second update: %+v", again)
	}
}

func TestCompleteExecutionRejectsNonTerminal(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	sc := seedSchedule(t, s, Schedule{Enabled: true})
	ex, err := s.CreateExecution(context.Background(), sc, "m", TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CompleteExecution(context.Background(), ex.ID, ExecutionResult{Status: StatusRunning}); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}

func TestUpdateScheduleRunTimes(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	sc := seedSchedule(t, s, Schedule{Enabled: true})

	last := time.Now().UTC().Truncate(time.Second)
	next := last.Add(24 * time.Hour)
	if err := s.UpdateScheduleRunTimes(ctx, sc.ID, &last, &next); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(last) {
		t.Fatalf("last_run_at = %v, want %v", got.LastRunAt, last)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, next)
	}

	if err := s.UpdateScheduleRunTimes(ctx, "nope", &last, &next); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id err = %v, want ErrNotFound", err)
	}
}

func TestProcessScheduleLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ps, err := s.CreateProcessSchedule(ctx, ProcessSchedule{
		ProcessID:      "proc-1",
		TriggerID:      "trig-1",
		Name:           "nightly export",
		CronExpression: "30 2 * * *",
		Enabled:        true,
	})
	if err != nil {
		t.Fatal(err)
	}

	// (process_id, trigger_id) is unique.
	if _, err := s.CreateProcessSchedule(ctx, ProcessSchedule{
		ProcessID: "proc-1", TriggerID: "trig-1", Name: "dup", CronExpression: "0 0 * * *",
	}); err == nil {
		t.Fatal("expected uniqueness violation for duplicate (process_id, trigger_id)")
	}

	on, err := s.ListEnabledProcessSchedules(ctx)
	if err != nil || len(on) != 1 {
		t.Fatalf("ListEnabledProcessSchedules = (%v, %v)", on, err)
	}

	ex, err := s.CreateProcessExecution(ctx, ps, TriggerSchedule)
	if err != nil {
		t.Fatal(err)
	}
	done, err := s.CompleteProcessExecution(ctx, ex.ID, StatusSuccess, "wf-exec-42", "")
	if err != nil {
		t.Fatal(err)
	}
	if done.WorkflowExecutionID != "wf-exec-42" {
		t.Fatalf("workflow execution id = %q", done.WorkflowExecutionID)
	}
	if done.CompletedAt == nil || done.DurationMS == nil || *done.DurationMS < 0 {
		t.Fatalf("bad completion fields: %+v", done)
	}
}

func TestSweepStaleExecutions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	sc := seedSchedule(t, s, Schedule{Enabled: true})

	stale, err := s.CreateExecution(ctx, sc, "m", TriggerSchedule)
	if err != nil {
		t.Fatal(err)
	}
	// Backdate the row to simulate a crashed owner.
	if _, err := s.db.ExecContext(ctx,
		"UPDATE schedule_executions SET started_at = ? WHERE id = ?",
		formatTime(time.Now().Add(-time.Hour)), stale.ID); err != nil {
		t.Fatal(err)
	}

	fresh, err := s.CreateExecution(ctx, sc, "m", TriggerSchedule)
	if err != nil {
		t.Fatal(err)
	}

	n, err := s.SweepStaleExecutions(ctx, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("swept %d rows, want 1", n)
	}

	got, _ := s.GetExecution(ctx, stale.ID)
	if got.Status != StatusFailed || got.CompletedAt == nil {
		t.Fatalf("stale row not reconciled: %+v", got)
	}
	if got.Error == "" {
		t.Fatal("swept row should carry an error")
	}

	untouched, _ := s.GetExecution(ctx, fresh.ID)
	if untouched.Status != StatusRunning {
		t.Fatalf("fresh running row was swept: %+v", untouched)
	}
}

func TestLegacySchemaHydration(t *testing.T) {
	t.Parallel()
	// A database provisioned before the observability columns existed.
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "legacy.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	ddl := `
	CREATE TABLE agent_schedules (
		id TEXT PRIMARY KEY, agent_name TEXT, name TEXT, cron_expression TEXT,
		message TEXT, enabled INTEGER, timezone TEXT, created_at TEXT, updated_at TEXT
	);
	CREATE TABLE schedule_executions (
		id TEXT PRIMARY KEY, schedule_id TEXT, agent_name TEXT, status TEXT,
		started_at TEXT, completed_at TEXT, duration_ms INTEGER,
		message TEXT, response TEXT, error TEXT, triggered_by TEXT
	);`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_schedules (id, agent_name, name, cron_expression, message, enabled, timezone)
		 VALUES ('s1','a','old','0 9 * * *','hi',1,'UTC')`); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_executions (id, schedule_id, agent_name, status, started_at)
		 VALUES ('e1','s1','a','running',?)`, formatTime(time.Now())); err != nil {
		t.Fatal(err)
	}

	// Optional columns (owner_id, timeout_seconds, cost, tool_calls, ...)
	// are absent; hydration must default them, not error.
	sched, err := s.GetSchedule(ctx, "s1")
	if err != nil {
		t.Fatalf("legacy schedule hydration: %v", err)
	}
	if sched.TimeoutSeconds != 0 || sched.OwnerID != "" {
		t.Fatalf("legacy defaults wrong: %+v", sched)
	}

	ex, err := s.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatalf("legacy execution hydration: %v", err)
	}
	if ex.Usage.Cost != 0 || ex.Usage.ToolCalls != 0 || ex.Usage.ExecutionLog != "" {
		t.Fatalf("legacy usage defaults wrong: %+v", ex.Usage)
	}
}
