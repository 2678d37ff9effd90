package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (s *Store) queryProcessSchedules(ctx context.Context, where string, args ...any) ([]ProcessSchedule, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM process_schedules "+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	raw, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	out := make([]ProcessSchedule, 0, len(raw))
	for _, r := range raw {
		ps, err := decodeProcessSchedule(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, nil
}

// ListProcessSchedules returns all workflow schedules.
func (s *Store) ListProcessSchedules(ctx context.Context) ([]ProcessSchedule, error) {
	return s.queryProcessSchedules(ctx, "ORDER BY id")
}

// ListEnabledProcessSchedules returns workflow schedules eligible for
// cron firing.
func (s *Store) ListEnabledProcessSchedules(ctx context.Context) ([]ProcessSchedule, error) {
	return s.queryProcessSchedules(ctx, "WHERE enabled = 1 ORDER BY id")
}

// GetProcessSchedule fetches one workflow schedule by id.
func (s *Store) GetProcessSchedule(ctx context.Context, id string) (ProcessSchedule, error) {
	list, err := s.queryProcessSchedules(ctx, "WHERE id = ?", id)
	if err != nil {
		return ProcessSchedule{}, err
	}
	if len(list) == 0 {
		return ProcessSchedule{}, ErrNotFound
	}
	return list[0], nil
}

// CreateProcessSchedule inserts a workflow schedule definition.
// (process_id, trigger_id) must be unique.
func (s *Store) CreateProcessSchedule(ctx context.Context, ps ProcessSchedule) (ProcessSchedule, error) {
	if ps.ID == "" {
		ps.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	ps.CreatedAt = now
	ps.UpdatedAt = now
	if ps.Timezone == "" {
		ps.Timezone = "UTC"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO process_schedules (id, process_id, trigger_id, name, cron_expression, enabled, timezone, description, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ps.ID, ps.ProcessID, ps.TriggerID, ps.Name, ps.CronExpression,
		boolToInt(ps.Enabled), ps.Timezone, nullStr(ps.Description),
		formatTime(now), formatTime(now))
	if err != nil {
		return ProcessSchedule{}, fmt.Errorf("store: create process schedule: %w", err)
	}
	return ps, nil
}

// CreateProcessExecution inserts a new workflow execution row in status
// running and returns it.
func (s *Store) CreateProcessExecution(ctx context.Context, ps ProcessSchedule, source TriggerSource) (ProcessExecution, error) {
	ex := ProcessExecution{
		ID:          uuid.NewString(),
		ScheduleID:  ps.ID,
		ProcessID:   ps.ProcessID,
		TriggerID:   ps.TriggerID,
		Status:      StatusRunning,
		StartedAt:   time.Now().UTC(),
		TriggeredBy: source,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO process_schedule_executions (id, schedule_id, process_id, trigger_id, status, started_at, triggered_by)
		 VALUES (?,?,?,?,?,?,?)`,
		ex.ID, ex.ScheduleID, ex.ProcessID, ex.TriggerID, string(ex.Status),
		formatTime(ex.StartedAt), string(ex.TriggeredBy))
	if err != nil {
		return ProcessExecution{}, fmt.Errorf("store: create process execution: %w", err)
	}
	return ex, nil
}

// CompleteProcessExecution applies the terminal update, recording the
// foreign execution id returned by the workflow API on success or the
// error text on failure.
func (s *Store) CompleteProcessExecution(ctx context.Context, id string, status ExecutionStatus, workflowExecutionID, errText string) (ProcessExecution, error) {
	if !status.Terminal() {
		return ProcessExecution{}, fmt.Errorf("store: %q is not a terminal status", status)
	}

	cur, err := s.GetProcessExecution(ctx, id)
	if err != nil {
		return ProcessExecution{}, err
	}

	now := time.Now().UTC()
	duration := now.Sub(cur.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	r, err := s.db.ExecContext(ctx,
		`UPDATE process_schedule_executions
		 SET status = ?, completed_at = ?, duration_ms = ?, workflow_execution_id = ?, error = ?
		 WHERE id = ? AND status = ?`,
		string(status), formatTime(now), duration, nullStr(workflowExecutionID), nullStr(errText),
		id, string(StatusRunning))
	if err != nil {
		return ProcessExecution{}, fmt.Errorf("store: complete process execution: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return ProcessExecution{}, ErrNotRunning
	}
	return s.GetProcessExecution(ctx, id)
}

// GetProcessExecution fetches one workflow execution by id.
func (s *Store) GetProcessExecution(ctx context.Context, id string) (ProcessExecution, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM process_schedule_executions WHERE id = ?", id)
	if err != nil {
		return ProcessExecution{}, err
	}
	defer rows.Close()

	raw, err := scanRows(rows)
	if err != nil {
		return ProcessExecution{}, err
	}
	if len(raw) == 0 {
		return ProcessExecution{}, ErrNotFound
	}
	return decodeProcessExecution(raw[0])
}

// UpdateProcessScheduleRunTimes persists last_run_at/next_run_at for a
// workflow schedule.
func (s *Store) UpdateProcessScheduleRunTimes(ctx context.Context, id string, lastRun, nextRun *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE process_schedules SET last_run_at = COALESCE(?, last_run_at), next_run_at = ?, updated_at = ? WHERE id = ?",
		nullTime(lastRun), nullTime(nextRun), formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
