package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateExecution inserts a new execution row in status running and
// returns it. The id is generated here.
func (s *Store) CreateExecution(ctx context.Context, sched Schedule, message string, source TriggerSource) (Execution, error) {
	ex := Execution{
		ID:          uuid.NewString(),
		ScheduleID:  sched.ID,
		AgentName:   sched.AgentName,
		Status:      StatusRunning,
		StartedAt:   time.Now().UTC(),
		Message:     message,
		TriggeredBy: source,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_executions (id, schedule_id, agent_name, status, started_at, message, triggered_by)
		 VALUES (?,?,?,?,?,?,?)`,
		ex.ID, ex.ScheduleID, ex.AgentName, string(ex.Status), formatTime(ex.StartedAt),
		nullStr(ex.Message), string(ex.TriggeredBy))
	if err != nil {
		return Execution{}, fmt.Errorf("store: create execution: %w", err)
	}
	return ex, nil
}

// CompleteExecution applies the single terminal update: status,
// response/error, observability extras, and completed_at/duration_ms
// computed against the stored started_at. An execution that is not in
// status running is left untouched and ErrNotRunning is returned.
func (s *Store) CompleteExecution(ctx context.Context, id string, res ExecutionResult) (Execution, error) {
	if !res.Status.Terminal() {
		return Execution{}, fmt.Errorf("store: %q is not a terminal status", res.Status)
	}

	cur, err := s.GetExecution(ctx, id)
	if err != nil {
		return Execution{}, err
	}

	now := time.Now().UTC()
	duration := now.Sub(cur.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	r, err := s.db.ExecContext(ctx,
		`UPDATE schedule_executions
		 SET status = ?, completed_at = ?, duration_ms = ?, response = ?, error = ?,
		     context_used = ?, context_max = ?, cost = ?, tool_calls = ?, execution_log = ?
		 WHERE id = ? AND status = ?`,
		string(res.Status), formatTime(now), duration, nullStr(res.Response), nullStr(res.Error),
		res.Usage.ContextUsed, res.Usage.ContextMax, res.Usage.Cost, res.Usage.ToolCalls,
		nullStr(res.Usage.ExecutionLog),
		id, string(StatusRunning))
	if err != nil {
		return Execution{}, fmt.Errorf("store: complete execution: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return Execution{}, ErrNotRunning
	}
	return s.GetExecution(ctx, id)
}

// GetExecution fetches one execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (Execution, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM schedule_executions WHERE id = ?", id)
	if err != nil {
		return Execution{}, err
	}
	defer rows.Close()

	raw, err := scanRows(rows)
	if err != nil {
		return Execution{}, err
	}
	if len(raw) == 0 {
		return Execution{}, ErrNotFound
	}
	return decodeExecution(raw[0])
}

// ListExecutions returns the most recent executions for a schedule,
// newest first.
func (s *Store) ListExecutions(ctx context.Context, scheduleID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT * FROM schedule_executions WHERE schedule_id = ? ORDER BY started_at DESC LIMIT ?",
		scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	raw, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	out := make([]Execution, 0, len(raw))
	for _, r := range raw {
		ex, err := decodeExecution(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, nil
}

// SweepStaleExecutions marks running rows (in both execution tables)
// older than the cutoff as failed. This reconciles rows orphaned by a
// scheduler process that crashed between creating the record and
// writing its terminal update.
func (s *Store) SweepStaleExecutions(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))
	now := formatTime(time.Now())
	const reason = "abandoned: scheduler terminated before completion"

	total := 0
	for _, table := range []string{"schedule_executions", "process_schedule_executions"} {
		r, err := s.db.ExecContext(ctx,
			`UPDATE `+table+`
			 SET status = ?, completed_at = ?, error = ?,
			     duration_ms = CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER)
			 WHERE status = ? AND started_at < ?`,
			string(StatusFailed), now, reason, now, string(StatusRunning), cutoff)
		if err != nil {
			return total, fmt.Errorf("store: sweep %s: %w", table, err)
		}
		n, _ := r.RowsAffected()
		total += int(n)
	}
	return total, nil
}
