package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func (s *Store) querySchedules(ctx context.Context, where string, args ...any) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM agent_schedules "+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	raw, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	out := make([]Schedule, 0, len(raw))
	for _, r := range raw {
		sc, err := decodeSchedule(r)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// ListEnabledSchedules returns every schedule eligible for cron firing.
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]Schedule, error) {
	return s.querySchedules(ctx, "WHERE enabled = 1 ORDER BY id")
}

// ListSchedules returns all schedules regardless of enabled state.
// Used for drift detection on reload.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	return s.querySchedules(ctx, "ORDER BY id")
}

// ListSchedulesForAgent returns every schedule targeting one agent.
func (s *Store) ListSchedulesForAgent(ctx context.Context, agentName string) ([]Schedule, error) {
	return s.querySchedules(ctx, "WHERE agent_name = ? ORDER BY id", agentName)
}

// GetSchedule fetches one schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	list, err := s.querySchedules(ctx, "WHERE id = ?", id)
	if err != nil {
		return Schedule{}, err
	}
	if len(list) == 0 {
		return Schedule{}, ErrNotFound
	}
	return list[0], nil
}

// AgentAutonomyEnabled reports the target agent's autonomous-execution
// flag: a gate independent of the schedule's enabled flag. A missing
// agent row reads as false.
func (s *Store) AgentAutonomyEnabled(ctx context.Context, agentName string) (bool, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		"SELECT autonomous_execution FROM agents WHERE name = ?", agentName).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		// A deployment without the platform's agents table gates closed
		// rather than erroring every fire.
		if strings.Contains(err.Error(), "no such table") {
			return false, nil
		}
		return false, err
	}
	return v != 0, nil
}

// CreateSchedule inserts an agent schedule definition. The scheduler
// itself only reads schedules; this exists for the CRUD surface and
// for seeding.
func (s *Store) CreateSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sc.CreatedAt = now
	sc.UpdatedAt = now
	if sc.Timezone == "" {
		sc.Timezone = "UTC"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_schedules (id, agent_name, name, cron_expression, message, enabled, timezone, description, owner_id, timeout_seconds, created_at, updated_at, next_run_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sc.ID, sc.AgentName, sc.Name, sc.CronExpression, sc.Message,
		boolToInt(sc.Enabled), sc.Timezone, nullStr(sc.Description), nullStr(sc.OwnerID),
		sc.TimeoutSeconds, formatTime(now), formatTime(now), nullTime(sc.NextRunAt))
	if err != nil {
		return Schedule{}, fmt.Errorf("store: create schedule: %w", err)
	}
	return sc, nil
}

// SetScheduleEnabled flips the enabled flag, mimicking the external
// control surface the scheduler must re-sync against.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE agent_schedules SET enabled = ?, updated_at = ? WHERE id = ?",
		boolToInt(enabled), formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureAgent upserts an agent row with its autonomy flag. The agents
// table is platform-owned in production; this helper provisions a
// minimal version for development and tests.
func (s *Store) EnsureAgent(ctx context.Context, name string, autonomous bool) error {
	_, err := s.db.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS agents (name TEXT PRIMARY KEY, autonomous_execution INTEGER NOT NULL DEFAULT 0)")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (name, autonomous_execution) VALUES (?,?)
		 ON CONFLICT(name) DO UPDATE SET autonomous_execution = excluded.autonomous_execution`,
		name, boolToInt(autonomous))
	return err
}

// UpdateScheduleRunTimes persists last_run_at/next_run_at after a fire
// or a reload so external status views stay accurate between fires.
func (s *Store) UpdateScheduleRunTimes(ctx context.Context, id string, lastRun, nextRun *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE agent_schedules SET last_run_at = COALESCE(?, last_run_at), next_run_at = ?, updated_at = ? WHERE id = ?",
		nullTime(lastRun), nullTime(nextRun), formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
