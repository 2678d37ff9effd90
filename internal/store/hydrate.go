package store

import (
	"database/sql"
	"fmt"
	"time"
)

// row is one decoded result row keyed by column name. Queries use
// SELECT * so a schema revision that lacks an optional column simply
// never surfaces it; the per-table decoders below default it instead of
// erroring.
type row map[string]any

func scanRows(rows *sql.Rows) ([]row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		r := make(row, len(cols))
		for i, c := range cols {
			r[c] = vals[i]
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (r row) str(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func (r row) i64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func (r row) f64(col string) float64 {
	switch v := r[col].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func (r row) boolean(col string) bool { return r.i64(col) != 0 }

func (r row) timeVal(col string) time.Time {
	t, _ := parseTime(r.str(col))
	return t
}

func (r row) timePtr(col string) *time.Time {
	if t, ok := parseTime(r.str(col)); ok {
		return &t
	}
	return nil
}

func (r row) i64Ptr(col string) *int64 {
	if r[col] == nil {
		return nil
	}
	v := r.i64(col)
	return &v
}

// ---- fixed per-table decoders ----

func decodeSchedule(r row) (Schedule, error) {
	id := r.str("id")
	if id == "" {
		return Schedule{}, fmt.Errorf("store: agent_schedules row missing id")
	}
	return Schedule{
		ID:             id,
		AgentName:      r.str("agent_name"),
		Name:           r.str("name"),
		CronExpression: r.str("cron_expression"),
		Message:        r.str("message"),
		Enabled:        r.boolean("enabled"),
		Timezone:       r.str("timezone"),
		Description:    r.str("description"),
		OwnerID:        r.str("owner_id"),
		TimeoutSeconds: int(r.i64("timeout_seconds")),
		CreatedAt:      r.timeVal("created_at"),
		UpdatedAt:      r.timeVal("updated_at"),
		LastRunAt:      r.timePtr("last_run_at"),
		NextRunAt:      r.timePtr("next_run_at"),
	}, nil
}

func decodeExecution(r row) (Execution, error) {
	id := r.str("id")
	if id == "" {
		return Execution{}, fmt.Errorf("store: schedule_executions row missing id")
	}
	return Execution{
		ID:          id,
		ScheduleID:  r.str("schedule_id"),
		AgentName:   r.str("agent_name"),
		Status:      ExecutionStatus(r.str("status")),
		StartedAt:   r.timeVal("started_at"),
		CompletedAt: r.timePtr("completed_at"),
		DurationMS:  r.i64Ptr("duration_ms"),
		Message:     r.str("message"),
		Response:    r.str("response"),
		Error:       r.str("error"),
		TriggeredBy: TriggerSource(r.str("triggered_by")),
		Usage: Usage{
			ContextUsed:  int(r.i64("context_used")),
			ContextMax:   int(r.i64("context_max")),
			Cost:         r.f64("cost"),
			ToolCalls:    int(r.i64("tool_calls")),
			ExecutionLog: r.str("execution_log"),
		},
	}, nil
}

func decodeProcessSchedule(r row) (ProcessSchedule, error) {
	id := r.str("id")
	if id == "" {
		return ProcessSchedule{}, fmt.Errorf("store: process_schedules row missing id")
	}
	return ProcessSchedule{
		ID:             id,
		ProcessID:      r.str("process_id"),
		TriggerID:      r.str("trigger_id"),
		Name:           r.str("name"),
		CronExpression: r.str("cron_expression"),
		Enabled:        r.boolean("enabled"),
		Timezone:       r.str("timezone"),
		Description:    r.str("description"),
		CreatedAt:      r.timeVal("created_at"),
		UpdatedAt:      r.timeVal("updated_at"),
		LastRunAt:      r.timePtr("last_run_at"),
		NextRunAt:      r.timePtr("next_run_at"),
	}, nil
}

func decodeProcessExecution(r row) (ProcessExecution, error) {
	id := r.str("id")
	if id == "" {
		return ProcessExecution{}, fmt.Errorf("store: process_schedule_executions row missing id")
	}
	return ProcessExecution{
		ID:                  id,
		ScheduleID:          r.str("schedule_id"),
		ProcessID:           r.str("process_id"),
		TriggerID:           r.str("trigger_id"),
		Status:              ExecutionStatus(r.str("status")),
		StartedAt:           r.timeVal("started_at"),
		CompletedAt:         r.timePtr("completed_at"),
		DurationMS:          r.i64Ptr("duration_ms"),
		WorkflowExecutionID: r.str("workflow_execution_id"),
		Error:               r.str("error"),
		TriggeredBy:         TriggerSource(r.str("triggered_by")),
	}, nil
}
