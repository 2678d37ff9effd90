package scheduler

import (
	"context"
	"errors"
	"time"

	"agentsched/internal/events"
	"agentsched/internal/store"
	"agentsched/internal/trigger"
	"agentsched/pkg/logx"
)

// maxResponseBytes caps the stored response body. Longer responses are
// truncated with a marker so a giant reply cannot bloat the database.
const maxResponseBytes = 32 * 1024

const truncationMarker = "\n... [truncated]"

func truncateResponse(s string) string {
	if len(s) <= maxResponseBytes {
		return s
	}
	return s[:maxResponseBytes] + truncationMarker
}

// FireSchedule runs one execution attempt for an agent schedule.
//
// The distributed lock is acquired first so that concurrent instances
// (or an overlapping manual trigger) collapse to a single execution.
// The schedule row is re-fetched under the lock, so gating decisions
// always see current state.
func (s *Service) FireSchedule(ctx context.Context, scheduleID string, source store.TriggerSource) Outcome {
	log := s.log.With(
		logx.String("schedule", scheduleID),
		logx.String("source", string(source)))

	l, err := s.locks.TryAcquireScheduleLock(ctx, scheduleID)
	if err != nil {
		log.Error("lock acquire failed", logx.Err(err))
		return failed("", err)
	}
	if l == nil {
		log.Info("schedule is executing elsewhere, skipping")
		return skipped(OutcomeSkippedContended)
	}
	defer s.release(l, log)

	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("schedule no longer exists, skipping")
		return skipped(OutcomeNotFound)
	}
	if err != nil {
		log.Error("schedule fetch failed", logx.Err(err))
		return failed("", err)
	}
	if !sched.Enabled {
		log.Info("schedule disabled, skipping")
		return skipped(OutcomeSkippedDisabled)
	}
	if source == store.TriggerSchedule {
		on, err := s.store.AgentAutonomyEnabled(ctx, sched.AgentName)
		if err != nil {
			log.Error("autonomy lookup failed", logx.String("agent", sched.AgentName), logx.Err(err))
			return failed("", err)
		}
		if !on {
			log.Info("agent autonomy disabled, skipping", logx.String("agent", sched.AgentName))
			return skipped(OutcomeSkippedAutonomyOff)
		}
	}

	ex, err := s.store.CreateExecution(ctx, sched, sched.Message, source)
	if err != nil {
		log.Error("execution create failed", logx.Err(err))
		return failed("", err)
	}
	log = log.With(logx.String("execution", ex.ID))

	s.bus.Publish(events.New(events.TypeScheduleExecutionStarted, map[string]any{
		"schedule_id":  sched.ID,
		"execution_id": ex.ID,
		"agent_name":   sched.AgentName,
		"triggered_by": string(source),
	}))
	if s.activity != nil {
		s.activity.RecordStarted(ctx, sched.ID, ex.ID)
	}

	timeout := s.timeoutFor(sched.TimeoutSeconds)
	started := time.Now()
	res, callErr := s.agents.Send(ctx, sched.AgentName, sched.Message, timeout)
	elapsed := time.Since(started)

	var out Outcome
	result := store.ExecutionResult{}
	if callErr != nil {
		result.Status = store.StatusFailed
		result.Error = callErr.Error()
		out = failed(ex.ID, callErr)
		log.Warn("schedule execution failed", logx.Duration("elapsed", elapsed), logx.Err(callErr))
	} else {
		result.Status = store.StatusSuccess
		result.Response = truncateResponse(res.Response)
		result.Usage = store.Usage{
			ContextUsed:  res.ContextUsed,
			ContextMax:   res.ContextMax,
			Cost:         res.Cost,
			ToolCalls:    res.ToolCalls,
			ExecutionLog: res.ExecutionLog,
		}
		out = executed(ex.ID)
		log.Info("schedule executed", logx.Duration("elapsed", elapsed))
	}

	done, err := s.store.CompleteExecution(ctx, ex.ID, result)
	if err != nil {
		// The sweep or a cancel already closed the row; the completed
		// event still reflects what this attempt observed.
		log.Warn("terminal update rejected", logx.Err(err))
	}

	completedFields := map[string]any{
		"schedule_id":  sched.ID,
		"execution_id": ex.ID,
		"agent_name":   sched.AgentName,
		"status":       string(result.Status),
		"triggered_by": string(source),
		"duration_ms":  elapsed.Milliseconds(),
	}
	if done.DurationMS != nil {
		completedFields["duration_ms"] = *done.DurationMS
	}
	if result.Error != "" {
		completedFields["error"] = result.Error
	}
	s.bus.Publish(events.New(events.TypeScheduleExecutionCompleted, completedFields))
	if s.activity != nil {
		s.activity.RecordCompleted(ctx, sched.ID, ex.ID, string(result.Status))
	}

	now := time.Now()
	next, nerr := trigger.NextRun(sched.CronExpression, s.tzFor(sched.Timezone), now)
	if nerr == nil {
		if err := s.store.UpdateScheduleRunTimes(ctx, sched.ID, &now, &next); err != nil {
			log.Warn("run time update failed", logx.Err(err))
		}
	}
	return out
}

func (s *Service) tzFor(tz string) string {
	if tz != "" {
		return tz
	}
	return s.cfg.DefaultTimezone
}
