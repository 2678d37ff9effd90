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

// FireProcessSchedule runs one execution attempt for a process
// schedule. The shape mirrors FireSchedule, with two differences: the
// payload starts a workflow run instead of sending an agent message,
// and there is no autonomy gate since process schedules are not bound
// to an agent.
func (s *Service) FireProcessSchedule(ctx context.Context, scheduleID string, source store.TriggerSource) Outcome {
	log := s.log.With(
		logx.String("process_schedule", scheduleID),
		logx.String("source", string(source)))

	l, err := s.locks.TryAcquireProcessLock(ctx, scheduleID)
	if err != nil {
		log.Error("lock acquire failed", logx.Err(err))
		return failed("", err)
	}
	if l == nil {
		log.Info("process schedule is executing elsewhere, skipping")
		return skipped(OutcomeSkippedContended)
	}
	defer s.release(l, log)

	ps, err := s.store.GetProcessSchedule(ctx, scheduleID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("process schedule no longer exists, skipping")
		return skipped(OutcomeNotFound)
	}
	if err != nil {
		log.Error("process schedule fetch failed", logx.Err(err))
		return failed("", err)
	}
	if !ps.Enabled {
		log.Info("process schedule disabled, skipping")
		return skipped(OutcomeSkippedDisabled)
	}

	ex, err := s.store.CreateProcessExecution(ctx, ps, source)
	if err != nil {
		log.Error("execution create failed", logx.Err(err))
		return failed("", err)
	}
	log = log.With(logx.String("execution", ex.ID))

	s.bus.Publish(events.New(events.TypeProcessScheduleExecutionStarted, map[string]any{
		"schedule_id":  ps.ID,
		"execution_id": ex.ID,
		"process_id":   ps.ProcessID,
		"trigger_id":   ps.TriggerID,
		"triggered_by": string(source),
	}))

	timeout := s.cfg.ExecutorTimeout
	started := time.Now()
	workflowExecID, callErr := s.workflows.StartProcess(ctx, ps.ProcessID, ps.TriggerID, ps.ID, timeout)
	elapsed := time.Since(started)

	var out Outcome
	status := store.StatusSuccess
	errText := ""
	if callErr != nil {
		status = store.StatusFailed
		errText = callErr.Error()
		out = failed(ex.ID, callErr)
		log.Warn("process schedule execution failed", logx.Duration("elapsed", elapsed), logx.Err(callErr))
	} else {
		out = executed(ex.ID)
		log.Info("process schedule executed",
			logx.String("workflow_execution", workflowExecID),
			logx.Duration("elapsed", elapsed))
	}

	done, err := s.store.CompleteProcessExecution(ctx, ex.ID, status, workflowExecID, errText)
	if err != nil {
		log.Warn("terminal update rejected", logx.Err(err))
	}

	completedFields := map[string]any{
		"schedule_id":  ps.ID,
		"execution_id": ex.ID,
		"process_id":   ps.ProcessID,
		"trigger_id":   ps.TriggerID,
		"status":       string(status),
		"triggered_by": string(source),
		"duration_ms":  elapsed.Milliseconds(),
	}
	if done.DurationMS != nil {
		completedFields["duration_ms"] = *done.DurationMS
	}
	if workflowExecID != "" {
		completedFields["workflow_execution_id"] = workflowExecID
	}
	if errText != "" {
		completedFields["error"] = errText
	}
	s.bus.Publish(events.New(events.TypeProcessScheduleExecutionCompleted, completedFields))

	now := time.Now()
	next, nerr := trigger.NextRun(ps.CronExpression, s.tzFor(ps.Timezone), now)
	if nerr == nil {
		if err := s.store.UpdateProcessScheduleRunTimes(ctx, ps.ID, &now, &next); err != nil {
			log.Warn("run time update failed", logx.Err(err))
		}
	}
	return out
}
