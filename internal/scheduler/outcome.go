package scheduler

// OutcomeKind classifies what happened to one fire attempt. Contention
// and gating are expected control flow under multi-instance operation,
// not errors; only Failed carries an error.
type OutcomeKind int

const (
	// OutcomeExecuted: an execution was created and completed successfully.
	OutcomeExecuted OutcomeKind = iota
	// OutcomeSkippedContended: another instance (or an overlapping manual
	// trigger) holds the schedule lock. No execution record is created.
	OutcomeSkippedContended
	// OutcomeSkippedDisabled: the schedule was disabled between trigger
	// registration and fire. No execution record is created.
	OutcomeSkippedDisabled
	// OutcomeSkippedAutonomyOff: the target agent's autonomous-execution
	// flag is off. No execution record is created.
	OutcomeSkippedAutonomyOff
	// OutcomeNotFound: the schedule row no longer exists.
	OutcomeNotFound
	// OutcomeFailed: the execution failed (executor error/timeout) or an
	// infrastructure error aborted the fire. If an execution record was
	// created it has been marked failed.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeExecuted:
		return "executed"
	case OutcomeSkippedContended:
		return "skipped_contended"
	case OutcomeSkippedDisabled:
		return "skipped_disabled"
	case OutcomeSkippedAutonomyOff:
		return "skipped_autonomy_off"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of one fire attempt.
type Outcome struct {
	Kind        OutcomeKind
	ExecutionID string
	Err         error
}

func executed(executionID string) Outcome {
	return Outcome{Kind: OutcomeExecuted, ExecutionID: executionID}
}

func skipped(kind OutcomeKind) Outcome { return Outcome{Kind: kind} }

func failed(executionID string, err error) Outcome {
	return Outcome{Kind: OutcomeFailed, ExecutionID: executionID, Err: err}
}
