package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a schedule or execution id is unknown.
	ErrNotFound = errors.New("store: not found")
	// ErrNotRunning is returned when a terminal update targets an
	// execution that is not in status running.
	ErrNotRunning = errors.New("store: execution is not running")
)

// ExecutionStatus is the lifecycle state of one execution attempt.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusSuccess   ExecutionStatus = "success"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status ends an execution's lifecycle.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// TriggerSource records why an execution started.
type TriggerSource string

const (
	TriggerSchedule TriggerSource = "schedule"
	TriggerManual   TriggerSource = "manual"
	TriggerAPI      TriggerSource = "api"
)

// Schedule is a persisted agent-targeted schedule definition.
//
// CronExpression always has exactly 5 space-separated fields
// (minute hour day month day-of-week). NextRunAt reflects the next fire
// time consistent with CronExpression and Timezone as of the last
// (re)computation.
type Schedule struct {
	ID             string
	AgentName      string
	Name           string
	CronExpression string
	Message        string
	Enabled        bool
	Timezone       string // IANA name, "" means UTC
	Description    string
	OwnerID        string
	TimeoutSeconds int // optional newer column; 0 means use the default

	CreatedAt time.Time
	UpdatedAt time.Time
	LastRunAt *time.Time
	NextRunAt *time.Time
}

// Usage carries the observability extras an executor may report.
type Usage struct {
	ContextUsed  int
	ContextMax   int
	Cost         float64
	ToolCalls    int
	ExecutionLog string
}

// Execution is one concrete attempt to run a schedule's payload.
//
// CompletedAt and DurationMS are set together, exactly once, when the
// status transitions from running to a terminal state.
type Execution struct {
	ID          string
	ScheduleID  string
	AgentName   string
	Status      ExecutionStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	DurationMS  *int64
	Message     string
	Response    string
	Error       string
	TriggeredBy TriggerSource
	Usage       Usage
}

// ProcessSchedule is a schedule whose payload identifies a workflow
// definition (process id + trigger id) rather than a free-text message.
// (ProcessID, TriggerID) is unique among process schedules.
type ProcessSchedule struct {
	ID             string
	ProcessID      string
	TriggerID      string
	Name           string
	CronExpression string
	Enabled        bool
	Timezone       string
	Description    string

	CreatedAt time.Time
	UpdatedAt time.Time
	LastRunAt *time.Time
	NextRunAt *time.Time
}

// ProcessExecution tracks one workflow-schedule fire. Completion records
// the foreign execution id returned by the workflow API, not a response
// body.
type ProcessExecution struct {
	ID                  string
	ScheduleID          string
	ProcessID           string
	TriggerID           string
	Status              ExecutionStatus
	StartedAt           time.Time
	CompletedAt         *time.Time
	DurationMS          *int64
	WorkflowExecutionID string
	Error               string
	TriggeredBy         TriggerSource
}

// ExecutionResult is the single terminal update applied to a running
// execution.
type ExecutionResult struct {
	Status   ExecutionStatus
	Response string
	Error    string
	Usage    Usage
}
