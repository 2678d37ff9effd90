// Package events carries schedule-lifecycle events from the scheduler
// to in-process observers and, via the lock store's pub/sub channel, to
// the rest of the platform.
package events

import (
	"encoding/json"
	"time"
)

// Event type names on the wire.
const (
	TypeScheduleExecutionStarted          = "schedule_execution_started"
	TypeScheduleExecutionCompleted        = "schedule_execution_completed"
	TypeProcessScheduleExecutionStarted   = "process_schedule_execution_started"
	TypeProcessScheduleExecutionCompleted = "process_schedule_execution_completed"
)

// DefaultChannel is the single pub/sub topic events are published on.
const DefaultChannel = "agentsched:events"

// Event is one lifecycle notification. Fields are flattened next to
// "type" in the JSON encoding, matching what external subscribers
// expect: {"type": "...", "schedule_id": "...", ...}.
type Event struct {
	Type   string
	Time   time.Time
	Fields map[string]any
}

func New(typ string, fields map[string]any) Event {
	return Event{Type: typ, Time: time.Now().UTC(), Fields: fields}
}

func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		m[k] = v
	}
	m["type"] = e.Type
	if !e.Time.IsZero() {
		m["time"] = e.Time.Format(time.RFC3339Nano)
	}
	return json.Marshal(m)
}
