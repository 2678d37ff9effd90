// Package store is the persistence boundary over the shared relational
// datastore.
//
// The scheduler owns four tables (agent_schedules, schedule_executions,
// process_schedules, process_schedule_executions) inside a database file
// shared with the rest of the platform. Every operation opens a
// short-lived statement and commits immediately; nothing here holds a
// transaction across a network call.
//
// Row hydration is column-presence checked: optional columns added in
// newer schema revisions (cost, tool_calls, execution_log, ...) decode
// to zero values when the deployed schema predates them.
package store
