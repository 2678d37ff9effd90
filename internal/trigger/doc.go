// Package trigger is the in-process cron job table.
//
// It maps job ids to parsed 5-field cron expressions and invokes a
// callback when a job is due. It is deliberately fleet-unaware: every
// scheduler instance runs its own engine, and the distributed lock
// layer (not this package) decides which instance's callback actually
// executes.
package trigger
