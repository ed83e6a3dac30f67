// Package tasks is the Task Lifecycle Manager and Priority Scheduler.
//
// A Manager owns every status change of a task: it enforces the state
// machine
//
//	PENDING -> RUNNING -> {COMPLETED, FAILED}
//	PENDING | RUNNING | RETRYING -> CANCELED
//	FAILED -> RETRYING -> RUNNING
//
// and refuses to downgrade a terminal status from a late update. Work is
// handed to a Broker; the task row id is the only external identifier and
// the broker handle is kept purely for correlation.
//
// A Runner binds task-level functions to the broker so that deliveries
// drive the task through RUNNING to a terminal state.
package tasks
