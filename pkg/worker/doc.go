// Package worker provides the polling worker pool that executes broker jobs.
//
// A Worker dequeues jobs by priority, runs them with a hard wall-clock
// ceiling, heartbeats their locks, and periodically releases locks left by
// crashed workers. With the scheduler enabled it also enqueues recurring
// jobs registered on the queue.
package worker
