// Package queue provides the durable broker that delivers task invocations
// to workers.
//
// Jobs are rows in the jobs table. Enqueue returns the job id, which callers
// keep as an opaque handle for Revoke and Reprioritize. Delivery is
// at-least-once: a job whose worker stops heartbeating is released back to
// pending and delivered again.
package queue
