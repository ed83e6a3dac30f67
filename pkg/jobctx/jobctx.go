// Package jobctx provides access to the executing broker job and the task
// it drives from inside a job function.
package jobctx

import (
	"context"
)

type jobContextKey struct{}

type taskIDKey struct{}

// JobContext describes the job a worker is executing.
type JobContext struct {
	JobID    string
	JobType  string
	Attempt  int
	WorkerID string
}

// WithJob attaches the executing job to ctx. Workers call this before
// invoking a job function.
func WithJob(ctx context.Context, jc *JobContext) context.Context {
	return context.WithValue(ctx, jobContextKey{}, jc)
}

// JobFromContext returns the executing job, or nil outside a job function.
func JobFromContext(ctx context.Context) *JobContext {
	jc, _ := ctx.Value(jobContextKey{}).(*JobContext)
	return jc
}

// JobIDFromContext returns the broker handle of the executing job, or "".
func JobIDFromContext(ctx context.Context) string {
	if jc := JobFromContext(ctx); jc != nil {
		return jc.JobID
	}
	return ""
}

// WithTaskID attaches the id of the task being run.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskIDFromContext returns the id of the task being run, or "".
func TaskIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}
