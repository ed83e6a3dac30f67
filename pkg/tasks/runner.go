package tasks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/jobctx"
	"github.com/jdziat/docpipe/pkg/queue"
)

// TaskFunc is the body of a task. The returned map is stored as the task
// result on success.
type TaskFunc func(ctx context.Context, task *core.Task) (map[string]any, error)

// Registrar accepts broker job functions. *queue.Queue implements it.
type Registrar interface {
	Register(name string, fn any, opts ...queue.Option)
}

// errHandoff is returned to the broker when a retry delivery arrives before
// the task row records its new handle.
var errHandoff = errors.New("task retry handoff pending")

// Runner binds TaskFuncs to broker jobs. Each delivery loads the task,
// moves it to RUNNING, runs the function and records COMPLETED or FAILED.
// Function errors are recorded on the task and not returned to the broker,
// so a failed task is only re-run through Manager.Retry.
type Runner struct {
	manager   *Manager
	registrar Registrar
}

// NewRunner creates a Runner.
func NewRunner(m *Manager, r Registrar) *Runner {
	return &Runner{manager: m, registrar: r}
}

// Register binds fn to the task name.
func (r *Runner) Register(name string, fn TaskFunc, opts ...queue.Option) {
	r.registrar.Register(name, func(ctx context.Context, args JobArgs) error {
		return r.run(ctx, args.TaskID, fn)
	}, opts...)
}

type outcome struct {
	result map[string]any
	err    error
}

func (r *Runner) run(ctx context.Context, taskID string, fn TaskFunc) error {
	m := r.manager
	// Registry writes must land after the job context ends.
	bookCtx := context.WithoutCancel(ctx)

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return core.NoRetry(core.NotFound("task", taskID))
	}

	switch {
	case task.Status == core.StatusFailed && task.BrokerHandle != jobctx.JobIDFromContext(ctx):
		return core.RetryAfter(handoffDelay, errHandoff)
	case task.Status.IsTerminal():
		m.logger.Info("skipping delivery of finished task", "task_id", taskID, "status", task.Status)
		return nil
	}

	task, err = m.UpdateStatus(ctx, taskID, StatusUpdate{Status: core.StatusRunning})
	if err != nil {
		return err
	}
	if task.Status != core.StatusRunning {
		return nil
	}

	taskCtx := jobctx.WithTaskID(ctx, taskID)
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				m.logger.Error("task panicked", "task_id", taskID, "panic", p, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		res, err := fn(taskCtx, task)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out = outcome{err: fmt.Errorf("%w: %v", core.ErrJobTimeout, ctx.Err())}
		} else {
			// Revoked or shutting down. A cancel already wrote CANCELED;
			// otherwise the delivery is handed back and the task rerun.
			return ctx.Err()
		}
	}

	if out.err != nil {
		m.logger.Warn("task failed", "task_id", taskID, "name", task.Name, "error", out.err)
		_, err := m.UpdateStatus(bookCtx, taskID, StatusUpdate{Status: core.StatusFailed, Error: out.err, Result: out.result})
		return err
	}
	_, err = m.UpdateStatus(bookCtx, taskID, StatusUpdate{Status: core.StatusCompleted, Result: out.result})
	return err
}
