package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/events"
	"github.com/jdziat/docpipe/pkg/queue"
	"github.com/jdziat/docpipe/pkg/security"
)

const (
	// DefaultMaxRetries is used when a create request does not set MaxRetries.
	DefaultMaxRetries = 3
	// DefaultListLimit bounds listings that do not set a limit.
	DefaultListLimit = 100
	// MaxListLimit is the largest page a listing returns.
	MaxListLimit = 1000
	// DefaultRetention is the age after which terminal rows are purged.
	DefaultRetention = 30 * 24 * time.Hour

	// CanceledMessage is stored on every canceled task.
	CanceledMessage = "Task canceled by user"

	// handoffRetries lets the broker redeliver a job that raced ahead of
	// the task row it belongs to.
	handoffRetries = 3
	handoffDelay   = 250 * time.Millisecond
)

// errUnchanged aborts an UpdateTask callback without writing.
var errUnchanged = errors.New("unchanged")

// JobArgs is the broker payload of every task job.
type JobArgs struct {
	TaskID string `json:"task_id"`
}

// CreateRequest describes a task to create.
type CreateRequest struct {
	Name         string
	Type         core.TaskType
	Parameters   map[string]any
	SourceType   string
	SourceID     string
	ParentTaskID string
	Priority     core.Priority
	// MaxRetries defaults to DefaultMaxRetries when nil.
	MaxRetries *int
	UserID     string
	// Detached registers the task without enqueueing a broker job. The
	// caller drives its status.
	Detached bool
}

// StatusUpdate is a requested status change.
type StatusUpdate struct {
	Status core.TaskStatus
	Error  error
	Result map[string]any
}

// Manager is the Task Lifecycle Manager.
type Manager struct {
	store     core.TaskStore
	broker    Broker
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
	queueName string

	hooksMu    sync.RWMutex
	onTerminal []func(context.Context, *core.Task)
}

// NewManager creates a Manager over store.
func NewManager(store core.TaskStore, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		publisher: events.Nop{},
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt.apply(m)
	}
	return m
}

// Store returns the underlying task store.
func (m *Manager) Store() core.TaskStore {
	return m.store
}

// OnTerminal registers fn to run after each transition into COMPLETED,
// FAILED or CANCELED. Hooks run synchronously on the goroutine that made
// the transition.
func (m *Manager) OnTerminal(fn func(context.Context, *core.Task)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onTerminal = append(m.onTerminal, fn)
}

// Create registers a PENDING task and enqueues its job.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*core.Task, error) {
	if req.Name == "" {
		return nil, core.Validation("name", "is required")
	}
	if err := security.ValidateJobTypeName(req.Name); err != nil {
		return nil, core.Validation("name", err.Error())
	}
	if req.Type == "" {
		return nil, core.Validation("type", "is required")
	}
	if !req.Type.Valid() {
		return nil, core.Validation("type", fmt.Sprintf("unknown task type %q", req.Type))
	}
	if !req.Priority.Valid() {
		return nil, core.Validation("priority", fmt.Sprintf("unknown priority %d", int(req.Priority)))
	}
	if err := security.ValidateParameters(req.Parameters); err != nil {
		return nil, err
	}
	maxRetries := DefaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, core.Validation("max_retries", "must not be negative")
		}
		maxRetries = security.ClampRetries(*req.MaxRetries)
	}
	if !req.Detached {
		if m.broker == nil {
			return nil, core.ErrNoBroker
		}
		if reg, ok := m.broker.(interface{ HasHandler(string) bool }); ok && !reg.HasHandler(req.Name) {
			return nil, core.Validation("name", fmt.Sprintf("no job function registered for %q", req.Name))
		}
	}

	task := &core.Task{
		ID:         uuid.New().String(),
		Name:       req.Name,
		Type:       req.Type,
		Status:     core.StatusPending,
		Priority:   req.Priority,
		Parameters: req.Parameters,
		SourceType: req.SourceType,
		SourceID:   req.SourceID,
		MaxRetries: maxRetries,
		UserID:     req.UserID,
		CreatedAt:  m.now(),
	}
	if req.ParentTaskID != "" {
		parent := req.ParentTaskID
		task.ParentTaskID = &parent
	}

	if err := m.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if req.Detached {
		m.logger.Debug("task registered", "task_id", task.ID, "name", task.Name)
		return task, nil
	}

	updated, err := m.dispatch(ctx, task)
	if err != nil {
		if core.IsTransient(err) {
			if delErr := m.store.DeleteTask(context.WithoutCancel(ctx), task.ID); delErr != nil {
				m.logger.Error("failed to remove task after enqueue failure", "task_id", task.ID, "error", delErr)
			}
		}
		return nil, err
	}
	m.logger.Debug("task created", "task_id", task.ID, "name", task.Name, "priority", task.Priority.String())
	return updated, nil
}

// Dispatch enqueues the job of a task registered with Detached. The task
// must still be PENDING and not yet handed to the broker.
func (m *Manager) Dispatch(ctx context.Context, id string) (*core.Task, error) {
	task, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != core.StatusPending || task.BrokerHandle != "" {
		return nil, core.InvalidState("dispatch", task.ID, task.Status, nil)
	}
	if m.broker == nil {
		return nil, core.ErrNoBroker
	}
	return m.dispatch(ctx, task)
}

func (m *Manager) dispatch(ctx context.Context, task *core.Task) (*core.Task, error) {
	handle, err := m.enqueue(ctx, task)
	if err != nil {
		return nil, core.Transient("broker", err)
	}

	updated, err := m.store.UpdateTask(ctx, task.ID, func(t *core.Task) error {
		t.BrokerHandle = handle
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record broker handle: %w", err)
	}
	return updated, nil
}

func (m *Manager) enqueue(ctx context.Context, task *core.Task) (string, error) {
	opts := []queue.Option{queue.Priority(int(task.Priority)), queue.Retries(handoffRetries)}
	if m.queueName != "" {
		opts = append(opts, queue.QueueOpt(m.queueName))
	}
	return m.broker.Enqueue(ctx, task.Name, JobArgs{TaskID: task.ID}, opts...)
}

// Get returns a task or a NotFoundError.
func (m *Manager) Get(ctx context.Context, id string) (*core.Task, error) {
	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	if task == nil {
		return nil, core.NotFound("task", id)
	}
	return task, nil
}

// UpdateStatus moves a task to u.Status.
//
// Same-status updates are no-ops. Updates that would move a task out of a
// terminal status are ignored and return the task unchanged, so a late
// write from a worker never overrides a cancel. Other disallowed edges
// return an InvalidStateError. RETRYING is only reachable through Retry.
func (m *Manager) UpdateStatus(ctx context.Context, id string, u StatusUpdate) (*core.Task, error) {
	if !u.Status.Valid() {
		return nil, core.Validation("status", fmt.Sprintf("unknown task status %q", u.Status))
	}

	var from core.TaskStatus
	var stale bool
	task, err := m.store.UpdateTask(ctx, id, func(t *core.Task) error {
		from = t.Status
		if t.Status == u.Status {
			return errUnchanged
		}
		if t.Status.IsTerminal() && !core.CanTransition(t.Status, u.Status) {
			stale = true
			return errUnchanged
		}
		if u.Status == core.StatusRetrying || !core.CanTransition(t.Status, u.Status) {
			return core.InvalidState("move to "+string(u.Status), t.ID, t.Status, nil)
		}
		m.applyStatus(t, u)
		return nil
	})
	if errors.Is(err, errUnchanged) {
		if stale {
			m.logger.Debug("ignoring late status update", "task_id", id, "status", from, "requested", u.Status)
		}
		return m.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	m.transitioned(ctx, task, from)
	return task, nil
}

func (m *Manager) applyStatus(t *core.Task, u StatusUpdate) {
	now := m.now()
	t.Status = u.Status

	switch u.Status {
	case core.StatusRunning:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case core.StatusCompleted:
		t.CompletedAt = &now
		t.ErrorMessage = nil
		if u.Result != nil {
			t.Result = u.Result
		}
	case core.StatusFailed, core.StatusCanceled:
		t.CompletedAt = &now
		if u.Error != nil {
			t.ErrorMessage = security.SanitizedError(u.Error)
		}
		if u.Result != nil {
			t.Result = u.Result
		}
	}
}

// transitioned publishes the change and runs terminal hooks.
func (m *Manager) transitioned(ctx context.Context, task *core.Task, from core.TaskStatus) {
	m.logger.Debug("task status changed", "task_id", task.ID, "from", from, "to", task.Status)

	data := map[string]any{
		"task_id": task.ID,
		"name":    task.Name,
		"from":    string(from),
		"status":  string(task.Status),
	}
	if task.ErrorMessage != nil {
		data["error_message"] = *task.ErrorMessage
	}
	m.publisher.Publish(ctx, events.TaskChannel(task.ID), events.TaskStatus, data)

	if !task.Status.IsTerminal() {
		return
	}
	m.hooksMu.RLock()
	hooks := append([]func(context.Context, *core.Task){}, m.onTerminal...)
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, task)
	}
}

// Cancel marks a PENDING, RUNNING or RETRYING task CANCELED and revokes its
// broker job. A task that is already terminal is returned unchanged. A
// worker already executing the job is not preempted; its late status write
// is ignored.
func (m *Manager) Cancel(ctx context.Context, id string) (*core.Task, error) {
	var from core.TaskStatus
	task, err := m.store.UpdateTask(ctx, id, func(t *core.Task) error {
		from = t.Status
		if t.Status.IsTerminal() {
			return errUnchanged
		}
		m.applyStatus(t, StatusUpdate{Status: core.StatusCanceled, Error: errors.New(CanceledMessage)})
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return m.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	if m.broker != nil && task.BrokerHandle != "" {
		if err := m.broker.Revoke(ctx, task.BrokerHandle); err != nil {
			m.logger.Warn("failed to revoke broker job", "task_id", task.ID, "handle", task.BrokerHandle, "error", err)
		}
	}

	m.transitioned(ctx, task, from)
	return task, nil
}

// Retry re-enqueues a FAILED task under a new broker handle and moves it to
// RETRYING. It fails with an InvalidStateError when the task is not FAILED
// or has used up its retries.
func (m *Manager) Retry(ctx context.Context, id string) (*core.Task, error) {
	task, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkRetryable(task); err != nil {
		return nil, err
	}
	if m.broker == nil {
		return nil, core.ErrNoBroker
	}

	handle, err := m.enqueue(ctx, task)
	if err != nil {
		return nil, core.Transient("broker", err)
	}

	updated, err := m.store.UpdateTask(ctx, id, func(t *core.Task) error {
		if err := checkRetryable(t); err != nil {
			return err
		}
		t.Status = core.StatusRetrying
		t.RetryCount++
		t.BrokerHandle = handle
		t.StartedAt = nil
		t.CompletedAt = nil
		t.ErrorMessage = nil
		t.Result = nil
		return nil
	})
	if err != nil {
		if revokeErr := m.broker.Revoke(context.WithoutCancel(ctx), handle); revokeErr != nil {
			m.logger.Warn("failed to revoke orphaned retry job", "task_id", id, "handle", handle, "error", revokeErr)
		}
		return nil, err
	}

	m.logger.Info("task retried", "task_id", id, "retry_count", updated.RetryCount)
	m.transitioned(ctx, updated, core.StatusFailed)
	return updated, nil
}

func checkRetryable(t *core.Task) error {
	if t.Status != core.StatusFailed {
		return core.InvalidState("retry", t.ID, t.Status, nil)
	}
	if t.RetryCount >= t.MaxRetries {
		return core.InvalidState("retry", t.ID, t.Status,
			fmt.Errorf("%w (%d of %d)", core.ErrRetryLimit, t.RetryCount, t.MaxRetries))
	}
	return nil
}

// SetPriority changes the priority of a PENDING or RETRYING task.
func (m *Manager) SetPriority(ctx context.Context, id string, p core.Priority) (*core.Task, error) {
	if !p.Valid() {
		return nil, core.Validation("priority", fmt.Sprintf("unknown priority %d", int(p)))
	}

	task, err := m.store.UpdateTask(ctx, id, func(t *core.Task) error {
		if t.Status != core.StatusPending && t.Status != core.StatusRetrying {
			return core.InvalidState("change priority of", t.ID, t.Status, nil)
		}
		t.Priority = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	if m.broker != nil && task.BrokerHandle != "" {
		if err := m.broker.Reprioritize(ctx, task.BrokerHandle, int(p)); err != nil {
			m.logger.Warn("failed to reprioritize broker job", "task_id", id, "error", err)
		}
	}
	return task, nil
}

// List returns tasks matching filter. The default order is priority
// descending, then creation time, then insertion order.
func (m *Manager) List(ctx context.Context, filter core.TaskFilter, opts core.ListOptions) ([]*core.Task, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultListLimit
	}
	if opts.Limit > MaxListLimit {
		opts.Limit = MaxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.OrderBy == "" {
		opts.OrderBy = core.OrderByPriority
	}
	return m.store.ListTasks(ctx, filter, opts)
}

// NextBatch returns up to limit schedulable tasks (PENDING or RETRYING),
// URGENT first and oldest first within a priority. There is no aging, so
// sustained high-priority load can starve LOW tasks.
func (m *Manager) NextBatch(ctx context.Context, limit int) ([]*core.Task, error) {
	return m.List(ctx, core.TaskFilter{
		Statuses: []core.TaskStatus{core.StatusPending, core.StatusRetrying},
	}, core.ListOptions{OrderBy: core.OrderByPriority, Limit: limit})
}

// PurgeResult counts rows removed by Purge.
type PurgeResult struct {
	Tasks      int64
	Executions int64
}

// Purge deletes terminal tasks, and terminal executions when the store
// holds them, that finished more than olderThan ago. Zero uses
// DefaultRetention.
func (m *Manager) Purge(ctx context.Context, olderThan time.Duration) (PurgeResult, error) {
	if olderThan <= 0 {
		olderThan = DefaultRetention
	}
	cutoff := m.now().Add(-olderThan)

	var res PurgeResult
	n, err := m.store.PurgeTasks(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("purge tasks: %w", err)
	}
	res.Tasks = n

	if ep, ok := m.store.(interface {
		PurgeExecutions(context.Context, time.Time) (int64, error)
	}); ok {
		n, err := ep.PurgeExecutions(ctx, cutoff)
		if err != nil {
			return res, fmt.Errorf("purge executions: %w", err)
		}
		res.Executions = n
	}

	m.logger.Info("retention sweep finished", "cutoff", cutoff, "tasks", res.Tasks, "executions", res.Executions)
	return res, nil
}
