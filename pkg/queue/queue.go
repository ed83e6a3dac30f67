package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/internal/handler"
	"github.com/jdziat/docpipe/pkg/schedule"
	"github.com/jdziat/docpipe/pkg/security"
)

// Queue manages job registration, enqueueing and revocation, and fans
// worker lifecycle events out to subscribers.
type Queue struct {
	storage       core.JobStore
	handlers      map[string]*handler.Handler
	scheduledJobs map[string]*ScheduledJob
	logger        *slog.Logger
	mu            sync.RWMutex

	eventSubs []chan core.Event

	// Cancel funcs of jobs executing in this process, keyed by job id.
	runningJobs   map[string]context.CancelFunc
	runningJobsMu sync.Mutex
}

// ScheduledJob holds configuration for a recurring job.
type ScheduledJob struct {
	Name     string
	Schedule schedule.Schedule
	Args     any
	Options  *Options
}

// New creates a new Queue with the given job store.
func New(s core.JobStore) *Queue {
	return &Queue{
		storage:     s,
		handlers:    make(map[string]*handler.Handler),
		logger:      slog.Default(),
		runningJobs: make(map[string]context.CancelFunc),
	}
}

// SetLogger replaces the queue's logger.
func (q *Queue) SetLogger(l *slog.Logger) {
	if l != nil {
		q.logger = l
	}
}

// Logger returns the queue's logger.
func (q *Queue) Logger() *slog.Logger {
	return q.logger
}

// Register registers a job function under name.
// Names must be alphanumeric (starting with a letter), max 255 chars.
// Register panics on an invalid name or function signature.
func (q *Queue) Register(name string, fn any, opts ...Option) {
	if err := security.ValidateJobTypeName(name); err != nil {
		panic(fmt.Sprintf("docpipe: invalid handler name %q: %v", name, err))
	}

	h, err := handler.NewHandler(fn)
	if err != nil {
		panic(fmt.Sprintf("docpipe: handler for %q: %v", name, err))
	}

	o := NewOptions()
	for _, opt := range opts {
		opt.Apply(o)
	}
	h.Timeout = o.Timeout

	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// HasHandler checks if a handler is registered.
func (q *Queue) HasHandler(name string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.handlers[name]
	return ok
}

// GetHandler returns a handler by name.
func (q *Queue) GetHandler(name string) (*handler.Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[name]
	return h, ok
}

// Enqueue adds a job to the queue and returns its handle.
func (q *Queue) Enqueue(ctx context.Context, name string, args any, opts ...Option) (string, error) {
	if !q.HasHandler(name) {
		return "", fmt.Errorf("docpipe: no handler registered for %q", name)
	}

	options := NewOptions()
	for _, opt := range opts {
		opt.Apply(options)
	}

	if err := security.ValidateQueueName(options.Queue); err != nil {
		return "", err
	}

	argsBytes, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("docpipe: failed to marshal args: %w", err)
	}
	if len(argsBytes) > security.MaxJobArgsSize {
		return "", core.ErrJobArgsTooLarge
	}

	job := &core.Job{
		ID:         uuid.New().String(),
		Type:       name,
		Args:       argsBytes,
		Queue:      options.Queue,
		Priority:   options.Priority,
		MaxRetries: security.ClampRetries(options.MaxRetries),
		Status:     core.JobStatusPending,
	}

	if options.Delay > 0 {
		runAt := time.Now().Add(options.Delay)
		job.RunAt = &runAt
	}
	if options.RunAt != nil {
		job.RunAt = options.RunAt
	}

	if err := q.storage.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("docpipe: failed to enqueue: %w", err)
	}

	q.logger.Debug("job enqueued", "job_id", job.ID, "type", name, "priority", job.Priority)
	return job.ID, nil
}

// Revoke stops delivery of a job. A job already executing in this process
// has its context canceled; the job function observes it cooperatively.
func (q *Queue) Revoke(ctx context.Context, handle string) error {
	running, err := q.storage.RevokeJob(ctx, handle)
	if err != nil {
		return err
	}

	if running {
		q.runningJobsMu.Lock()
		cancel, found := q.runningJobs[handle]
		q.runningJobsMu.Unlock()
		if found {
			cancel()
		}
	}

	q.Emit(&core.JobRevoked{JobID: handle, Running: running, Timestamp: time.Now()})
	return nil
}

// Reprioritize changes the priority of a job that has not started.
func (q *Queue) Reprioritize(ctx context.Context, handle string, priority int) error {
	return q.storage.SetJobPriority(ctx, handle, priority)
}

// Schedule registers a recurring job.
func (q *Queue) Schedule(name string, sched schedule.Schedule, args any, opts ...Option) {
	options := NewOptions()
	for _, opt := range opts {
		opt.Apply(options)
	}

	q.mu.Lock()
	if q.scheduledJobs == nil {
		q.scheduledJobs = make(map[string]*ScheduledJob)
	}
	q.scheduledJobs[name] = &ScheduledJob{
		Name:     name,
		Schedule: sched,
		Args:     args,
		Options:  options,
	}
	q.mu.Unlock()
}

// GetScheduledJobs returns a copy of the scheduled jobs (for the worker scheduler).
func (q *Queue) GetScheduledJobs() map[string]*ScheduledJob {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[string]*ScheduledJob, len(q.scheduledJobs))
	for k, v := range q.scheduledJobs {
		out[k] = v
	}
	return out
}

// Storage returns the underlying job store.
func (q *Queue) Storage() core.JobStore {
	return q.storage
}

// Events returns a channel for receiving queue events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (q *Queue) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	q.mu.Lock()
	q.eventSubs = append(q.eventSubs, ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed.
func (q *Queue) Unsubscribe(ch <-chan core.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sub := range q.eventSubs {
		if sub == ch {
			q.eventSubs = append(q.eventSubs[:i], q.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit emits an event to all subscribers. Slow subscribers miss events
// rather than block the emitter.
func (q *Queue) Emit(e core.Event) {
	q.mu.RLock()
	subs := make([]chan core.Event, len(q.eventSubs))
	copy(subs, q.eventSubs)
	q.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// RegisterRunningJob registers a cancel function for a running job.
// Workers call this when they start executing a job so that Revoke can
// cancel it.
func (q *Queue) RegisterRunningJob(jobID string, cancel context.CancelFunc) {
	q.runningJobsMu.Lock()
	q.runningJobs[jobID] = cancel
	q.runningJobsMu.Unlock()
}

// UnregisterRunningJob removes a job from the running registry.
func (q *Queue) UnregisterRunningJob(jobID string) {
	q.runningJobsMu.Lock()
	delete(q.runningJobs, jobID)
	q.runningJobsMu.Unlock()
}
