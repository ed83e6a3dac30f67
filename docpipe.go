// Package docpipe runs multi-stage document analysis as tracked,
// prioritized tasks.
//
// It wires the task registry, the durable job queue, the step executor and
// the fan-out/combine/analyze orchestrator over one storage backend.
//
// Basic usage:
//
//	db, _ := storage.Open("docpipe.db")
//	store := storage.NewGormStorage(db)
//	store.Migrate(ctx)
//
//	sys := docpipe.New(store, docpipe.WithLLM(llm.NewStatic()))
//	go sys.NewWorker().Start(ctx)
//
//	sub, _ := sys.SubmitWorkflow(ctx, workflow.Request{
//	    PipelineID:  rfp.ID,
//	    DocumentIDs: []string{"doc-1", "doc-2"},
//	})
//	view, _ := sys.GetTaskStatus(ctx, sub.TaskID)
package docpipe

import (
	"context"
	"log/slog"
	"time"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/events"
	"github.com/jdziat/docpipe/pkg/llm"
	"github.com/jdziat/docpipe/pkg/pipeline"
	"github.com/jdziat/docpipe/pkg/queue"
	"github.com/jdziat/docpipe/pkg/schedule"
	"github.com/jdziat/docpipe/pkg/storage"
	"github.com/jdziat/docpipe/pkg/tasks"
	"github.com/jdziat/docpipe/pkg/worker"
	"github.com/jdziat/docpipe/pkg/workflow"
)

// SweepJob is the name of the recurring retention job.
const SweepJob = "retention_sweep"

// Type aliases for the types callers handle most.
type (
	// Task is the persisted record of one unit of asynchronous work.
	Task = core.Task

	// TaskType categorizes a task.
	TaskType = core.TaskType

	// TaskStatus is the lifecycle state of a task.
	TaskStatus = core.TaskStatus

	// Priority orders schedulable work.
	Priority = core.Priority

	// TaskFilter narrows task queries.
	TaskFilter = core.TaskFilter

	// ListOptions controls ordering and pagination.
	ListOptions = core.ListOptions

	// TaskFunc is a task-level job function.
	TaskFunc = tasks.TaskFunc

	// WorkflowRequest describes a multi-document analysis.
	WorkflowRequest = workflow.Request

	// WorkflowSubmission is the outcome of SubmitWorkflow.
	WorkflowSubmission = workflow.Submission

	// ExecutionRequest describes a single-document pipeline run.
	ExecutionRequest = workflow.ExecutionRequest

	// ExecutionSubmission is the outcome of SubmitExecution.
	ExecutionSubmission = workflow.ExecutionSubmission
)

// Priority constants
const (
	PriorityLow    = core.PriorityLow
	PriorityNormal = core.PriorityNormal
	PriorityHigh   = core.PriorityHigh
	PriorityUrgent = core.PriorityUrgent
)

// Error variables
var (
	ErrTaskNotFound     = core.ErrTaskNotFound
	ErrPipelineNotFound = core.ErrPipelineNotFound
	ErrDocumentNotFound = core.ErrDocumentNotFound
	ErrRetryLimit       = core.ErrRetryLimit
)

// System is the assembled document pipeline.
type System struct {
	store    *storage.GormStorage
	queue    *queue.Queue
	tasks    *tasks.Manager
	runner   *tasks.Runner
	executor *pipeline.Executor
	workflow *workflow.Orchestrator
	pub      events.Publisher
	logger   *slog.Logger
}

// New assembles a System over store. The workflow jobs are registered on
// the system's queue; start a worker with NewWorker to run them.
func New(store *storage.GormStorage, opts ...Option) *System {
	cfg := options{
		client:    llm.NewStatic(),
		publisher: events.Nop{},
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	q := queue.New(store)
	q.SetLogger(cfg.logger)

	m := tasks.NewManager(store,
		tasks.WithBroker(q),
		tasks.WithPublisher(cfg.publisher),
		tasks.WithLogger(cfg.logger),
		tasks.WithClock(cfg.now),
	)
	exec := pipeline.NewExecutor(pipeline.StoreReader{Store: store}, cfg.client, pipeline.WithLogger(cfg.logger))
	orch := workflow.New(m, store, exec, cfg.client,
		workflow.WithPublisher(cfg.publisher),
		workflow.WithLogger(cfg.logger),
		workflow.WithClock(cfg.now),
	)
	orch.Register(q)

	return &System{
		store:    store,
		queue:    q,
		tasks:    m,
		runner:   tasks.NewRunner(m, q),
		executor: exec,
		workflow: orch,
		pub:      cfg.publisher,
		logger:   cfg.logger,
	}
}

// Store returns the storage backend.
func (s *System) Store() *storage.GormStorage { return s.store }

// Queue returns the job queue.
func (s *System) Queue() *queue.Queue { return s.queue }

// Tasks returns the task lifecycle manager.
func (s *System) Tasks() *tasks.Manager { return s.tasks }

// Workflow returns the workflow orchestrator.
func (s *System) Workflow() *workflow.Orchestrator { return s.workflow }

// Executor returns the step executor.
func (s *System) Executor() *pipeline.Executor { return s.executor }

// Register binds a task-level job function to name, so tasks created with
// that name can run.
func (s *System) Register(name string, fn TaskFunc, opts ...queue.Option) {
	s.runner.Register(name, fn, opts...)
}

// NewWorker creates a worker for the system's queue.
func (s *System) NewWorker(opts ...worker.WorkerOption) *worker.Worker {
	opts = append([]worker.WorkerOption{worker.WithLogger(s.logger)}, opts...)
	return worker.NewWorker(s.queue, opts...)
}

// RelayBrokerEvents subscribes to the queue and publishes job retries,
// failures and revocations on events.BrokerChannel until ctx is done.
// The subscription is in place when RelayBrokerEvents returns.
func (s *System) RelayBrokerEvents(ctx context.Context) {
	ch := s.queue.Events()
	go func() {
		defer s.queue.Unsubscribe(ch)
		events.Relay(ctx, ch, s.pub)
	}()
}

// CreateTaskRequest describes a task submitted through CreateTask.
type CreateTaskRequest struct {
	Name       string
	Type       TaskType
	Parameters map[string]any
	SourceType string
	SourceID   string
	Priority   Priority
	// MaxRetries defaults to tasks.DefaultMaxRetries.
	MaxRetries *int
	UserID     string
}

// CreateTask registers a task and enqueues its job.
func (s *System) CreateTask(ctx context.Context, req CreateTaskRequest) (*TaskView, error) {
	t, err := s.tasks.Create(ctx, tasks.CreateRequest{
		Name:       req.Name,
		Type:       req.Type,
		Parameters: req.Parameters,
		SourceType: req.SourceType,
		SourceID:   req.SourceID,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
		UserID:     req.UserID,
	})
	return viewOf(t, err)
}

// GetTaskStatus returns a task, or an error matching ErrTaskNotFound.
func (s *System) GetTaskStatus(ctx context.Context, id string) (*TaskView, error) {
	return viewOf(s.tasks.Get(ctx, id))
}

// ListTasks returns tasks matching filter, URGENT first by default.
func (s *System) ListTasks(ctx context.Context, filter TaskFilter, opts ListOptions) ([]*TaskView, error) {
	list, err := s.tasks.List(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	out := make([]*TaskView, len(list))
	for i, t := range list {
		out[i] = NewTaskView(t)
	}
	return out, nil
}

// CancelTask cancels a PENDING, RUNNING or RETRYING task.
func (s *System) CancelTask(ctx context.Context, id string) (*TaskView, error) {
	return viewOf(s.tasks.Cancel(ctx, id))
}

// RetryTask re-enqueues a FAILED task.
func (s *System) RetryTask(ctx context.Context, id string) (*TaskView, error) {
	return viewOf(s.tasks.Retry(ctx, id))
}

// SetPriority changes the priority of a PENDING or RETRYING task.
func (s *System) SetPriority(ctx context.Context, id string, p Priority) (*TaskView, error) {
	return viewOf(s.tasks.SetPriority(ctx, id, p))
}

// GetTaskStats summarizes tasks matching filter created at or after since.
func (s *System) GetTaskStats(ctx context.Context, filter TaskFilter, since time.Time) (*StatsView, error) {
	st, err := s.tasks.Stats(ctx, filter, since)
	if err != nil {
		return nil, err
	}
	return NewStatsView(st), nil
}

// SubmitWorkflow starts a fan-out/combine/analyze run over documents.
func (s *System) SubmitWorkflow(ctx context.Context, req WorkflowRequest) (*WorkflowSubmission, error) {
	return s.workflow.SubmitWorkflow(ctx, req)
}

// SubmitExecution runs a pipeline config against one document.
func (s *System) SubmitExecution(ctx context.Context, req ExecutionRequest) (*ExecutionSubmission, error) {
	return s.workflow.SubmitExecution(ctx, req)
}

// Sweep deletes terminal tasks and executions that finished more than
// olderThan ago. Zero uses tasks.DefaultRetention.
func (s *System) Sweep(ctx context.Context, olderThan time.Duration) (tasks.PurgeResult, error) {
	res, err := s.tasks.Purge(ctx, olderThan)
	if err != nil {
		return res, err
	}
	s.logger.Info("retention sweep finished", "tasks", res.Tasks, "executions", res.Executions)
	return res, nil
}

type sweepArgs struct {
	OlderThan time.Duration `json:"older_than"`
}

// ScheduleSweep runs Sweep on sched from workers started with
// worker.WithScheduler(true).
func (s *System) ScheduleSweep(sched schedule.Schedule, olderThan time.Duration) {
	s.queue.Register(SweepJob, func(ctx context.Context, args sweepArgs) error {
		_, err := s.Sweep(ctx, args.OlderThan)
		return err
	})
	s.queue.Schedule(SweepJob, sched, sweepArgs{OlderThan: olderThan})
}

func viewOf(t *core.Task, err error) (*TaskView, error) {
	if err != nil {
		return nil, err
	}
	return NewTaskView(t), nil
}
