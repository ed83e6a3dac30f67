package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/internal/handler"
	"github.com/jdziat/docpipe/pkg/jobctx"
	"github.com/jdziat/docpipe/pkg/queue"
)

const (
	defaultConcurrency       = 10
	defaultJobTimeout        = 30 * time.Minute
	defaultHeartbeatInterval = 2 * time.Minute
	defaultStaleLockInterval = time.Minute
)

// Worker processes jobs from the queue.
type Worker struct {
	queue  *queue.Queue
	config WorkerConfig
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewWorker creates a new worker for the given queue.
func NewWorker(q *queue.Queue, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		PollInterval:      100 * time.Millisecond,
		WorkerID:          uuid.New().String(),
		JobTimeout:        defaultJobTimeout,
		HeartbeatInterval: defaultHeartbeatInterval,
		StaleLockInterval: defaultStaleLockInterval,
	}

	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	if config.Concurrency == 0 {
		config.Concurrency = defaultConcurrency
	}
	if config.Queues == nil {
		config.Queues = map[string]int{"default": config.Concurrency}
	}
	if config.StorageRetry == nil {
		defaultCfg := DefaultRetryConfig()
		config.StorageRetry = &defaultCfg
	}
	if config.DequeueRetry == nil {
		dequeueCfg := dequeueRetryConfig()
		config.DequeueRetry = &dequeueCfg
	}

	logger := config.Logger
	if logger == nil {
		logger = q.Logger()
	}

	return &Worker{
		queue:  q,
		config: config,
		logger: logger.With("worker_id", config.WorkerID),
	}
}

// Config returns the effective configuration.
func (w *Worker) Config() WorkerConfig {
	return w.config
}

// Start begins processing jobs. Blocks until context is cancelled, then
// waits for in-flight jobs to return.
func (w *Worker) Start(ctx context.Context) error {
	queues := make([]string, 0, len(w.config.Queues))
	totalConcurrency := 0
	for q, c := range w.config.Queues {
		queues = append(queues, q)
		totalConcurrency += c
	}

	jobsChan := make(chan *core.Job)

	if w.config.EnableScheduler {
		go w.runScheduler(ctx)
	}
	if w.config.StaleLockInterval > 0 {
		go w.runStaleLockRecovery(ctx)
	}

	for i := 0; i < totalConcurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, jobsChan)
	}

	w.logger.Info("worker started", "queues", queues, "concurrency", totalConcurrency)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(jobsChan)
			w.wg.Wait()
			w.logger.Info("worker stopped")
			return ctx.Err()
		case <-ticker.C:
			for {
				job, err := w.dequeueWithRetry(ctx, queues)
				if err != nil {
					if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
						w.logger.Error("failed to dequeue after retries", "error", err)
					}
					break
				}
				if job == nil {
					break
				}
				select {
				case jobsChan <- job:
				case <-ctx.Done():
					// The lock expires and stale-lock recovery hands it back.
				}
				if ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// dequeueWithRetry attempts to dequeue a job with exponential backoff on failure.
func (w *Worker) dequeueWithRetry(ctx context.Context, queues []string) (*core.Job, error) {
	var job *core.Job
	err := retryWithBackoff(ctx, *w.config.DequeueRetry, func() error {
		var dequeueErr error
		job, dequeueErr = w.queue.Storage().Dequeue(ctx, queues, w.config.WorkerID)
		return dequeueErr
	})
	return job, err
}

func (w *Worker) processLoop(ctx context.Context, jobs <-chan *core.Job) {
	defer w.wg.Done()

	for job := range jobs {
		w.processJob(ctx, job)
	}
}

// ProcessJob runs a single dequeued job to completion. It is exported for
// callers that drive delivery themselves.
func (w *Worker) ProcessJob(ctx context.Context, job *core.Job) {
	w.processJob(ctx, job)
}

func (w *Worker) processJob(ctx context.Context, job *core.Job) {
	startTime := time.Now()
	// Bookkeeping writes must land even while the worker shuts down.
	bookCtx := context.WithoutCancel(ctx)

	h, ok := w.queue.GetHandler(job.Type)
	if !ok {
		w.logger.Error("no handler for job", "type", job.Type, "job_id", job.ID)
		w.failWithRetry(bookCtx, job.ID, fmt.Sprintf("no handler for %s", job.Type), nil)
		return
	}

	w.queue.Emit(&core.JobStarted{Job: job, Timestamp: startTime})

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job)

	result, err, revoked := w.executeHandler(ctx, job, h)
	cancelHeartbeat()

	if revoked {
		w.logger.Info("job revoked while running", "job_id", job.ID, "type", job.Type)
		return
	}

	if err != nil {
		w.handleError(bookCtx, job, err)
		return
	}

	if completeErr := w.completeWithRetry(bookCtx, job.ID, result); completeErr != nil {
		w.logger.Error("failed to complete job after retries", "job_id", job.ID, "error", completeErr)
		return
	}
	job.Result = result
	w.queue.Emit(&core.JobCompleted{Job: job, Duration: time.Since(startTime), Timestamp: time.Now()})
}

type execResult struct {
	result []byte
	err    error
}

// executeHandler runs the job function under the wall-clock ceiling. The
// function runs on its own goroutine; when the ceiling passes the job is
// failed even if the function has not returned. revoked is true when the
// job's context was canceled by Queue.Revoke.
func (w *Worker) executeHandler(ctx context.Context, job *core.Job, h *handler.Handler) ([]byte, error, bool) {
	timeout := w.config.JobTimeout
	if h.Timeout > 0 {
		timeout = h.Timeout
	}

	jobCtx, cancel := context.WithCancel(ctx)
	if timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	w.queue.RegisterRunningJob(job.ID, cancel)
	defer w.queue.UnregisterRunningJob(job.ID)

	jobCtx = jobctx.WithJob(jobCtx, &jobctx.JobContext{
		JobID:    job.ID,
		JobType:  job.Type,
		Attempt:  job.Attempt,
		WorkerID: w.config.WorkerID,
	})

	done := make(chan execResult, 1)
	go func() {
		result, err := h.Execute(jobCtx, job.Args)
		done <- execResult{result: result, err: err}
	}()

	select {
	case res := <-done:
		if errors.Is(jobCtx.Err(), context.Canceled) && ctx.Err() == nil {
			return nil, nil, true
		}
		return res.result, res.err, false
	case <-jobCtx.Done():
	}

	switch {
	case ctx.Err() != nil:
		// Worker shutdown: let the function observe cancellation and return.
		res := <-done
		return res.result, res.err, false
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		w.logger.Warn("job exceeded wall-clock ceiling", "job_id", job.ID, "type", job.Type, "timeout", timeout)
		return nil, core.NoRetry(fmt.Errorf("%w after %s", core.ErrJobTimeout, timeout)), false
	default:
		return nil, nil, true
	}
}

func (w *Worker) handleError(ctx context.Context, job *core.Job, err error) {
	var noRetry *core.NoRetryError
	if errors.As(err, &noRetry) {
		w.failPermanently(ctx, job, err)
		return
	}

	if job.Attempt <= job.MaxRetries {
		backoff := w.calculateBackoff(job.Attempt)
		var retryAfter *core.RetryAfterError
		if errors.As(err, &retryAfter) {
			backoff = retryAfter.Delay
		}
		retryAt := time.Now().Add(backoff)
		w.failWithRetry(ctx, job.ID, err.Error(), &retryAt)
		w.queue.Emit(&core.JobRetrying{Job: job, Attempt: job.Attempt, Error: err, NextRunAt: retryAt, Timestamp: time.Now()})
		return
	}

	w.failPermanently(ctx, job, err)
}

func (w *Worker) failPermanently(ctx context.Context, job *core.Job, err error) {
	w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "attempt", job.Attempt, "error", err)
	w.failWithRetry(ctx, job.ID, err.Error(), nil)
	w.queue.Emit(&core.JobFailed{Job: job, Error: err, Timestamp: time.Now()})
}

// completeWithRetry marks a job complete with retry on transient failures.
func (w *Worker) completeWithRetry(ctx context.Context, jobID string, result []byte) error {
	return retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.queue.Storage().Complete(ctx, jobID, w.config.WorkerID, result)
	})
}

// failWithRetry marks a job as failed with retry on transient storage failures.
func (w *Worker) failWithRetry(ctx context.Context, jobID, errMsg string, retryAt *time.Time) {
	err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.queue.Storage().Fail(ctx, jobID, w.config.WorkerID, errMsg, retryAt)
	})
	if err != nil {
		w.logger.Error("failed to mark job as failed after retries", "job_id", jobID, "error", err)
	}
}

// runHeartbeat periodically extends the job lock during execution.
func (w *Worker) runHeartbeat(ctx context.Context, job *core.Job) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
				return w.queue.Storage().Heartbeat(ctx, job.ID, w.config.WorkerID)
			})
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("heartbeat failed after retries", "job_id", job.ID, "error", err)
			}
		}
	}
}

// runStaleLockRecovery hands jobs locked by crashed workers back to the queue.
func (w *Worker) runStaleLockRecovery(ctx context.Context) {
	ticker := time.NewTicker(w.config.StaleLockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.Storage().ReleaseStaleLocks(ctx, 0)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("failed to release stale locks", "error", err)
				}
				continue
			}
			if n > 0 {
				w.logger.Info("released stale job locks", "count", n)
			}
		}
	}
}

func (w *Worker) calculateBackoff(attempt int) time.Duration {
	backoff := time.Second * (1 << attempt)
	if backoff > time.Minute {
		backoff = time.Minute
	}
	return backoff
}

func (w *Worker) runScheduler(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	started := time.Now()
	lastRun := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for name, sj := range w.queue.GetScheduledJobs() {
				last, ok := lastRun[name]
				if !ok {
					last = started
				}
				if now.Before(sj.Schedule.Next(last)) {
					continue
				}
				_, err := w.queue.Enqueue(ctx, sj.Name, sj.Args,
					queue.QueueOpt(sj.Options.Queue),
					queue.Priority(sj.Options.Priority),
				)
				if err != nil {
					w.logger.Error("failed to enqueue scheduled job", "name", name, "error", err)
					continue
				}
				lastRun[name] = now
			}
		}
	}
}
