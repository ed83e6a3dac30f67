package worker

import (
	"log/slog"
	"time"

	"github.com/jdziat/docpipe/pkg/security"
)

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	Queues            map[string]int // queue name -> concurrency
	Concurrency       int            // used for queues added without an explicit value
	PollInterval      time.Duration
	WorkerID          string
	EnableScheduler   bool
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	StaleLockInterval time.Duration
	Logger            *slog.Logger
	StorageRetry      *RetryConfig
	DequeueRetry      *RetryConfig
}

// Concurrency sets the concurrency for every configured queue and for the
// default queue. Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		clamped := security.ClampConcurrency(n)
		c.Concurrency = clamped
		for k := range c.Queues {
			c.Queues[k] = clamped
		}
	})
}

// WithScheduler enables the scheduler in the worker.
func WithScheduler(enabled bool) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.EnableScheduler = enabled
	})
}

// WorkerQueue adds a queue to process with optional concurrency.
func WorkerQueue(name string, opts ...WorkerOption) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if c.Queues == nil {
			c.Queues = make(map[string]int)
		}
		n := c.Concurrency
		if n == 0 {
			n = defaultConcurrency
		}
		c.Queues[name] = n

		scoped := WorkerConfig{Queues: map[string]int{name: n}}
		for _, opt := range opts {
			opt.ApplyWorker(&scoped)
		}
		c.Queues[name] = scoped.Queues[name]
	})
}

// PollInterval sets how often the worker polls for jobs.
func PollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.PollInterval = d
		}
	})
}

// JobTimeout sets the hard wall-clock ceiling for a single job. A job that
// exceeds it is failed with core.ErrJobTimeout.
func JobTimeout(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.JobTimeout = d
	})
}

// HeartbeatInterval sets how often running job locks are extended.
func HeartbeatInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.HeartbeatInterval = d
		}
	})
}

// StaleLockInterval sets how often expired job locks are released.
// Zero disables stale-lock recovery.
func StaleLockInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StaleLockInterval = d
	})
}

// WithWorkerID sets the id the worker locks jobs under.
func WithWorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.WorkerID = id
	})
}

// WithLogger sets the worker's logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Logger = l
	})
}

// StorageRetry overrides the backoff used for complete/fail/heartbeat writes.
func StorageRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StorageRetry = &cfg
	})
}
