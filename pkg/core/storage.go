package core

import (
	"context"
	"time"
)

// TaskStore is the Task Registry's persistence contract.
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) error
	// GetTask returns (nil, nil) when the task does not exist.
	GetTask(ctx context.Context, id string) (*Task, error)
	// UpdateTask loads the task, applies fn and saves it in one transaction.
	// If fn returns an error nothing is written and the error is returned.
	UpdateTask(ctx context.Context, id string, fn func(*Task) error) (*Task, error)
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, filter TaskFilter, opts ListOptions) ([]*Task, error)
	CountTasksByStatus(ctx context.Context, filter TaskFilter) (map[TaskStatus]int64, error)
	TaskTimings(ctx context.Context, filter TaskFilter) ([]TaskTiming, error)
	PurgeTasks(ctx context.Context, before time.Time) (int64, error)
}

// JobStore is the broker's persistence contract.
type JobStore interface {
	Enqueue(ctx context.Context, job *Job) error
	Dequeue(ctx context.Context, queues []string, workerID string) (*Job, error)
	Complete(ctx context.Context, jobID, workerID string, result []byte) error
	Fail(ctx context.Context, jobID, workerID, errMsg string, retryAt *time.Time) error
	// RevokeJob stops a job from being delivered. It reports whether the job
	// was running at the time of the revoke.
	RevokeJob(ctx context.Context, jobID string) (running bool, err error)
	SetJobPriority(ctx context.Context, jobID string, priority int) error
	Heartbeat(ctx context.Context, jobID, workerID string) error
	ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, error)
	GetJob(ctx context.Context, jobID string) (*Job, error)
}

// PipelineStore persists pipeline configs, analysis pipelines, documents,
// executions and per-document artifacts.
type PipelineStore interface {
	CreatePipelineConfig(ctx context.Context, cfg *PipelineConfig) error
	GetPipelineConfig(ctx context.Context, id string) (*PipelineConfig, error)
	UpdatePipelineSteps(ctx context.Context, id string, steps []Step) error

	CreateAnalysisPipeline(ctx context.Context, p *AnalysisPipeline) error
	GetAnalysisPipeline(ctx context.Context, id string) (*AnalysisPipeline, error)
	UpdateAnalysisPipeline(ctx context.Context, id string, fn func(*AnalysisPipeline) error) (*AnalysisPipeline, error)

	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)

	CreateExecution(ctx context.Context, exec *PipelineExecution) error
	GetExecution(ctx context.Context, id string) (*PipelineExecution, error)
	UpdateExecution(ctx context.Context, id string, fn func(*PipelineExecution) error) (*PipelineExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*PipelineExecution, error)
	PurgeExecutions(ctx context.Context, before time.Time) (int64, error)

	// SaveArtifact replaces the artifact and chunks for one document as a unit.
	SaveArtifact(ctx context.Context, artifact *DocumentArtifact, chunks []DocumentChunk) error
	GetArtifact(ctx context.Context, analysisID, documentID string) (*DocumentArtifact, error)
	ListArtifacts(ctx context.Context, analysisID string) ([]*DocumentArtifact, error)
	ListChunks(ctx context.Context, analysisID, documentID string) ([]DocumentChunk, error)
	// PurgeAnalysis removes every artifact, chunk, combined artifact and
	// execution belonging to an analysis pipeline.
	PurgeAnalysis(ctx context.Context, analysisID string) error

	SaveCombined(ctx context.Context, combined *CombinedArtifact) error
	GetCombined(ctx context.Context, analysisID string) (*CombinedArtifact, error)
}

// BarrierStore persists fan-in barriers.
type BarrierStore interface {
	CreateBarrier(ctx context.Context, b *Barrier, members []BarrierMember) error
	GetBarrier(ctx context.Context, id string) (*Barrier, error)
	// MarkMember records a member's terminal outcome. counted is false when
	// the task is not a member or was already recorded.
	MarkMember(ctx context.Context, taskID string, succeeded bool) (b *Barrier, counted bool, err error)
	// ReleaseBarrier flips a pending barrier to released. Only one caller
	// ever observes true.
	ReleaseBarrier(ctx context.Context, id string) (bool, error)
}

// Storage is the full persistence surface.
type Storage interface {
	Migrate(ctx context.Context) error
	TaskStore
	JobStore
	PipelineStore
	BarrierStore
}
