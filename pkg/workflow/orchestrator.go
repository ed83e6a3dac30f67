package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/events"
	"github.com/jdziat/docpipe/pkg/jobctx"
	"github.com/jdziat/docpipe/pkg/llm"
	"github.com/jdziat/docpipe/pkg/pipeline"
	"github.com/jdziat/docpipe/pkg/tasks"
)

// Task names registered by Register.
const (
	TaskWorkflow        = "analysis_workflow"
	TaskProcessDocument = "process_document"
	TaskCombine         = "combine_documents"
	TaskAnalyzeRFP      = "analyze_rfp"
	TaskAnalyzeProposal = "analyze_proposal"
	TaskExecutePipeline = "execute_pipeline"
)

// Source types recorded on the tasks the orchestrator creates.
const (
	SourceAnalysisPipeline = "analysis_pipeline"
	SourceDocument         = "document"
	SourcePipelineConfig   = "pipeline_config"
)

// Task parameter keys.
const (
	ParamAnalysisID   = "analysis_id"
	ParamDocumentIDs  = "document_ids"
	ParamDocumentID   = "document_id"
	ParamExecutionID  = "execution_id"
	ParamPipelineID   = "pipeline_id"
	ParamAnalysisType = "analysis_type"
	ParamCriteria     = "criteria"
	// ParamReprocess purges earlier per-document output before fanning out.
	ParamReprocess = "reprocess"
)

const resumeDelay = 250 * time.Millisecond

// DefaultSteps run against each document of an analysis pipeline without a
// step configuration.
var DefaultSteps = []core.Step{
	{ID: "extract", Kind: core.StepExtractText, Name: "extract_text"},
	{ID: "count", Kind: core.StepWordCount, Name: "word_count"},
	{ID: "embed", Kind: core.StepEmbed, Name: "embed"},
}

var errResumeHandoff = errors.New("workflow retry handoff pending")

// Store is the persistence the orchestrator needs.
type Store interface {
	core.PipelineStore
	core.BarrierStore
}

// Orchestrator runs fan-out/combine/analyze workflows and single-document
// executions. It owns no state beyond the task, execution, artifact and
// barrier rows it writes.
type Orchestrator struct {
	tasks        *tasks.Manager
	store        Store
	executor     *pipeline.Executor
	llm          llm.Client
	reader       pipeline.DocumentReader
	publisher    events.Publisher
	logger       *slog.Logger
	now          func() time.Time
	defaultSteps []core.Step
}

// New creates an Orchestrator and subscribes it to the manager's terminal
// transitions.
func New(m *tasks.Manager, store Store, executor *pipeline.Executor, client llm.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		tasks:        m,
		store:        store,
		executor:     executor,
		llm:          client,
		reader:       pipeline.StoreReader{Store: store},
		publisher:    events.Nop{},
		logger:       slog.Default(),
		now:          func() time.Time { return time.Now().UTC() },
		defaultSteps: DefaultSteps,
	}
	for _, opt := range opts {
		opt.apply(o)
	}
	m.OnTerminal(o.onTerminal)
	return o
}

// Register binds every workflow job to r.
func (o *Orchestrator) Register(r tasks.Registrar) {
	runner := tasks.NewRunner(o.tasks, r)
	runner.Register(TaskProcessDocument, o.processDocument)
	runner.Register(TaskCombine, o.combine)
	runner.Register(TaskAnalyzeRFP, o.analyze)
	runner.Register(TaskAnalyzeProposal, o.analyze)
	runner.Register(TaskExecutePipeline, o.executePipeline)

	// The parent task stays RUNNING until analyze settles it, so its retry
	// job is not a Runner function.
	r.Register(TaskWorkflow, func(ctx context.Context, args tasks.JobArgs) error {
		return o.resume(ctx, args.TaskID)
	})
}

// Request describes a multi-document analysis.
type Request struct {
	PipelineID  string
	DocumentIDs []string
	// AnalysisType defaults to the pipeline's own type.
	AnalysisType core.AnalysisType
	UserID       string
	Parameters   map[string]any
	// Priority defaults to NORMAL.
	Priority *core.Priority
}

// Submission is the outcome of SubmitWorkflow.
type Submission struct {
	TaskID       string   `json:"task_id"`
	ExecutionIDs []string `json:"execution_ids"`
	// Skipped lists documents whose earlier output was reused.
	Skipped []string `json:"skipped_document_ids,omitempty"`
}

// SubmitWorkflow starts an analysis of req.DocumentIDs against an analysis
// pipeline. It registers a RUNNING parent task, moves the pipeline to
// PROCESSING and fans out one process_document task per document that has
// no usable output yet.
func (o *Orchestrator) SubmitWorkflow(ctx context.Context, req Request) (*Submission, error) {
	if req.PipelineID == "" {
		return nil, core.Validation("pipeline_id", "is required")
	}
	docIDs := dedupe(req.DocumentIDs)
	if len(docIDs) == 0 {
		return nil, core.Validation("document_ids", "at least one document is required")
	}
	priority := core.PriorityNormal
	if req.Priority != nil {
		priority = *req.Priority
	}

	p, steps, docs, err := o.prepare(ctx, req.PipelineID, docIDs)
	if err != nil {
		return nil, err
	}
	kind := req.AnalysisType
	if kind == "" {
		kind = p.Type
	}
	if !kind.Valid() {
		return nil, core.Validation("analysis_type", fmt.Sprintf("unknown analysis type %q", kind))
	}
	if kind != p.Type {
		return nil, core.Validation("analysis_type", fmt.Sprintf("pipeline %s is a %s analysis", p.ID, p.Type))
	}

	params := make(map[string]any, len(req.Parameters)+3)
	for k, v := range req.Parameters {
		params[k] = v
	}
	params[ParamAnalysisID] = p.ID
	params[ParamDocumentIDs] = docIDs
	params[ParamAnalysisType] = string(kind)

	parent, err := o.tasks.Create(ctx, tasks.CreateRequest{
		Name:       TaskWorkflow,
		Type:       kind.TaskType(),
		Parameters: params,
		SourceType: SourceAnalysisPipeline,
		SourceID:   p.ID,
		Priority:   priority,
		UserID:     req.UserID,
		Detached:   true,
	})
	if err != nil {
		return nil, err
	}
	if parent, err = o.tasks.UpdateStatus(ctx, parent.ID, tasks.StatusUpdate{Status: core.StatusRunning}); err != nil {
		return nil, err
	}

	return o.fanOut(ctx, parent, p, steps, docs, boolParam(req.Parameters, ParamReprocess))
}

// prepare loads and checks everything a fan-out needs.
func (o *Orchestrator) prepare(ctx context.Context, pipelineID string, docIDs []string) (*core.AnalysisPipeline, []core.Step, []*core.Document, error) {
	p, err := o.analysisPipeline(ctx, pipelineID)
	if err != nil {
		return nil, nil, nil, err
	}

	steps := o.defaultSteps
	if p.ConfigID != nil {
		cfg, err := o.store.GetPipelineConfig(ctx, *p.ConfigID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("get pipeline config %s: %w", *p.ConfigID, err)
		}
		if cfg == nil {
			return nil, nil, nil, core.NotFound("pipeline", *p.ConfigID)
		}
		steps = cfg.Steps
	}
	if err := o.executor.Registry().Validate(steps); err != nil {
		return nil, nil, nil, err
	}
	if err := o.executor.Registry().Check(steps); err != nil {
		o.logger.Warn("pipeline has steps that will fail", "analysis_id", pipelineID, "error", err)
	}

	docs := make([]*core.Document, 0, len(docIDs))
	for _, id := range docIDs {
		doc, err := o.store.GetDocument(ctx, id)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("get document %s: %w", id, err)
		}
		if doc == nil {
			return nil, nil, nil, core.NotFound("document", id)
		}
		docs = append(docs, doc)
	}
	return p, steps, docs, nil
}

func (o *Orchestrator) analysisPipeline(ctx context.Context, id string) (*core.AnalysisPipeline, error) {
	p, err := o.store.GetAnalysisPipeline(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get pipeline %s: %w", id, err)
	}
	if p == nil {
		return nil, core.NotFound("pipeline", id)
	}
	return p, nil
}

// fanOut hands the pipeline to parent and submits the per-document tasks.
// Any failure fails the workflow before it is returned.
func (o *Orchestrator) fanOut(ctx context.Context, parent *core.Task, p *core.AnalysisPipeline, steps []core.Step, docs []*core.Document, reprocess bool) (*Submission, error) {
	var created []*core.Task
	fail := func(err error) (*Submission, error) {
		o.failWorkflow(ctx, p.ID, parent.ID, "fan-out", err)
		for _, t := range created {
			if _, cerr := o.tasks.Cancel(context.WithoutCancel(ctx), t.ID); cerr != nil {
				o.logger.Warn("failed to cancel fan-out task", "task_id", t.ID, "error", cerr)
			}
		}
		return nil, err
	}

	parentID := parent.ID
	_, err := o.store.UpdateAnalysisPipeline(ctx, p.ID, func(ap *core.AnalysisPipeline) error {
		ap.Status = core.PipelineProcessing
		ap.TaskID = &parentID
		ap.ErrorMessage = nil
		ap.CompletedAt = nil
		if reprocess {
			ap.Result = nil
			if ap.Type == core.AnalysisRFP {
				ap.Criteria = nil
				ap.Framework = nil
			}
		}
		return nil
	})
	if err != nil {
		return fail(fmt.Errorf("update pipeline %s: %w", p.ID, err))
	}

	if reprocess {
		if err := o.store.PurgeAnalysis(ctx, p.ID); err != nil {
			return fail(fmt.Errorf("purge pipeline %s: %w", p.ID, err))
		}
		o.logger.Info("purged earlier analysis output", "pipeline_id", p.ID)
	}

	configID := p.ID
	if p.ConfigID != nil {
		configID = *p.ConfigID
	}

	sub := &Submission{TaskID: parent.ID, ExecutionIDs: []string{}}
	var members []core.BarrierMember
	for _, doc := range docs {
		if !reprocess {
			execID, ok, err := o.reusable(ctx, p.ID, doc.ID)
			if err != nil {
				return fail(err)
			}
			if ok {
				sub.Skipped = append(sub.Skipped, doc.ID)
				if execID != "" {
					sub.ExecutionIDs = append(sub.ExecutionIDs, execID)
				}
				continue
			}
		}

		execID := uuid.New().String()
		child, err := o.tasks.Create(ctx, tasks.CreateRequest{
			Name: TaskProcessDocument,
			Type: core.TypeDocumentProcessing,
			Parameters: map[string]any{
				ParamAnalysisID:  p.ID,
				ParamDocumentID:  doc.ID,
				ParamExecutionID: execID,
			},
			SourceType:   SourceDocument,
			SourceID:     doc.ID,
			ParentTaskID: parent.ID,
			Priority:     parent.Priority,
			UserID:       parent.UserID,
			Detached:     true,
		})
		if err != nil {
			return fail(err)
		}
		created = append(created, child)

		childID, analysisID := child.ID, p.ID
		if err := o.store.CreateExecution(ctx, &core.PipelineExecution{
			ID:         execID,
			PipelineID: configID,
			AnalysisID: &analysisID,
			DocumentID: doc.ID,
			TaskID:     &childID,
			Status:     core.ExecutionPending,
			Steps:      steps,
			CreatedAt:  o.now(),
		}); err != nil {
			return fail(fmt.Errorf("create execution: %w", err))
		}
		sub.ExecutionIDs = append(sub.ExecutionIDs, execID)
		members = append(members, core.BarrierMember{TaskID: child.ID, DocumentID: doc.ID})
	}

	if len(members) > 0 {
		// Members exist before any job is enqueued, so no terminal hook
		// can miss the barrier.
		if err := o.store.CreateBarrier(ctx, &core.Barrier{
			ID:           uuid.New().String(),
			ParentTaskID: parent.ID,
			AnalysisID:   p.ID,
		}, members); err != nil {
			return fail(fmt.Errorf("create barrier: %w", err))
		}
	}

	o.logger.Info("workflow started",
		"pipeline_id", p.ID, "task_id", parent.ID,
		"documents", len(docs), "fan_out", len(created), "reused", len(sub.Skipped))
	o.publish(ctx, p.ID, events.WorkflowStarted, map[string]any{
		"task_id":              parent.ID,
		"analysis_type":        string(p.Type),
		"document_ids":         documentIDs(docs),
		"execution_ids":        sub.ExecutionIDs,
		"skipped_document_ids": sub.Skipped,
		"reprocess":            reprocess,
	})

	if len(members) == 0 {
		o.startCombine(ctx, parent.ID, p.ID)
		return sub, nil
	}
	for _, t := range created {
		if _, err := o.tasks.Dispatch(ctx, t.ID); err != nil {
			return fail(err)
		}
	}
	return sub, nil
}

// reusable reports whether a document already has usable output for the
// analysis: an artifact, or a completed execution.
func (o *Orchestrator) reusable(ctx context.Context, analysisID, docID string) (string, bool, error) {
	art, err := o.store.GetArtifact(ctx, analysisID, docID)
	if err != nil {
		return "", false, fmt.Errorf("get artifact %s: %w", docID, err)
	}
	if art != nil {
		return art.ExecutionID, true, nil
	}
	execs, err := o.store.ListExecutions(ctx, core.ExecutionFilter{
		AnalysisID: analysisID,
		DocumentID: docID,
		Statuses:   []core.ExecutionStatus{core.ExecutionCompleted},
	})
	if err != nil {
		return "", false, fmt.Errorf("list executions %s: %w", docID, err)
	}
	if len(execs) > 0 {
		return execs[0].ID, true, nil
	}
	return "", false, nil
}

// resume runs a retried workflow: the parent task is moved back to
// RUNNING and the documents are fanned out again from a clean slate.
func (o *Orchestrator) resume(ctx context.Context, taskID string) error {
	task, err := o.tasks.Store().GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return core.NoRetry(core.NotFound("task", taskID))
	}
	switch {
	case task.Status == core.StatusFailed && task.BrokerHandle != jobctx.JobIDFromContext(ctx):
		return core.RetryAfter(resumeDelay, errResumeHandoff)
	case task.Status != core.StatusRetrying && task.Status != core.StatusPending:
		o.logger.Info("skipping delivery of workflow", "task_id", taskID, "status", task.Status)
		return nil
	}

	task, err = o.tasks.UpdateStatus(ctx, taskID, tasks.StatusUpdate{Status: core.StatusRunning})
	if err != nil {
		return err
	}
	if task.Status != core.StatusRunning {
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	analysisID := task.Param(ParamAnalysisID)
	p, steps, docs, err := o.prepare(ctx, analysisID, stringsParam(task.Parameters, ParamDocumentIDs))
	if err != nil {
		o.failWorkflow(ctx, analysisID, task.ID, "fan-out", err)
		return nil
	}
	_, err = o.fanOut(ctx, task, p, steps, docs, true)
	if err != nil {
		o.logger.Warn("workflow retry failed", "task_id", task.ID, "error", err)
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, analysisID, eventType string, data map[string]any) {
	data[ParamAnalysisID] = analysisID
	o.publisher.Publish(ctx, events.PipelineChannel(analysisID), eventType, data)
}

func documentIDs(docs []*core.Document) []string {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// stringsParam reads a string list parameter. Stored parameters come back
// as []any.
func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func boolParam(params map[string]any, key string) bool {
	b, _ := params[key].(bool)
	return b
}
