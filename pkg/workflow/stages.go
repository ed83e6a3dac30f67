package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/events"
	"github.com/jdziat/docpipe/pkg/pipeline"
	"github.com/jdziat/docpipe/pkg/security"
	"github.com/jdziat/docpipe/pkg/tasks"
)

// processDocument is the fan-out job: it runs the execution's step
// snapshot against one document and stores the document's artifact.
func (o *Orchestrator) processDocument(ctx context.Context, t *core.Task) (map[string]any, error) {
	analysisID := t.Param(ParamAnalysisID)
	exec, doc, err := o.startExecution(ctx, t.Param(ParamExecutionID))
	if err != nil {
		return nil, err
	}

	res, err := o.executor.Execute(ctx, exec.ID, exec.Steps, doc)
	if err != nil {
		o.finishExecution(ctx, exec.ID, res, err)
		return nil, err
	}

	art, chunks := artifactFrom(res, analysisID, exec.ID, doc)
	art.CreatedAt = o.now()
	for i := range chunks {
		chunks[i].CreatedAt = art.CreatedAt
	}
	if err := o.store.SaveArtifact(ctx, art, chunks); err != nil {
		err = fmt.Errorf("save artifact %s: %w", doc.ID, err)
		o.finishExecution(ctx, exec.ID, res, err)
		return nil, err
	}
	o.finishExecution(ctx, exec.ID, res, nil)

	return map[string]any{
		ParamExecutionID: exec.ID,
		ParamDocumentID:  doc.ID,
		"word_count":     art.WordCount,
		"chunk_count":    art.ChunkCount,
		"failed_steps":   res.Summary.Failed,
	}, nil
}

// artifactFrom collects the extracted text, chunks and embeddings a run
// left in its context.
func artifactFrom(res *pipeline.Result, analysisID, execID string, doc *core.Document) (*core.DocumentArtifact, []core.DocumentChunk) {
	text, _ := res.Context[pipeline.KeyExtractedText].(string)
	words, ok := res.Context[pipeline.KeyWordCount].(int)
	if !ok {
		words = len(strings.Fields(text))
	}
	art := &core.DocumentArtifact{
		AnalysisID:      analysisID,
		DocumentID:      doc.ID,
		ExecutionID:     execID,
		Title:           doc.Title,
		Text:            text,
		WordCount:       words,
		ProcessingOrder: doc.ProcessingOrder,
	}

	texts, _ := res.Context[pipeline.KeyChunks].([]string)
	vectors, _ := res.Context[pipeline.KeyEmbeddings].([][]float32)
	chunks := make([]core.DocumentChunk, len(texts))
	for i, c := range texts {
		chunks[i] = core.DocumentChunk{
			ID:         uuid.New().String(),
			AnalysisID: analysisID,
			DocumentID: doc.ID,
			ChunkIndex: i,
			Content:    c,
		}
		if i < len(vectors) {
			chunks[i].Embedding = vectors[i]
		}
	}
	return art, chunks
}

// startExecution loads an execution and its document and moves it to
// RUNNING.
func (o *Orchestrator) startExecution(ctx context.Context, execID string) (*core.PipelineExecution, *core.Document, error) {
	exec, err := o.store.GetExecution(ctx, execID)
	if err != nil {
		return nil, nil, fmt.Errorf("get execution %s: %w", execID, err)
	}
	if exec == nil {
		return nil, nil, core.NotFound("execution", execID)
	}
	doc, err := o.store.GetDocument(ctx, exec.DocumentID)
	if err != nil {
		return nil, nil, fmt.Errorf("get document %s: %w", exec.DocumentID, err)
	}
	if doc == nil {
		return nil, nil, core.NotFound("document", exec.DocumentID)
	}

	exec, err = o.store.UpdateExecution(ctx, execID, func(e *core.PipelineExecution) error {
		now := o.now()
		e.Status = core.ExecutionRunning
		e.StartedAt = &now
		e.CompletedAt = nil
		e.ErrorMessage = nil
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("start execution %s: %w", execID, err)
	}
	return exec, doc, nil
}

// finishExecution stores a run's results and final status. It writes even
// after ctx is done.
func (o *Orchestrator) finishExecution(ctx context.Context, execID string, res *pipeline.Result, runErr error) {
	ctx = context.WithoutCancel(ctx)
	_, err := o.store.UpdateExecution(ctx, execID, func(e *core.PipelineExecution) error {
		if e.Status == core.ExecutionCanceled {
			return errSkip
		}
		now := o.now()
		e.CompletedAt = &now
		if res != nil {
			e.Results = res.ResultsMap()
			e.Summary = res.SummaryMap()
		}
		if runErr != nil {
			e.Status = core.ExecutionFailed
			e.ErrorMessage = security.SanitizedError(runErr)
			return nil
		}
		e.Status = core.ExecutionCompleted
		e.ErrorMessage = nil
		if res != nil && len(res.Errors) > 0 {
			msg := security.SanitizeErrorMessage(strings.Join(res.Errors, "; "))
			e.ErrorMessage = &msg
		}
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		o.logger.Error("failed to record execution result", "execution_id", execID, "error", err)
	}
}

// combine concatenates the analysis's document texts in processing order
// and records which documents contributed.
func (o *Orchestrator) combine(ctx context.Context, t *core.Task) (map[string]any, error) {
	analysisID := t.Param(ParamAnalysisID)
	if analysisID == "" {
		return nil, core.Validation(ParamAnalysisID, "is required")
	}
	arts, err := o.store.ListArtifacts(ctx, analysisID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}

	combined := combineArtifacts(analysisID, stringsParam(t.Parameters, ParamDocumentIDs), arts)
	combined.CreatedAt = o.now()
	combined.UpdatedAt = combined.CreatedAt
	if err := o.store.SaveCombined(ctx, combined); err != nil {
		return nil, fmt.Errorf("save combined artifact: %w", err)
	}

	o.logger.Info("documents combined",
		"pipeline_id", analysisID, "documents", len(combined.DocumentIDs), "missing", len(combined.MissingIDs))
	o.publish(ctx, analysisID, events.WorkflowCombined, map[string]any{
		"task_id":              t.ID,
		"document_ids":         []string(combined.DocumentIDs),
		"missing_document_ids": []string(combined.MissingIDs),
	})

	return map[string]any{
		"document_count":       len(combined.DocumentIDs),
		"document_ids":         []string(combined.DocumentIDs),
		"missing_document_ids": []string(combined.MissingIDs),
		"char_count":           len([]rune(combined.Text)),
	}, nil
}

// combineArtifacts joins arts, already in processing order. When expected
// is set, only those documents count and any of them without text is
// reported missing.
func combineArtifacts(analysisID string, expected []string, arts []*core.DocumentArtifact) *core.CombinedArtifact {
	want := make(map[string]bool, len(expected))
	for _, id := range expected {
		want[id] = true
	}

	var sections []string
	contributed := map[string]bool{}
	out := &core.CombinedArtifact{AnalysisID: analysisID, DocumentIDs: []string{}, MissingIDs: []string{}}
	for _, a := range arts {
		if len(want) > 0 && !want[a.DocumentID] {
			continue
		}
		text := strings.TrimSpace(a.Text)
		if text == "" {
			continue
		}
		if a.Title != "" {
			text = "## " + a.Title + "\n\n" + text
		}
		sections = append(sections, text)
		contributed[a.DocumentID] = true
		out.DocumentIDs = append(out.DocumentIDs, a.DocumentID)
	}
	for _, id := range expected {
		if !contributed[id] {
			out.MissingIDs = append(out.MissingIDs, id)
		}
	}
	out.Text = strings.Join(sections, "\n\n")
	return out
}

// ExecutionRequest describes a single-document pipeline run.
type ExecutionRequest struct {
	PipelineConfigID string
	DocumentID       string
	UserID           string
	// Priority defaults to NORMAL.
	Priority *core.Priority
}

// ExecutionSubmission is the outcome of SubmitExecution.
type ExecutionSubmission struct {
	TaskID      string `json:"task_id"`
	ExecutionID string `json:"execution_id"`
}

// SubmitExecution runs a pipeline config against one document as a
// tracked task, outside any workflow.
func (o *Orchestrator) SubmitExecution(ctx context.Context, req ExecutionRequest) (*ExecutionSubmission, error) {
	if req.PipelineConfigID == "" {
		return nil, core.Validation("pipeline_id", "is required")
	}
	if req.DocumentID == "" {
		return nil, core.Validation("document_id", "is required")
	}
	priority := core.PriorityNormal
	if req.Priority != nil {
		priority = *req.Priority
	}

	cfg, err := o.store.GetPipelineConfig(ctx, req.PipelineConfigID)
	if err != nil {
		return nil, fmt.Errorf("get pipeline config %s: %w", req.PipelineConfigID, err)
	}
	if cfg == nil {
		return nil, core.NotFound("pipeline", req.PipelineConfigID)
	}
	if err := o.executor.Registry().Validate(cfg.Steps); err != nil {
		return nil, err
	}
	if err := o.executor.Registry().Check(cfg.Steps); err != nil {
		o.logger.Warn("pipeline config has steps that will fail", "config_id", cfg.ID, "error", err)
	}
	doc, err := o.store.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", req.DocumentID, err)
	}
	if doc == nil {
		return nil, core.NotFound("document", req.DocumentID)
	}

	execID := uuid.New().String()
	task, err := o.tasks.Create(ctx, tasks.CreateRequest{
		Name: TaskExecutePipeline,
		Type: core.TypePipelineExecution,
		Parameters: map[string]any{
			ParamPipelineID:  cfg.ID,
			ParamDocumentID:  doc.ID,
			ParamExecutionID: execID,
		},
		SourceType: SourcePipelineConfig,
		SourceID:   cfg.ID,
		Priority:   priority,
		UserID:     req.UserID,
		Detached:   true,
	})
	if err != nil {
		return nil, err
	}

	taskID := task.ID
	if err := o.store.CreateExecution(ctx, &core.PipelineExecution{
		ID:         execID,
		PipelineID: cfg.ID,
		DocumentID: doc.ID,
		TaskID:     &taskID,
		Status:     core.ExecutionPending,
		Steps:      cfg.Steps,
		CreatedAt:  o.now(),
	}); err != nil {
		o.abandon(ctx, taskID)
		return nil, fmt.Errorf("create execution: %w", err)
	}
	if _, err := o.tasks.Dispatch(ctx, taskID); err != nil {
		o.abandon(ctx, taskID)
		return nil, err
	}
	return &ExecutionSubmission{TaskID: taskID, ExecutionID: execID}, nil
}

func (o *Orchestrator) abandon(ctx context.Context, taskID string) {
	if _, err := o.tasks.Cancel(context.WithoutCancel(ctx), taskID); err != nil {
		o.logger.Warn("failed to cancel abandoned task", "task_id", taskID, "error", err)
	}
}

// executePipeline is the job behind SubmitExecution.
func (o *Orchestrator) executePipeline(ctx context.Context, t *core.Task) (map[string]any, error) {
	exec, doc, err := o.startExecution(ctx, t.Param(ParamExecutionID))
	if err != nil {
		return nil, err
	}
	res, err := o.executor.Execute(ctx, exec.ID, exec.Steps, doc)
	o.finishExecution(ctx, exec.ID, res, err)
	if err != nil {
		return nil, err
	}

	out := res.SummaryMap()
	out[ParamExecutionID] = exec.ID
	out[ParamDocumentID] = doc.ID
	return out, nil
}
