package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/events"
	"github.com/jdziat/docpipe/pkg/security"
	"github.com/jdziat/docpipe/pkg/tasks"
)

var errSkip = errors.New("skip")

// onTerminal advances workflows as their tasks finish.
func (o *Orchestrator) onTerminal(ctx context.Context, t *core.Task) {
	switch t.Name {
	case TaskProcessDocument:
		o.documentSettled(ctx, t)
	case TaskExecutePipeline:
		o.syncExecution(ctx, t)
	case TaskCombine:
		o.combineSettled(ctx, t)
	case TaskAnalyzeRFP, TaskAnalyzeProposal:
		o.analysisSettled(ctx, t)
	case TaskWorkflow:
		o.workflowSettled(ctx, t)
	}
}

// documentSettled counts a fan-out task against its barrier. The caller
// that releases the barrier creates the combine task.
func (o *Orchestrator) documentSettled(ctx context.Context, t *core.Task) {
	analysisID := t.Param(ParamAnalysisID)
	data := map[string]any{
		"task_id":      t.ID,
		"document_id":  t.Param(ParamDocumentID),
		"execution_id": t.Param(ParamExecutionID),
		"status":       string(t.Status),
	}
	if t.Status == core.StatusCompleted {
		o.publish(ctx, analysisID, events.DocumentProcessed, data)
	} else {
		o.syncExecution(ctx, t)
		data["error"] = t.Error()
		o.publish(ctx, analysisID, events.DocumentFailed, data)
	}

	b, counted, err := o.store.MarkMember(ctx, t.ID, t.Status == core.StatusCompleted)
	if err != nil {
		o.logger.Warn("failed to record fan-out outcome", "task_id", t.ID, "error", err)
		return
	}
	if !counted || !b.Settled() {
		return
	}
	released, err := o.store.ReleaseBarrier(ctx, b.ID)
	if err != nil {
		o.logger.Warn("failed to release barrier", "barrier_id", b.ID, "error", err)
		return
	}
	if !released {
		return
	}
	o.logger.Info("fan-out settled",
		"pipeline_id", b.AnalysisID, "task_id", b.ParentTaskID,
		"succeeded", b.SucceededCount, "failed", b.FailedCount)
	o.startCombine(ctx, b.ParentTaskID, b.AnalysisID)
}

// syncExecution moves the execution driven by a failed or canceled task to
// the matching terminal status. Executions already terminal are kept.
func (o *Orchestrator) syncExecution(ctx context.Context, t *core.Task) {
	execID := t.Param(ParamExecutionID)
	if execID == "" || t.Status == core.StatusCompleted {
		return
	}
	status := core.ExecutionFailed
	if t.Status == core.StatusCanceled {
		status = core.ExecutionCanceled
	}
	_, err := o.store.UpdateExecution(ctx, execID, func(e *core.PipelineExecution) error {
		if e.Status.IsTerminal() {
			return errSkip
		}
		now := o.now()
		e.Status = status
		e.ErrorMessage = t.ErrorMessage
		e.CompletedAt = &now
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		o.logger.Warn("failed to update execution", "execution_id", execID, "error", err)
	}
}

func (o *Orchestrator) combineSettled(ctx context.Context, t *core.Task) {
	analysisID, parentID := t.Param(ParamAnalysisID), parentOf(t)
	if t.Status == core.StatusCompleted {
		o.startAnalyze(ctx, parentID, analysisID)
		return
	}
	o.failWorkflow(ctx, analysisID, parentID, "combine", taskError(t))
}

func (o *Orchestrator) analysisSettled(ctx context.Context, t *core.Task) {
	analysisID, parentID := t.Param(ParamAnalysisID), parentOf(t)
	if analysisID == "" {
		return
	}
	if t.Status == core.StatusCompleted {
		o.completeWorkflow(ctx, analysisID, parentID, t.Result)
		return
	}
	o.failWorkflow(ctx, analysisID, parentID, "analyze", taskError(t))
}

// workflowSettled stops outstanding children of a parent task that ended
// early, and fails its pipeline if nothing else has.
func (o *Orchestrator) workflowSettled(ctx context.Context, t *core.Task) {
	if t.Status == core.StatusCompleted {
		return
	}
	children, err := o.tasks.List(ctx, core.TaskFilter{
		ParentTaskID: t.ID,
		Statuses:     []core.TaskStatus{core.StatusPending, core.StatusRunning, core.StatusRetrying},
	}, core.ListOptions{Limit: tasks.MaxListLimit})
	if err != nil {
		o.logger.Warn("failed to list workflow tasks", "task_id", t.ID, "error", err)
	}
	for _, child := range children {
		if _, err := o.tasks.Cancel(ctx, child.ID); err != nil {
			o.logger.Warn("failed to cancel workflow task", "task_id", child.ID, "error", err)
		}
	}

	if analysisID := t.Param(ParamAnalysisID); analysisID != "" {
		o.markPipeline(ctx, analysisID, t.ID, core.PipelineFailed, taskError(t), true)
	}
}

// activeParent returns the parent task when it is still running and still
// owns the pipeline.
func (o *Orchestrator) activeParent(ctx context.Context, parentID, analysisID string) (*core.Task, bool) {
	parent, err := o.tasks.Get(ctx, parentID)
	if err != nil {
		o.logger.Warn("workflow parent unavailable", "task_id", parentID, "error", err)
		return nil, false
	}
	if parent.Status.IsTerminal() {
		o.logger.Info("workflow already finished", "task_id", parentID, "status", parent.Status)
		return nil, false
	}
	p, err := o.store.GetAnalysisPipeline(ctx, analysisID)
	if err != nil || p == nil {
		o.logger.Warn("workflow pipeline unavailable", "pipeline_id", analysisID, "error", err)
		return nil, false
	}
	if p.TaskID == nil || *p.TaskID != parentID {
		o.logger.Info("workflow superseded", "pipeline_id", analysisID, "task_id", parentID)
		return nil, false
	}
	return parent, true
}

func (o *Orchestrator) startCombine(ctx context.Context, parentID, analysisID string) {
	parent, ok := o.activeParent(ctx, parentID, analysisID)
	if !ok {
		return
	}
	_, err := o.tasks.Create(ctx, tasks.CreateRequest{
		Name: TaskCombine,
		Type: parent.Type,
		Parameters: map[string]any{
			ParamAnalysisID:  analysisID,
			ParamDocumentIDs: stringsParam(parent.Parameters, ParamDocumentIDs),
		},
		SourceType:   SourceAnalysisPipeline,
		SourceID:     analysisID,
		ParentTaskID: parentID,
		Priority:     parent.Priority,
		UserID:       parent.UserID,
	})
	if err != nil {
		o.failWorkflow(ctx, analysisID, parentID, "combine", err)
	}
}

func (o *Orchestrator) startAnalyze(ctx context.Context, parentID, analysisID string) {
	parent, ok := o.activeParent(ctx, parentID, analysisID)
	if !ok {
		return
	}
	name := TaskAnalyzeRFP
	if parent.Type == core.TypeProposalAnalysis {
		name = TaskAnalyzeProposal
	}
	_, err := o.tasks.Create(ctx, tasks.CreateRequest{
		Name:         name,
		Type:         parent.Type,
		Parameters:   map[string]any{ParamAnalysisID: analysisID},
		SourceType:   SourceAnalysisPipeline,
		SourceID:     analysisID,
		ParentTaskID: parentID,
		Priority:     parent.Priority,
		UserID:       parent.UserID,
	})
	if err != nil {
		o.failWorkflow(ctx, analysisID, parentID, "analyze", err)
	}
}

// failWorkflow marks the pipeline FAILED and mirrors the error onto the
// parent task.
func (o *Orchestrator) failWorkflow(ctx context.Context, analysisID, parentID, phase string, cause error) {
	var wfErr *core.WorkflowError
	if !errors.As(cause, &wfErr) {
		wfErr = &core.WorkflowError{Phase: phase, PipelineID: analysisID, Err: cause}
	}
	o.logger.Warn("workflow failed", "pipeline_id", analysisID, "task_id", parentID, "phase", wfErr.Phase, "error", wfErr.Err)

	o.markPipeline(ctx, analysisID, parentID, core.PipelineFailed, wfErr, false)
	if parentID != "" {
		if _, err := o.tasks.UpdateStatus(ctx, parentID, tasks.StatusUpdate{Status: core.StatusFailed, Error: wfErr}); err != nil {
			o.logger.Warn("failed to fail workflow task", "task_id", parentID, "error", err)
		}
	}
	o.publish(ctx, analysisID, events.AnalysisFailed, map[string]any{
		"task_id": parentID,
		"phase":   wfErr.Phase,
		"error":   security.SanitizeErrorMessage(wfErr.Error()),
	})
}

func (o *Orchestrator) completeWorkflow(ctx context.Context, analysisID, parentID string, result map[string]any) {
	o.markPipeline(ctx, analysisID, parentID, core.PipelineCompleted, nil, false)
	if parentID != "" {
		if _, err := o.tasks.UpdateStatus(ctx, parentID, tasks.StatusUpdate{Status: core.StatusCompleted, Result: result}); err != nil {
			o.logger.Warn("failed to complete workflow task", "task_id", parentID, "error", err)
		}
	}
	o.logger.Info("workflow completed", "pipeline_id", analysisID, "task_id", parentID)

	data := map[string]any{"task_id": parentID}
	if n, ok := result["criteria_count"]; ok {
		data["criteria_count"] = n
	}
	o.publish(ctx, analysisID, events.AnalysisCompleted, data)
}

// markPipeline sets the pipeline's final status unless another workflow
// run has taken it over. With onlyProcessing, a pipeline that already
// reached a final status is kept.
func (o *Orchestrator) markPipeline(ctx context.Context, analysisID, parentID string, status core.PipelineStatus, cause error, onlyProcessing bool) {
	_, err := o.store.UpdateAnalysisPipeline(ctx, analysisID, func(p *core.AnalysisPipeline) error {
		if parentID != "" && p.TaskID != nil && *p.TaskID != parentID {
			return errSkip
		}
		if onlyProcessing && p.Status != core.PipelineProcessing {
			return errSkip
		}
		now := o.now()
		p.Status = status
		p.CompletedAt = &now
		p.ErrorMessage = nil
		if cause != nil {
			p.ErrorMessage = security.SanitizedError(cause)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		o.logger.Warn("failed to update pipeline status", "pipeline_id", analysisID, "status", status, "error", err)
	}
}

func parentOf(t *core.Task) string {
	if t.ParentTaskID == nil {
		return ""
	}
	return *t.ParentTaskID
}

func taskError(t *core.Task) error {
	if msg := t.Error(); msg != "" {
		return errors.New(msg)
	}
	return fmt.Errorf("task %s ended %s", t.ID, t.Status)
}
