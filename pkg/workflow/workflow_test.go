package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/events"
	"github.com/jdziat/docpipe/pkg/llm"
	"github.com/jdziat/docpipe/pkg/pipeline"
	"github.com/jdziat/docpipe/pkg/queue"
	"github.com/jdziat/docpipe/pkg/storage"
	"github.com/jdziat/docpipe/pkg/tasks"
	"github.com/jdziat/docpipe/pkg/worker"
)

type fixture struct {
	store  *storage.GormStorage
	queue  *queue.Queue
	tasks  *tasks.Manager
	orch   *Orchestrator
	events *events.Recorder
}

func newFixture(t *testing.T, client llm.Client) *fixture {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "workflow.db"))
	require.NoError(t, err)
	store := storage.NewGormStorage(db)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	q := queue.New(store)
	m := tasks.NewManager(store, tasks.WithBroker(q))
	rec := events.NewRecorder(1000)
	exec := pipeline.NewExecutor(pipeline.StoreReader{Store: store}, client)
	o := New(m, store, exec, client, WithPublisher(rec))
	o.Register(q)

	return &fixture{store: store, queue: q, tasks: m, orch: o, events: rec}
}

func (f *fixture) startWorker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := worker.NewWorker(f.queue, worker.PollInterval(10*time.Millisecond), worker.Concurrency(4))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) addDocument(t *testing.T, id, title, content string, order int) *core.Document {
	t.Helper()
	doc := &core.Document{ID: id, Title: title, Content: content, ProcessingOrder: order}
	require.NoError(t, f.store.CreateDocument(context.Background(), doc))
	return doc
}

// addBrokenDocument stores a document whose file does not exist, so every
// step fails.
func (f *fixture) addBrokenDocument(t *testing.T, id string) *core.Document {
	t.Helper()
	doc := &core.Document{ID: id, Title: id, Path: filepath.Join(t.TempDir(), "missing.txt")}
	require.NoError(t, f.store.CreateDocument(context.Background(), doc))
	return doc
}

func (f *fixture) addPipeline(t *testing.T, kind core.AnalysisType, mutate func(*core.AnalysisPipeline)) *core.AnalysisPipeline {
	t.Helper()
	p := &core.AnalysisPipeline{ID: uuid.New().String(), Name: "analysis", Type: kind, Status: core.PipelinePending}
	if mutate != nil {
		mutate(p)
	}
	require.NoError(t, f.store.CreateAnalysisPipeline(context.Background(), p))
	return p
}

func (f *fixture) waitTerminal(t *testing.T, taskID string) *core.Task {
	t.Helper()
	var got atomic.Pointer[core.Task]
	require.Eventually(t, func() bool {
		task, err := f.tasks.Get(context.Background(), taskID)
		if err != nil {
			return false
		}
		got.Store(task)
		return task.Status.IsTerminal()
	}, 15*time.Second, 20*time.Millisecond)
	return got.Load()
}

func (f *fixture) children(t *testing.T, parentID, name string) []*core.Task {
	t.Helper()
	list, err := f.tasks.List(context.Background(), core.TaskFilter{ParentTaskID: parentID, Name: name}, core.ListOptions{})
	require.NoError(t, err)
	return list
}

func (f *fixture) analysis(t *testing.T, id string) *core.AnalysisPipeline {
	t.Helper()
	p, err := f.store.GetAnalysisPipeline(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func eventTypes(msgs []events.Message) map[string]int {
	out := map[string]int{}
	for _, m := range msgs {
		out[m.Type]++
	}
	return out
}

// ──────────────────────────────────────────────────────────────────────────────
// SubmitWorkflow
// ──────────────────────────────────────────────────────────────────────────────

func TestSubmitWorkflow_ThreeDocuments(t *testing.T) {
	f := newFixture(t, llm.NewStatic())
	f.addDocument(t, "doc-a", "Security", "Vendors must provide audit logging. Logs are kept for a year.", 2)
	f.addDocument(t, "doc-b", "Hosting", "Vendors must host the platform in the EU.", 1)
	f.addDocument(t, "doc-c", "Pricing", "Pricing must be fixed for three years.", 3)
	p := f.addPipeline(t, core.AnalysisRFP, nil)
	f.startWorker(t)

	sub, err := f.orch.SubmitWorkflow(context.Background(), Request{
		PipelineID:  p.ID,
		DocumentIDs: []string{"doc-a", "doc-b", "doc-c"},
		UserID:      "user-1",
	})
	require.NoError(t, err)
	assert.Len(t, sub.ExecutionIDs, 3)
	assert.Empty(t, sub.Skipped)

	parent := f.waitTerminal(t, sub.TaskID)
	require.Equal(t, core.StatusCompleted, parent.Status, parent.Error())
	assert.Equal(t, core.TypeRFPAnalysis, parent.Type)
	assert.Equal(t, "user-1", parent.UserID)
	assert.Greater(t, parent.Result["criteria_count"], float64(0))

	fanOut := f.children(t, sub.TaskID, TaskProcessDocument)
	combine := f.children(t, sub.TaskID, TaskCombine)
	analyze := f.children(t, sub.TaskID, TaskAnalyzeRFP)
	require.Len(t, fanOut, 3)
	require.Len(t, combine, 1)
	require.Len(t, analyze, 1)

	require.NotNil(t, combine[0].StartedAt)
	for _, child := range fanOut {
		assert.Equal(t, core.StatusCompleted, child.Status)
		require.NotNil(t, child.CompletedAt)
		assert.False(t, combine[0].StartedAt.Before(*child.CompletedAt))
	}
	require.NotNil(t, analyze[0].StartedAt)
	assert.False(t, analyze[0].StartedAt.Before(*combine[0].CompletedAt))

	got := f.analysis(t, p.ID)
	assert.Equal(t, core.PipelineCompleted, got.Status)
	assert.NotEmpty(t, got.Criteria)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, sub.TaskID, *got.TaskID)

	combined, err := f.store.GetCombined(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, combined)
	assert.Equal(t, []string{"doc-b", "doc-a", "doc-c"}, []string(combined.DocumentIDs))
	assert.Empty(t, combined.MissingIDs)
	assert.Less(t, strings.Index(combined.Text, "## Hosting"), strings.Index(combined.Text, "## Security"))
	assert.Less(t, strings.Index(combined.Text, "## Security"), strings.Index(combined.Text, "## Pricing"))

	chunks, err := f.store.ListChunks(context.Background(), p.ID, "doc-a")
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.NotEmpty(t, chunks[0].Embedding)

	for _, id := range sub.ExecutionIDs {
		exec, err := f.store.GetExecution(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, core.ExecutionCompleted, exec.Status)
		assert.Len(t, exec.Steps, len(DefaultSteps))
		assert.Contains(t, exec.Results, "extract_text")
	}

	types := eventTypes(f.events.Drain())
	assert.Equal(t, 1, types[events.WorkflowStarted])
	assert.Equal(t, 3, types[events.DocumentProcessed])
	assert.Equal(t, 1, types[events.WorkflowCombined])
	assert.Equal(t, 1, types[events.AnalysisCompleted])
}

func TestSubmitWorkflow_FailedDocumentStillCombines(t *testing.T) {
	f := newFixture(t, llm.NewStatic())
	f.addDocument(t, "doc-a", "Security", "Vendors must provide audit logging.", 1)
	f.addBrokenDocument(t, "doc-b")
	f.addDocument(t, "doc-c", "Pricing", "Pricing must be fixed for three years.", 3)
	p := f.addPipeline(t, core.AnalysisRFP, nil)
	f.startWorker(t)

	sub, err := f.orch.SubmitWorkflow(context.Background(), Request{
		PipelineID:  p.ID,
		DocumentIDs: []string{"doc-a", "doc-b", "doc-c"},
	})
	require.NoError(t, err)

	parent := f.waitTerminal(t, sub.TaskID)
	require.Equal(t, core.StatusCompleted, parent.Status, parent.Error())

	var failed int
	for _, child := range f.children(t, sub.TaskID, TaskProcessDocument) {
		if child.Status == core.StatusFailed {
			failed++
			assert.Contains(t, child.Error(), "all pipeline steps failed")
		}
	}
	assert.Equal(t, 1, failed)
	assert.Len(t, f.children(t, sub.TaskID, TaskCombine), 1)

	combined, err := f.store.GetCombined(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-a", "doc-c"}, []string(combined.DocumentIDs))
	assert.Equal(t, []string{"doc-b"}, []string(combined.MissingIDs))

	execs, err := f.store.ListExecutions(context.Background(), core.ExecutionFilter{AnalysisID: p.ID, DocumentID: "doc-b"})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, core.ExecutionFailed, execs[0].Status)
	assert.NotEmpty(t, execs[0].Results)

	assert.Equal(t, core.PipelineCompleted, f.analysis(t, p.ID).Status)
	assert.Equal(t, 1, eventTypes(f.events.Drain())[events.DocumentFailed])
}

func TestSubmitWorkflow_EmptyCombinedTextFailsPipeline(t *testing.T) {
	f := newFixture(t, llm.NewStatic())
	f.addBrokenDocument(t, "doc-a")
	f.addBrokenDocument(t, "doc-b")
	p := f.addPipeline(t, core.AnalysisRFP, nil)
	f.startWorker(t)

	sub, err := f.orch.SubmitWorkflow(context.Background(), Request{PipelineID: p.ID, DocumentIDs: []string{"doc-a", "doc-b"}})
	require.NoError(t, err)

	parent := f.waitTerminal(t, sub.TaskID)
	assert.Equal(t, core.StatusFailed, parent.Status)
	assert.Contains(t, parent.Error(), "combined document text is empty")

	got := f.analysis(t, p.ID)
	assert.Equal(t, core.PipelineFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "analyze")
	assert.Empty(t, got.Criteria)

	analyze := f.children(t, sub.TaskID, TaskAnalyzeRFP)
	require.Len(t, analyze, 1)
	assert.Equal(t, core.StatusFailed, analyze[0].Status)
	assert.Equal(t, 1, eventTypes(f.events.Drain())[events.AnalysisFailed])
}

func TestSubmitWorkflow_ReusesExistingArtifacts(t *testing.T) {
	f := newFixture(t, llm.NewStatic())
	f.addDocument(t, "doc-a", "Security", "Vendors must provide audit logging.", 1)
	f.addDocument(t, "doc-b", "Hosting", "Vendors must host the platform in the EU.", 2)
	p := f.addPipeline(t, core.AnalysisRFP, nil)
	require.NoError(t, f.store.SaveArtifact(context.Background(), &core.DocumentArtifact{
		AnalysisID:      p.ID,
		DocumentID:      "doc-a",
		ExecutionID:     "exec-earlier",
		Title:           "Security",
		Text:            "Vendors must provide audit logging.",
		ProcessingOrder: 1,
	}, nil))
	f.startWorker(t)

	sub, err := f.orch.SubmitWorkflow(context.Background(), Request{PipelineID: p.ID, DocumentIDs: []string{"doc-a", "doc-b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-a"}, sub.Skipped)
	assert.Contains(t, sub.ExecutionIDs, "exec-earlier")
	assert.Len(t, sub.ExecutionIDs, 2)

	parent := f.waitTerminal(t, sub.TaskID)
	require.Equal(t, core.StatusCompleted, parent.Status, parent.Error())

	fanOut := f.children(t, sub.TaskID, TaskProcessDocument)
	require.Len(t, fanOut, 1)
	assert.Equal(t, "doc-b", fanOut[0].SourceID)

	combined, err := f.store.GetCombined(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-a", "doc-b"}, []string(combined.DocumentIDs))
}

func TestSubmitWorkflow_AllReusedGoesStraightToCombine(t *testing.T) {
	f := newFixture(t, llm.NewStatic())
	f.addDocument(t, "doc-a", "Security", "Vendors must provide audit logging.", 1)
	p := f.addPipeline(t, core.AnalysisRFP, nil)
	require.NoError(t, f.store.SaveArtifact(context.Background(), &core.DocumentArtifact{
		AnalysisID: p.ID, DocumentID: "doc-a", Text: "Vendors must provide audit logging.",
	}, nil))
	f.startWorker(t)

	sub, err := f.orch.SubmitWorkflow(context.Background(), Request{PipelineID: p.ID, DocumentIDs: []string{"doc-a"}})
	require.NoError(t, err)

	parent := f.waitTerminal(t, sub.TaskID)
	require.Equal(t, core.StatusCompleted, parent.Status, parent.Error())
	assert.Empty(t, f.children(t, sub.TaskID, TaskProcessDocument))
	assert.Len(t, f.children(t, sub.TaskID, TaskCombine), 1)
}

func TestSubmitWorkflow_ReprocessPurgesEarlierOutput(t *testing.T) {
	f := newFixture(t, llm.NewStatic())
	f.addDocument(t, "doc-a", "Security", strings.Repeat("Vendors must provide audit logging. ", 60), 1)
	p := f.addPipeline(t, core.AnalysisRFP, nil)
	f.startWorker(t)
	ctx := context.Background()

	first, err := f.orch.SubmitWorkflow(ctx, Request{PipelineID: p.ID, DocumentIDs: []string{"doc-a"}})
	require.NoError(t, err)
	require.Equal(t, core.StatusCompleted, f.waitTerminal(t, first.TaskID).Status)

	before, err := f.store.ListChunks(ctx, p.ID, "doc-a")
	require.NoError(t, err)
	require.NotEmpty(t, before)

	second, err := f.orch.SubmitWorkflow(ctx, Request{
		PipelineID:  p.ID,
		DocumentIDs: []string{"doc-a"},
		Parameters:  map[string]any{ParamReprocess: true},
	})
	require.NoError(t, err)
	assert.Empty(t, second.Skipped)
	require.Len(t, second.ExecutionIDs, 1)
	require.Equal(t, core.StatusCompleted, f.waitTerminal(t, second.TaskID).Status)

	after, err := f.store.ListChunks(ctx, p.ID, "doc-a")
	require.NoError(t, err)
	assert.Len(t, after, len(before))
	for i, c := range after {
		assert.Equal(t, i, c.ChunkIndex)
		assert.NotEqual(t, before[i].ID, c.ID)
	}

	execs, err := f.store.ListExecutions(ctx, core.ExecutionFilter{AnalysisID: p.ID})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, second.ExecutionIDs[0], execs[0].ID)

	art, err := f.store.GetArtifact(ctx, p.ID, "doc-a")
	require.NoError(t, err)
	assert.Equal(t, second.ExecutionIDs[0], art.ExecutionID)
}

func TestSubmitWorkflow_ProposalUsesParentCriteria(t *testing.T) {
	f := newFixture(t, llm.NewStatic())
	f.addDocument(t, "prop-1", "Proposal", "We provide audit logging and detailed exports.", 1)
	rfp := f.addPipeline(t, core.AnalysisRFP, func(p *core.AnalysisPipeline) {
		p.Status = core.PipelineCompleted
		p.Criteria = []string{"Vendors must provide audit logging.", "Pricing must be fixed for three years."}
		p.Framework = buildFramework(p.Criteria)
	})
	proposal := f.addPipeline(t, core.AnalysisProposal, func(p *core.AnalysisPipeline) {
		p.ParentID = &rfp.ID
	})
	f.startWorker(t)

	sub, err := f.orch.SubmitWorkflow(context.Background(), Request{PipelineID: proposal.ID, DocumentIDs: []string{"prop-1"}})
	require.NoError(t, err)

	parent := f.waitTerminal(t, sub.TaskID)
	require.Equal(t, core.StatusCompleted, parent.Status, parent.Error())
	assert.Equal(t, core.TypeProposalAnalysis, parent.Type)
	assert.Len(t, f.children(t, sub.TaskID, TaskAnalyzeProposal), 1)

	got := f.analysis(t, proposal.ID)
	assert.Equal(t, []string(rfp.Criteria), []string(got.Criteria))
	assert.EqualValues(t, 2, got.Result["criteria_count"])
	assert.EqualValues(t, 38, got.Result["overall_score"])
	scores, ok := got.Result["scores"].([]any)
	require.True(t, ok)
	assert.Len(t, scores, 2)
}

func TestSubmitWorkflow_ProposalWithoutCriteriaFails(t *testing.T) {
	f := newFixture(t, llm.NewStatic())
	f.addDocument(t, "prop-1", "Proposal", "We provide audit logging.", 1)
	proposal := f.addPipeline(t, core.AnalysisProposal, nil)
	f.startWorker(t)

	sub, err := f.orch.SubmitWorkflow(context.Background(), Request{PipelineID: proposal.ID, DocumentIDs: []string{"prop-1"}})
	require.NoError(t, err)

	parent := f.waitTerminal(t, sub.TaskID)
	assert.Equal(t, core.StatusFailed, parent.Status)
	assert.Contains(t, parent.Error(), "no evaluation criteria")
	assert.Equal(t, core.PipelineFailed, f.analysis(t, proposal.ID).Status)
}

func TestSubmitWorkflow_Validation(t *testing.T) {
	f := newFixture(t, llm.NewStatic())
	f.addDocument(t, "doc-a", "A", "text.", 1)
	p := f.addPipeline(t, core.AnalysisRFP, nil)
	ctx := context.Background()

	_, err := f.orch.SubmitWorkflow(ctx, Request{DocumentIDs: []string{"doc-a"}})
	assert.True(t, core.IsValidation(err))

	_, err = f.orch.SubmitWorkflow(ctx, Request{PipelineID: p.ID, DocumentIDs: []string{"", ""}})
	assert.True(t, core.IsValidation(err))

	_, err = f.orch.SubmitWorkflow(ctx, Request{PipelineID: "missing", DocumentIDs: []string{"doc-a"}})
	assert.ErrorIs(t, err, core.ErrPipelineNotFound)

	_, err = f.orch.SubmitWorkflow(ctx, Request{PipelineID: p.ID, DocumentIDs: []string{"doc-a", "doc-x"}})
	assert.ErrorIs(t, err, core.ErrDocumentNotFound)

	_, err = f.orch.SubmitWorkflow(ctx, Request{PipelineID: p.ID, DocumentIDs: []string{"doc-a"}, AnalysisType: core.AnalysisProposal})
	assert.True(t, core.IsValidation(err))

	cfgID := "cfg-empty"
	require.NoError(t, f.store.CreatePipelineConfig(ctx, &core.PipelineConfig{
		ID:   cfgID,
		Name: "empty",
	}))
	bad := f.addPipeline(t, core.AnalysisRFP, func(p *core.AnalysisPipeline) { p.ConfigID = &cfgID })
	_, err = f.orch.SubmitWorkflow(ctx, Request{PipelineID: bad.ID, DocumentIDs: []string{"doc-a"}})
	assert.True(t, core.IsValidation(err))

	all, err := f.tasks.List(ctx, core.TaskFilter{}, core.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSubmitWorkflow_CancelParentCancelsChildren(t *testing.T) {
	f := newFixture(t, llm.NewStatic())
	f.addDocument(t, "doc-a", "A", "Vendors must provide audit logging.", 1)
	f.addDocument(t, "doc-b", "B", "Pricing must be fixed.", 2)
	p := f.addPipeline(t, core.AnalysisRFP, nil)
	ctx := context.Background()

	sub, err := f.orch.SubmitWorkflow(ctx, Request{PipelineID: p.ID, DocumentIDs: []string{"doc-a", "doc-b"}})
	require.NoError(t, err)

	_, err = f.tasks.Cancel(ctx, sub.TaskID)
	require.NoError(t, err)

	for _, child := range f.children(t, sub.TaskID, TaskProcessDocument) {
		assert.Equal(t, core.StatusCanceled, child.Status)
	}
	for _, id := range sub.ExecutionIDs {
		exec, err := f.store.GetExecution(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, core.ExecutionCanceled, exec.Status)
	}
	assert.Empty(t, f.children(t, sub.TaskID, TaskCombine))

	got := f.analysis(t, p.ID)
	assert.Equal(t, core.PipelineFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, tasks.CanceledMessage)
}

func TestRetryWorkflow_RerunsFromCleanSlate(t *testing.T) {
	var calls atomic.Int32
	client := &llm.Static{Respond: func(req llm.TextRequest) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("provider overloaded")
		}
		return llm.NewStatic().GenerateText(context.Background(), req)
	}}
	f := newFixture(t, client)
	f.addDocument(t, "doc-a", "Security", "Vendors must provide audit logging.", 1)
	p := f.addPipeline(t, core.AnalysisRFP, nil)
	f.startWorker(t)
	ctx := context.Background()

	sub, err := f.orch.SubmitWorkflow(ctx, Request{PipelineID: p.ID, DocumentIDs: []string{"doc-a"}})
	require.NoError(t, err)
	parent := f.waitTerminal(t, sub.TaskID)
	require.Equal(t, core.StatusFailed, parent.Status)
	assert.Contains(t, parent.Error(), "provider overloaded")
	assert.Equal(t, core.PipelineFailed, f.analysis(t, p.ID).Status)

	_, err = f.tasks.Retry(ctx, sub.TaskID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, err := f.tasks.Get(ctx, sub.TaskID)
		return err == nil && task.Status == core.StatusCompleted
	}, 15*time.Second, 20*time.Millisecond)

	parent, err = f.tasks.Get(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 1, parent.RetryCount)
	assert.Equal(t, core.PipelineCompleted, f.analysis(t, p.ID).Status)
	assert.Len(t, f.children(t, sub.TaskID, TaskProcessDocument), 2)

	execs, err := f.store.ListExecutions(ctx, core.ExecutionFilter{AnalysisID: p.ID})
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

// ──────────────────────────────────────────────────────────────────────────────
// SubmitExecution and standalone analysis
// ──────────────────────────────────────────────────────────────────────────────

func TestSubmitExecution(t *testing.T) {
	f := newFixture(t, llm.NewStatic())
	f.addDocument(t, "doc-a", "Security", "Vendors must provide audit logging and audit exports.", 1)
	ctx := context.Background()
	require.NoError(t, f.store.CreatePipelineConfig(ctx, &core.PipelineConfig{
		ID:   "cfg-1",
		Name: "keywords",
		Steps: []core.Step{
			{ID: "1", Kind: core.StepExtractText, Name: "extract"},
			{ID: "2", Kind: core.StepKeywords, Name: "keywords", Config: []byte(`{"top_n": 2}`)},
		},
	}))
	f.startWorker(t)

	sub, err := f.orch.SubmitExecution(ctx, ExecutionRequest{PipelineConfigID: "cfg-1", DocumentID: "doc-a", UserID: "user-1"})
	require.NoError(t, err)

	task := f.waitTerminal(t, sub.TaskID)
	require.Equal(t, core.StatusCompleted, task.Status, task.Error())
	assert.Equal(t, core.TypePipelineExecution, task.Type)
	assert.Equal(t, sub.ExecutionID, task.Result[ParamExecutionID])

	exec, err := f.store.GetExecution(ctx, sub.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, exec.Status)
	assert.Nil(t, exec.AnalysisID)
	assert.Contains(t, exec.Results, "keywords")
	assert.EqualValues(t, 2, exec.Summary["successful_steps"])
	assert.Equal(t, []any{"audit", "exports"}, exec.Summary["keywords"])

	cfg, err := f.store.GetPipelineConfig(ctx, "cfg-1")
	require.NoError(t, err)
	require.NoError(t, f.store.UpdatePipelineSteps(ctx, cfg.ID, []core.Step{{ID: "1", Kind: core.StepWordCount, Name: "count"}}))
	exec, err = f.store.GetExecution(ctx, sub.ExecutionID)
	require.NoError(t, err)
	assert.Len(t, exec.Steps, 2)
}

func TestSubmitExecution_UnknownStepKindIsIsolated(t *testing.T) {
	f := newFixture(t, llm.NewStatic())
	f.addDocument(t, "doc-a", "Security", "Vendors must provide audit logging.", 1)
	ctx := context.Background()
	require.NoError(t, f.store.CreatePipelineConfig(ctx, &core.PipelineConfig{
		ID:   "cfg-ocr",
		Name: "with ocr",
		Steps: []core.Step{
			{ID: "1", Kind: core.StepExtractText, Name: "extract"},
			{ID: "2", Kind: "ocr", Name: "ocr"},
			{ID: "3", Kind: core.StepWordCount, Name: "count"},
		},
	}))
	f.startWorker(t)

	sub, err := f.orch.SubmitExecution(ctx, ExecutionRequest{PipelineConfigID: "cfg-ocr", DocumentID: "doc-a"})
	require.NoError(t, err)

	task := f.waitTerminal(t, sub.TaskID)
	require.Equal(t, core.StatusCompleted, task.Status, task.Error())

	exec, err := f.store.GetExecution(ctx, sub.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, exec.Status)
	assert.Equal(t, float64(2), exec.Summary["successful_steps"])
	assert.Equal(t, float64(1), exec.Summary["failed_steps"])
	ocr, ok := exec.Results["ocr"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, ocr["error"], `unknown step type "ocr"`)
}

func TestSubmitExecution_Validation(t *testing.T) {
	f := newFixture(t, llm.NewStatic())
	ctx := context.Background()

	_, err := f.orch.SubmitExecution(ctx, ExecutionRequest{DocumentID: "doc-a"})
	assert.True(t, core.IsValidation(err))

	_, err = f.orch.SubmitExecution(ctx, ExecutionRequest{PipelineConfigID: "cfg-x", DocumentID: "doc-a"})
	assert.ErrorIs(t, err, core.ErrPipelineNotFound)
}

func TestAnalyzeTask_StandaloneDocuments(t *testing.T) {
	f := newFixture(t, llm.NewStatic())
	f.addDocument(t, "doc-a", "A", "Vendors must provide audit logging.", 1)
	f.addDocument(t, "doc-b", "B", "Pricing must be fixed.", 2)
	f.startWorker(t)

	task, err := f.tasks.Create(context.Background(), tasks.CreateRequest{
		Name:       TaskAnalyzeRFP,
		Type:       core.TypeRFPAnalysis,
		Parameters: map[string]any{"doc_ids": []string{"doc-a", "doc-b"}},
		Priority:   core.PriorityNormal,
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, task.Status)

	got := f.waitTerminal(t, task.ID)
	require.Equal(t, core.StatusCompleted, got.Status, got.Error())
	assert.GreaterOrEqual(t, got.Result["criteria_count"], float64(0))
	assert.Equal(t, []any{"doc-a", "doc-b"}, got.Result["document_ids"])
}
