package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/events"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeBroker) {
	t.Helper()
	b := newFakeBroker()
	m := NewManager(newTestStore(t), append([]Option{WithBroker(b)}, opts...)...)
	return m, b
}

func createTask(t *testing.T, m *Manager, name string, p core.Priority) *core.Task {
	t.Helper()
	task, err := m.Create(context.Background(), CreateRequest{
		Name:     name,
		Type:     core.TypeGeneric,
		Priority: p,
	})
	require.NoError(t, err)
	return task
}

func failTask(t *testing.T, m *Manager, id string) *core.Task {
	t.Helper()
	ctx := context.Background()
	_, err := m.UpdateStatus(ctx, id, StatusUpdate{Status: core.StatusRunning})
	require.NoError(t, err)
	task, err := m.UpdateStatus(ctx, id, StatusUpdate{Status: core.StatusFailed, Error: errors.New("llm timeout")})
	require.NoError(t, err)
	return task
}

// ──────────────────────────────────────────────────────────────────────────────
// Create
// ──────────────────────────────────────────────────────────────────────────────

func TestCreate_StartsPendingAndEnqueues(t *testing.T) {
	m, b := newTestManager(t)

	task, err := m.Create(context.Background(), CreateRequest{
		Name:       "analyze_rfp",
		Type:       core.TypeRFPAnalysis,
		Parameters: map[string]any{"doc_ids": []any{"A", "B"}},
		SourceType: "analysis_pipeline",
		SourceID:   "p-1",
		Priority:   core.PriorityHigh,
		UserID:     "u-1",
	})
	require.NoError(t, err)

	assert.Equal(t, core.StatusPending, task.Status)
	assert.Equal(t, DefaultMaxRetries, task.MaxRetries)
	assert.Nil(t, task.StartedAt)
	assert.Nil(t, task.CompletedAt)

	require.Len(t, b.enqueued, 1)
	assert.Equal(t, "analyze_rfp", b.enqueued[0].Name)
	assert.Equal(t, task.ID, b.enqueued[0].Args.TaskID)
	assert.Equal(t, b.enqueued[0].Handle, task.BrokerHandle)
	assert.Equal(t, int(core.PriorityHigh), b.priorities[task.BrokerHandle])

	got, err := m.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "p-1", got.SourceID)
	assert.Equal(t, []any{"A", "B"}, got.Parameters["doc_ids"])
}

func TestCreate_IdenticalRequestsYieldDistinctTasks(t *testing.T) {
	m, _ := newTestManager(t)

	a := createTask(t, m, "analyze_rfp", core.PriorityNormal)
	b := createTask(t, m, "analyze_rfp", core.PriorityNormal)

	assert.NotEqual(t, a.ID, b.ID)
}

func TestCreate_Validation(t *testing.T) {
	m, b := newTestManager(t)
	b.unsupported = map[string]bool{"unknown_job": true}
	negative := -1

	cases := map[string]CreateRequest{
		"missing name":   {Type: core.TypeGeneric},
		"bad name":       {Name: "9lives", Type: core.TypeGeneric},
		"missing type":   {Name: "analyze_rfp"},
		"unknown type":   {Name: "analyze_rfp", Type: "BOGUS"},
		"bad priority":   {Name: "analyze_rfp", Type: core.TypeGeneric, Priority: core.Priority(9)},
		"negative retry": {Name: "analyze_rfp", Type: core.TypeGeneric, MaxRetries: &negative},
		"no handler":     {Name: "unknown_job", Type: core.TypeGeneric},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := m.Create(context.Background(), req)
			assert.True(t, core.IsValidation(err), "got %v", err)
		})
	}

	tasks, err := m.List(context.Background(), core.TaskFilter{}, core.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Empty(t, b.enqueued)
}

func TestCreate_BrokerFailureLeavesNoTask(t *testing.T) {
	m, b := newTestManager(t)
	b.enqueueErr = errBrokerDown

	_, err := m.Create(context.Background(), CreateRequest{Name: "analyze_rfp", Type: core.TypeGeneric})

	var transient *core.TransientInfraError
	require.ErrorAs(t, err, &transient)
	assert.ErrorIs(t, err, errBrokerDown)

	tasks, err := m.List(context.Background(), core.TaskFilter{}, core.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCreate_RequiresBrokerUnlessDetached(t *testing.T) {
	m := NewManager(newTestStore(t))

	_, err := m.Create(context.Background(), CreateRequest{Name: "analyze_rfp", Type: core.TypeGeneric})
	assert.ErrorIs(t, err, core.ErrNoBroker)

	task, err := m.Create(context.Background(), CreateRequest{Name: "analyze_rfp", Type: core.TypeGeneric, Detached: true})
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, task.Status)
	assert.Empty(t, task.BrokerHandle)
}

func TestDispatch_EnqueuesDetachedTask(t *testing.T) {
	m, b := newTestManager(t)
	ctx := context.Background()

	task, err := m.Create(ctx, CreateRequest{Name: "process_document", Type: core.TypeDocumentProcessing, Detached: true})
	require.NoError(t, err)
	assert.Empty(t, b.enqueued)

	dispatched, err := m.Dispatch(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, b.enqueued, 1)
	assert.Equal(t, task.ID, b.enqueued[0].Args.TaskID)
	assert.Equal(t, b.enqueued[0].Handle, dispatched.BrokerHandle)

	_, err = m.Dispatch(ctx, task.ID)
	assert.True(t, core.IsInvalidState(err))
}

func TestDispatch_BrokerFailureKeepsTask(t *testing.T) {
	m, b := newTestManager(t)
	ctx := context.Background()

	task, err := m.Create(ctx, CreateRequest{Name: "process_document", Type: core.TypeDocumentProcessing, Detached: true})
	require.NoError(t, err)

	b.enqueueErr = errBrokerDown
	_, err = m.Dispatch(ctx, task.ID)
	assert.True(t, core.IsTransient(err))

	got, err := m.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, got.Status)
	assert.Empty(t, got.BrokerHandle)
}

// ──────────────────────────────────────────────────────────────────────────────
// UpdateStatus
// ──────────────────────────────────────────────────────────────────────────────

func TestUpdateStatus_Timestamps(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	task := createTask(t, m, "analyze_rfp", core.PriorityNormal)

	running, err := m.UpdateStatus(ctx, task.ID, StatusUpdate{Status: core.StatusRunning})
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	assert.Nil(t, running.CompletedAt)

	again, err := m.UpdateStatus(ctx, task.ID, StatusUpdate{Status: core.StatusRunning})
	require.NoError(t, err)
	assert.True(t, running.StartedAt.Equal(*again.StartedAt), "no-op transition must not move started_at")

	done, err := m.UpdateStatus(ctx, task.ID, StatusUpdate{
		Status: core.StatusCompleted,
		Result: map[string]any{"criteria_count": 4},
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.Nil(t, done.ErrorMessage)
	assert.EqualValues(t, 4, done.Result["criteria_count"])

	d, ok := done.Duration()
	assert.True(t, ok)
	assert.GreaterOrEqual(t, d, time.Duration(0))
}

func TestUpdateStatus_FailedStoresBoundedError(t *testing.T) {
	m, _ := newTestManager(t)
	task := createTask(t, m, "analyze_rfp", core.PriorityNormal)

	failed := failTask(t, m, task.ID)

	assert.Equal(t, core.StatusFailed, failed.Status)
	assert.Equal(t, "llm timeout", failed.Error())
	assert.NotNil(t, failed.CompletedAt)
}

func TestUpdateStatus_IgnoresLateWriteAfterTerminal(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	task := createTask(t, m, "analyze_rfp", core.PriorityNormal)

	_, err := m.UpdateStatus(ctx, task.ID, StatusUpdate{Status: core.StatusRunning})
	require.NoError(t, err)
	canceled, err := m.Cancel(ctx, task.ID)
	require.NoError(t, err)

	late, err := m.UpdateStatus(ctx, task.ID, StatusUpdate{Status: core.StatusCompleted, Result: map[string]any{"x": 1}})
	require.NoError(t, err)

	assert.Equal(t, core.StatusCanceled, late.Status)
	assert.Empty(t, late.Result)
	assert.True(t, canceled.CompletedAt.Equal(*late.CompletedAt))
}

func TestUpdateStatus_RejectsDisallowedEdges(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	task := createTask(t, m, "analyze_rfp", core.PriorityNormal)

	_, err := m.UpdateStatus(ctx, task.ID, StatusUpdate{Status: core.StatusCompleted})
	assert.True(t, core.IsInvalidState(err))
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	failed := failTask(t, m, task.ID)
	_, err = m.UpdateStatus(ctx, failed.ID, StatusUpdate{Status: core.StatusRetrying})
	assert.True(t, core.IsInvalidState(err))

	_, err = m.UpdateStatus(ctx, task.ID, StatusUpdate{Status: "DONE"})
	assert.True(t, core.IsValidation(err))

	_, err = m.UpdateStatus(ctx, "missing", StatusUpdate{Status: core.StatusRunning})
	assert.True(t, core.IsNotFound(err))
}

func TestUpdateStatus_TerminalHooksAndEvents(t *testing.T) {
	rec := events.NewRecorder(16)
	m, _ := newTestManager(t, WithPublisher(rec))
	ctx := context.Background()

	var terminal []core.TaskStatus
	m.OnTerminal(func(_ context.Context, task *core.Task) {
		terminal = append(terminal, task.Status)
	})

	task := createTask(t, m, "analyze_rfp", core.PriorityNormal)
	_, err := m.UpdateStatus(ctx, task.ID, StatusUpdate{Status: core.StatusRunning})
	require.NoError(t, err)
	_, err = m.UpdateStatus(ctx, task.ID, StatusUpdate{Status: core.StatusCompleted})
	require.NoError(t, err)
	_, err = m.UpdateStatus(ctx, task.ID, StatusUpdate{Status: core.StatusCompleted})
	require.NoError(t, err)

	assert.Equal(t, []core.TaskStatus{core.StatusCompleted}, terminal)

	msgs := rec.Drain()
	require.Len(t, msgs, 2)
	assert.Equal(t, events.TaskChannel(task.ID), msgs[1].Channel)
	assert.Equal(t, events.TaskStatus, msgs[1].Type)
	assert.Equal(t, "COMPLETED", msgs[1].Data["status"])
}

// ──────────────────────────────────────────────────────────────────────────────
// Cancel / Retry / SetPriority
// ──────────────────────────────────────────────────────────────────────────────

func TestCancel_PendingRevokesBrokerJob(t *testing.T) {
	m, b := newTestManager(t)
	task := createTask(t, m, "analyze_rfp", core.PriorityNormal)

	canceled, err := m.Cancel(context.Background(), task.ID)
	require.NoError(t, err)

	assert.Equal(t, core.StatusCanceled, canceled.Status)
	assert.Equal(t, CanceledMessage, canceled.Error())
	assert.NotNil(t, canceled.CompletedAt)
	assert.Equal(t, []string{task.BrokerHandle}, b.revoked)
}

func TestCancel_RevokeFailureIsNotFatal(t *testing.T) {
	m, b := newTestManager(t)
	b.revokeErr = errBrokerDown
	task := createTask(t, m, "analyze_rfp", core.PriorityNormal)

	canceled, err := m.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCanceled, canceled.Status)
}

func TestCancel_CompletedIsNoOp(t *testing.T) {
	m, b := newTestManager(t)
	ctx := context.Background()
	task := createTask(t, m, "analyze_rfp", core.PriorityNormal)
	_, err := m.UpdateStatus(ctx, task.ID, StatusUpdate{Status: core.StatusRunning})
	require.NoError(t, err)
	done, err := m.UpdateStatus(ctx, task.ID, StatusUpdate{Status: core.StatusCompleted})
	require.NoError(t, err)

	got, err := m.Cancel(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, core.StatusCompleted, got.Status)
	assert.Nil(t, got.ErrorMessage)
	assert.True(t, done.CompletedAt.Equal(*got.CompletedAt))
	assert.Empty(t, b.revoked)
}

func TestCancel_NotFound(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Cancel(context.Background(), "missing")
	assert.True(t, core.IsNotFound(err))
	assert.ErrorIs(t, err, core.ErrTaskNotFound)
}

func TestRetry_FailedTask(t *testing.T) {
	m, b := newTestManager(t)
	task := createTask(t, m, "analyze_rfp", core.PriorityNormal)
	failTask(t, m, task.ID)

	retried, err := m.Retry(context.Background(), task.ID)
	require.NoError(t, err)

	assert.Equal(t, core.StatusRetrying, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Nil(t, retried.StartedAt)
	assert.Nil(t, retried.CompletedAt)
	assert.Nil(t, retried.ErrorMessage)
	require.Len(t, b.enqueued, 2)
	assert.Equal(t, b.enqueued[1].Handle, retried.BrokerHandle)
	assert.NotEqual(t, task.BrokerHandle, retried.BrokerHandle)
	assert.Equal(t, task.ID, b.enqueued[1].Args.TaskID)
}

func TestRetry_CompletedTaskIsInvalidState(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	task := createTask(t, m, "analyze_rfp", core.PriorityNormal)
	_, err := m.UpdateStatus(ctx, task.ID, StatusUpdate{Status: core.StatusRunning})
	require.NoError(t, err)
	_, err = m.UpdateStatus(ctx, task.ID, StatusUpdate{Status: core.StatusCompleted})
	require.NoError(t, err)

	_, err = m.Retry(ctx, task.ID)
	assert.True(t, core.IsInvalidState(err))

	got, err := m.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestRetry_LimitReached(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	one := 1
	task, err := m.Create(ctx, CreateRequest{Name: "analyze_rfp", Type: core.TypeGeneric, MaxRetries: &one})
	require.NoError(t, err)

	failTask(t, m, task.ID)
	_, err = m.Retry(ctx, task.ID)
	require.NoError(t, err)
	failTask(t, m, task.ID)

	_, err = m.Retry(ctx, task.ID)
	assert.True(t, core.IsInvalidState(err))
	assert.ErrorIs(t, err, core.ErrRetryLimit)
}

func TestRetry_ZeroMaxRetriesNeverRetries(t *testing.T) {
	m, b := newTestManager(t)
	ctx := context.Background()
	zero := 0
	task, err := m.Create(ctx, CreateRequest{Name: "analyze_rfp", Type: core.TypeGeneric, MaxRetries: &zero})
	require.NoError(t, err)

	got, err := m.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.MaxRetries)

	failTask(t, m, task.ID)
	_, err = m.Retry(ctx, task.ID)
	assert.True(t, core.IsInvalidState(err))
	assert.ErrorIs(t, err, core.ErrRetryLimit)
	assert.Len(t, b.enqueued, 1)
}

func TestCreate_LowPriorityIsStored(t *testing.T) {
	m, _ := newTestManager(t)
	task := createTask(t, m, "sweep", core.PriorityLow)

	got, err := m.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PriorityLow, got.Priority)

	low, err := m.List(context.Background(), core.TaskFilter{Priorities: []core.Priority{core.PriorityLow}}, core.ListOptions{})
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, task.ID, low[0].ID)
}

func TestRetry_BrokerFailureLeavesTaskFailed(t *testing.T) {
	m, b := newTestManager(t)
	task := createTask(t, m, "analyze_rfp", core.PriorityNormal)
	failTask(t, m, task.ID)
	b.enqueueErr = errBrokerDown

	_, err := m.Retry(context.Background(), task.ID)
	var transient *core.TransientInfraError
	require.ErrorAs(t, err, &transient)

	got, err := m.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestSetPriority(t *testing.T) {
	m, b := newTestManager(t)
	ctx := context.Background()
	task := createTask(t, m, "analyze_rfp", core.PriorityLow)

	updated, err := m.SetPriority(ctx, task.ID, core.PriorityUrgent)
	require.NoError(t, err)
	assert.Equal(t, core.PriorityUrgent, updated.Priority)
	assert.Equal(t, int(core.PriorityUrgent), b.priorities[task.BrokerHandle])

	_, err = m.UpdateStatus(ctx, task.ID, StatusUpdate{Status: core.StatusRunning})
	require.NoError(t, err)
	_, err = m.SetPriority(ctx, task.ID, core.PriorityLow)
	assert.True(t, core.IsInvalidState(err))

	got, err := m.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PriorityUrgent, got.Priority)
}

// ──────────────────────────────────────────────────────────────────────────────
// List / NextBatch / Stats / Purge
// ──────────────────────────────────────────────────────────────────────────────

func TestList_PriorityThenCreatedAt(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, WithClock(fixedClock(start, time.Second)))

	low := createTask(t, m, "a", core.PriorityLow)
	normal1 := createTask(t, m, "b", core.PriorityNormal)
	urgent := createTask(t, m, "c", core.PriorityUrgent)
	normal2 := createTask(t, m, "d", core.PriorityNormal)

	tasks, err := m.List(context.Background(), core.TaskFilter{}, core.ListOptions{})
	require.NoError(t, err)

	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{urgent.ID, normal1.ID, normal2.ID, low.ID}, ids)

	for i := 1; i < len(tasks); i++ {
		prev, cur := tasks[i-1], tasks[i]
		assert.GreaterOrEqual(t, prev.Priority, cur.Priority)
		if prev.Priority == cur.Priority {
			assert.False(t, cur.CreatedAt.Before(prev.CreatedAt))
		}
	}
}

func TestNextBatch_OnlySchedulable(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	pending := createTask(t, m, "a", core.PriorityLow)
	running := createTask(t, m, "b", core.PriorityUrgent)
	_, err := m.UpdateStatus(ctx, running.ID, StatusUpdate{Status: core.StatusRunning})
	require.NoError(t, err)
	retrying := createTask(t, m, "c", core.PriorityHigh)
	failTask(t, m, retrying.ID)
	_, err = m.Retry(ctx, retrying.ID)
	require.NoError(t, err)

	batch, err := m.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, retrying.ID, batch[0].ID)
	assert.Equal(t, pending.ID, batch[1].ID)
}

func TestStats(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, secs := range []int{10, 20, 30} {
		task := createTask(t, m, "a", core.PriorityNormal)
		_, err := m.UpdateStatus(ctx, task.ID, StatusUpdate{Status: core.StatusRunning})
		require.NoError(t, err)
		status := core.StatusCompleted
		if i == 2 {
			status = core.StatusFailed
		}
		_, err = m.UpdateStatus(ctx, task.ID, StatusUpdate{Status: status})
		require.NoError(t, err)
		_, err = m.Store().UpdateTask(ctx, task.ID, func(t *core.Task) error {
			started := base
			done := base.Add(time.Duration(secs) * time.Second)
			t.StartedAt, t.CompletedAt = &started, &done
			return nil
		})
		require.NoError(t, err)
	}
	createTask(t, m, "a", core.PriorityNormal)

	st, err := m.Stats(ctx, core.TaskFilter{}, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, int64(4), st.Total)
	assert.Equal(t, int64(2), st.Counts[core.StatusCompleted])
	assert.Equal(t, int64(1), st.Counts[core.StatusFailed])
	assert.Equal(t, int64(1), st.Counts[core.StatusPending])
	assert.InDelta(t, 2.0/3.0, st.SuccessRate, 1e-9)

	assert.Equal(t, 3, st.Processing.Count)
	assert.Equal(t, 60*time.Second, st.Processing.Total)
	assert.Equal(t, 20*time.Second, st.Processing.Avg)
	assert.Equal(t, 10*time.Second, st.Processing.Min)
	assert.Equal(t, 30*time.Second, st.Processing.Max)
	assert.Equal(t, 20*time.Second, st.Processing.P50)
	assert.Equal(t, 30*time.Second, st.Processing.P99)
}

func TestStats_Empty(t *testing.T) {
	m, _ := newTestManager(t)

	st, err := m.Stats(context.Background(), core.TaskFilter{}, time.Now())
	require.NoError(t, err)

	assert.Zero(t, st.Total)
	assert.Zero(t, st.SuccessRate)
	assert.Zero(t, st.Processing.Count)
}

func TestPercentile(t *testing.T) {
	d := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	assert.Equal(t, time.Duration(5), percentile(d, 50))
	assert.Equal(t, time.Duration(9), percentile(d, 90))
	assert.Equal(t, time.Duration(10), percentile(d, 95))
	assert.Equal(t, time.Duration(1), percentile(d, 0))
}

func TestPurge_RemovesOldTerminalTasks(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	old := createTask(t, m, "a", core.PriorityNormal)
	_, err := m.Cancel(ctx, old.ID)
	require.NoError(t, err)
	_, err = m.Store().UpdateTask(ctx, old.ID, func(t *core.Task) error {
		past := time.Now().UTC().Add(-40 * 24 * time.Hour)
		t.CompletedAt = &past
		return nil
	})
	require.NoError(t, err)

	recent := createTask(t, m, "b", core.PriorityNormal)
	_, err = m.Cancel(ctx, recent.ID)
	require.NoError(t, err)
	pending := createTask(t, m, "c", core.PriorityNormal)

	res, err := m.Purge(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Tasks)

	_, err = m.Get(ctx, old.ID)
	assert.True(t, core.IsNotFound(err))
	_, err = m.Get(ctx, recent.ID)
	assert.NoError(t, err)
	_, err = m.Get(ctx, pending.ID)
	assert.NoError(t, err)
}
