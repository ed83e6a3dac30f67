package docpipe

import (
	"math"
	"time"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/tasks"
)

// TaskView is the external representation of a task.
type TaskView struct {
	ID           string         `json:"id"`
	BrokerHandle string         `json:"broker_handle,omitempty"`
	Name         string         `json:"name"`
	Type         TaskType       `json:"type"`
	Status       TaskStatus     `json:"status"`
	Priority     Priority       `json:"priority"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Duration     *float64       `json:"duration_seconds,omitempty"`
	SourceType   string         `json:"source_type,omitempty"`
	SourceID     string         `json:"source_id,omitempty"`
	ParentTaskID string         `json:"parent_task_id,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	UserID       string         `json:"user_id,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
}

// NewTaskView converts a task. Duration is set only when both timestamps
// are.
func NewTaskView(t *core.Task) *TaskView {
	v := &TaskView{
		ID:           t.ID,
		BrokerHandle: t.BrokerHandle,
		Name:         t.Name,
		Type:         t.Type,
		Status:       t.Status,
		Priority:     t.Priority,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
		SourceType:   t.SourceType,
		SourceID:     t.SourceID,
		RetryCount:   t.RetryCount,
		MaxRetries:   t.MaxRetries,
		UserID:       t.UserID,
		ErrorMessage: t.Error(),
		Result:       t.Result,
	}
	if t.ParentTaskID != nil {
		v.ParentTaskID = *t.ParentTaskID
	}
	if d, ok := t.Duration(); ok {
		secs := seconds(d)
		v.Duration = &secs
	}
	return v
}

// StatsView is the external representation of task statistics. Times are
// in seconds.
type StatsView struct {
	Counts      map[TaskStatus]int64 `json:"counts"`
	Total       int64                `json:"total"`
	SuccessRate float64              `json:"success_rate"`
	Processing  ProcessingView       `json:"processing_time"`
}

// ProcessingView is the processing-time distribution in seconds.
type ProcessingView struct {
	Count int     `json:"count"`
	Total float64 `json:"total"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// NewStatsView converts task statistics.
func NewStatsView(st *tasks.Stats) *StatsView {
	p := st.Processing
	return &StatsView{
		Counts:      st.Counts,
		Total:       st.Total,
		SuccessRate: math.Round(st.SuccessRate*10000) / 10000,
		Processing: ProcessingView{
			Count: p.Count,
			Total: seconds(p.Total),
			Avg:   seconds(p.Avg),
			Min:   seconds(p.Min),
			Max:   seconds(p.Max),
			P50:   seconds(p.P50),
			P90:   seconds(p.P90),
			P95:   seconds(p.P95),
			P99:   seconds(p.P99),
		},
	}
}

// seconds rounds to milliseconds.
func seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}
