package tasks

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jdziat/docpipe/pkg/core"
)

// Stats summarizes tasks matching a filter.
type Stats struct {
	Counts map[core.TaskStatus]int64
	Total  int64
	// SuccessRate is completed / (completed + failed), or 0 when neither occurred.
	SuccessRate float64
	Processing  ProcessingStats
}

// ProcessingStats is the distribution of processing time over tasks with
// both started_at and completed_at set.
type ProcessingStats struct {
	Count int
	Total time.Duration
	Avg   time.Duration
	Min   time.Duration
	Max   time.Duration
	P50   time.Duration
	P90   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// Stats computes per-status counts, the success rate and the processing
// time distribution for tasks created at or after since. A zero since
// covers all tasks.
func (m *Manager) Stats(ctx context.Context, filter core.TaskFilter, since time.Time) (*Stats, error) {
	if !since.IsZero() && (filter.CreatedAfter.IsZero() || since.After(filter.CreatedAfter)) {
		filter.CreatedAfter = since
	}

	counts, err := m.store.CountTasksByStatus(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	timings, err := m.store.TaskTimings(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("task timings: %w", err)
	}

	st := &Stats{Counts: make(map[core.TaskStatus]int64, len(core.AllTaskStatuses))}
	for _, s := range core.AllTaskStatuses {
		st.Counts[s] = counts[s]
		st.Total += counts[s]
	}
	if done := st.Counts[core.StatusCompleted] + st.Counts[core.StatusFailed]; done > 0 {
		st.SuccessRate = float64(st.Counts[core.StatusCompleted]) / float64(done)
	}

	durations := make([]time.Duration, 0, len(timings))
	for _, t := range timings {
		d := t.CompletedAt.Sub(t.StartedAt)
		if d < 0 {
			d = 0
		}
		durations = append(durations, d)
	}
	st.Processing = summarize(durations)
	return st, nil
}

func summarize(durations []time.Duration) ProcessingStats {
	var ps ProcessingStats
	if len(durations) == 0 {
		return ps
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	ps.Count = len(durations)
	ps.Min = durations[0]
	ps.Max = durations[len(durations)-1]
	for _, d := range durations {
		ps.Total += d
	}
	ps.Avg = ps.Total / time.Duration(len(durations))
	ps.P50 = percentile(durations, 50)
	ps.P90 = percentile(durations, 90)
	ps.P95 = percentile(durations, 95)
	ps.P99 = percentile(durations, 99)
	return ps
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
