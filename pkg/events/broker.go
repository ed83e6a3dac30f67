package events

import (
	"context"

	"github.com/jdziat/docpipe/pkg/core"
)

// BrokerChannel carries job-level events from the queue.
const BrokerChannel = "broker"

// Event types published on BrokerChannel.
const (
	JobRetrying = "job.retrying"
	JobFailed   = "job.failed"
	JobRevoked  = "job.revoked"
)

// Relay publishes queue events from src on BrokerChannel until ctx is done
// or src is closed. Job starts and completions are already visible as
// task.status events and are skipped.
func Relay(ctx context.Context, src <-chan core.Event, pub Publisher) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-src:
			if !ok {
				return
			}
			if typ, data, ok := brokerMessage(e); ok {
				pub.Publish(ctx, BrokerChannel, typ, data)
			}
		}
	}
}

func brokerMessage(e core.Event) (string, map[string]any, bool) {
	switch ev := e.(type) {
	case *core.JobRetrying:
		return JobRetrying, map[string]any{
			"job_id":      ev.Job.ID,
			"job_type":    ev.Job.Type,
			"attempt":     ev.Attempt,
			"next_run_at": ev.NextRunAt,
			"error":       errorText(ev.Error),
		}, true
	case *core.JobFailed:
		return JobFailed, map[string]any{
			"job_id":   ev.Job.ID,
			"job_type": ev.Job.Type,
			"attempt":  ev.Job.Attempt,
			"error":    errorText(ev.Error),
		}, true
	case *core.JobRevoked:
		return JobRevoked, map[string]any{
			"job_id":  ev.JobID,
			"running": ev.Running,
		}, true
	}
	return "", nil, false
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
