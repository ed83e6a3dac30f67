package events

import (
	"context"
	"log/slog"
	"time"
)

// Event types published on pipeline channels.
const (
	WorkflowStarted   = "workflow.started"
	DocumentProcessed = "document.processed"
	DocumentFailed    = "document.failed"
	WorkflowCombined  = "workflow.combined"
	AnalysisCompleted = "analysis.completed"
	AnalysisFailed    = "analysis.failed"

	// TaskStatus is published on task channels on every status change.
	TaskStatus = "task.status"
)

// Message is one published event.
type Message struct {
	Channel   string         `json:"channel"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher delivers events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, channel, eventType string, data map[string]any)
}

// PipelineChannel returns the channel for an analysis pipeline.
func PipelineChannel(pipelineID string) string {
	return "pipeline:" + pipelineID
}

// TaskChannel returns the channel for a task.
func TaskChannel(taskID string) string {
	return "task:" + taskID
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, string, string, map[string]any) {}

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	Logger *slog.Logger
	Level  slog.Level
}

// NewLogPublisher returns a publisher logging at debug level.
func NewLogPublisher(l *slog.Logger) *LogPublisher {
	if l == nil {
		l = slog.Default()
	}
	return &LogPublisher{Logger: l, Level: slog.LevelDebug}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(ctx context.Context, channel, eventType string, data map[string]any) {
	p.Logger.Log(ctx, p.Level, "event published", "channel", channel, "type", eventType, "data", data)
}

// Multi fans one event out to several publishers.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, channel, eventType string, data map[string]any) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, channel, eventType, data)
		}
	}
}

// Recorder keeps published messages in memory.
type Recorder struct {
	ch chan Message
}

// NewRecorder returns a recorder buffering up to size messages. Messages
// published while the buffer is full are dropped.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Message, size)}
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, channel, eventType string, data map[string]any) {
	select {
	case r.ch <- Message{Channel: channel, Type: eventType, Data: data, Timestamp: time.Now().UTC()}:
	default:
	}
}

// Messages returns the channel of recorded messages.
func (r *Recorder) Messages() <-chan Message {
	return r.ch
}

// Drain returns every message recorded so far without blocking.
func (r *Recorder) Drain() []Message {
	var out []Message
	for {
		select {
		case m := <-r.ch:
			out = append(out, m)
		default:
			return out
		}
	}
}
