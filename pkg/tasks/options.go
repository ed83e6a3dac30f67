package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/jdziat/docpipe/pkg/events"
	"github.com/jdziat/docpipe/pkg/queue"
)

// Broker is the durable queue tasks are handed to. *queue.Queue implements it.
type Broker interface {
	Enqueue(ctx context.Context, name string, args any, opts ...queue.Option) (string, error)
	Revoke(ctx context.Context, handle string) error
	Reprioritize(ctx context.Context, handle string, priority int) error
}

// Option configures a Manager.
type Option interface {
	apply(*Manager)
}

type optionFunc func(*Manager)

func (f optionFunc) apply(m *Manager) { f(m) }

// WithBroker sets the broker tasks are enqueued on.
func WithBroker(b Broker) Option {
	return optionFunc(func(m *Manager) {
		m.broker = b
	})
}

// WithPublisher sets the publisher for task.status events.
func WithPublisher(p events.Publisher) Option {
	return optionFunc(func(m *Manager) {
		if p != nil {
			m.publisher = p
		}
	})
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	})
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(m *Manager) {
		if now != nil {
			m.now = now
		}
	})
}

// WithQueue routes every enqueued task job to the named broker queue.
func WithQueue(name string) Option {
	return optionFunc(func(m *Manager) {
		m.queueName = name
	})
}
