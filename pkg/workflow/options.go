package workflow

import (
	"log/slog"
	"time"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/events"
)

// Option configures an Orchestrator.
type Option interface {
	apply(*Orchestrator)
}

type optionFunc func(*Orchestrator)

func (f optionFunc) apply(o *Orchestrator) { f(o) }

// WithPublisher sets the publisher for pipeline events.
func WithPublisher(p events.Publisher) Option {
	return optionFunc(func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	})
}

// WithLogger sets the orchestrator's logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	})
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	})
}

// WithDefaultSteps sets the steps run against each document of an analysis
// pipeline that has no step configuration.
func WithDefaultSteps(steps []core.Step) Option {
	return optionFunc(func(o *Orchestrator) {
		if len(steps) > 0 {
			o.defaultSteps = steps
		}
	})
}
