package docpipe

import (
	"log/slog"
	"time"

	"github.com/jdziat/docpipe/pkg/events"
	"github.com/jdziat/docpipe/pkg/llm"
)

type options struct {
	client    llm.Client
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a System.
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) { f(o) }

// WithLLM sets the LLM client used by steps and the analyze stage. The
// default is the offline llm.Static provider.
func WithLLM(c llm.Client) Option {
	return optionFunc(func(o *options) {
		if c != nil {
			o.client = c
		}
	})
}

// WithPublisher sets where task and pipeline events go.
func WithPublisher(p events.Publisher) Option {
	return optionFunc(func(o *options) {
		if p != nil {
			o.publisher = p
		}
	})
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(o *options) {
		if l != nil {
			o.logger = l
		}
	})
}

// WithClock overrides the time source. Returned times should be UTC.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(o *options) {
		if now != nil {
			o.now = now
		}
	})
}
