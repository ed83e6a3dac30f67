package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/llm"
)

// Processor runs one step. in is the step's derived context; the returned
// map is merged back into the running context.
type Processor interface {
	Process(ctx context.Context, in map[string]any) (map[string]any, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, in map[string]any) (map[string]any, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, in map[string]any) (map[string]any, error) {
	return f(ctx, in)
}

// Deps are the collaborators processors may use.
type Deps struct {
	Reader DocumentReader
	LLM    llm.Client
}

// Factory builds a processor from a step's raw config. It returns the
// step's timeout alongside.
type Factory func(raw json.RawMessage, deps Deps) (Processor, time.Duration, error)

// Registry maps step kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[core.StepKind]Factory
}

// NewRegistry returns a registry with every built-in step kind.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[core.StepKind]Factory)}
	r.Register(core.StepExtractText, typed(newExtractText))
	r.Register(core.StepWordCount, typed(newWordCount))
	r.Register(core.StepSummarize, typed(newSummarize))
	r.Register(core.StepKeywords, typed(newKeywords))
	r.Register(core.StepSentiment, typed(newSentiment))
	r.Register(core.StepEmbed, typed(newEmbed))
	return r
}

// Register sets the factory for kind, replacing any existing one.
func (r *Registry) Register(kind core.StepKind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []core.StepKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]core.StepKind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}

// Build returns the processor and timeout for step.
func (r *Registry) Build(step core.Step, deps Deps) (Processor, time.Duration, error) {
	r.mu.RLock()
	f, ok := r.factories[step.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("unknown step type %q", step.Kind)
	}
	return f(step.Config, deps)
}

// Validate checks that a pipeline has steps to run. A step with an unknown
// kind or an undecodable config is not rejected here; it fails on its own
// when executed and the other steps still run.
func (r *Registry) Validate(steps []core.Step) error {
	if len(steps) == 0 {
		return core.Validation("steps", "at least one step is required")
	}
	return nil
}

// Check reports the first step that would fail to build, for callers that
// want to warn about a configuration before it runs.
func (r *Registry) Check(steps []core.Step) error {
	for i, step := range steps {
		if _, _, err := r.Build(step, Deps{}); err != nil {
			return core.Validation(fmt.Sprintf("steps[%d]", i), err.Error())
		}
	}
	return nil
}

// typed adapts a constructor taking a typed config into a Factory.
func typed[C any, PC interface {
	*C
	stepConfig
	Timeout() time.Duration
}](build func(cfg C, deps Deps) Processor) Factory {
	return func(raw json.RawMessage, deps Deps) (Processor, time.Duration, error) {
		cfg := PC(new(C))
		if err := decodeConfig(raw, cfg); err != nil {
			return nil, 0, err
		}
		return build(*cfg, deps), cfg.Timeout(), nil
	}
}
