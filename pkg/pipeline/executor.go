package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/llm"
)

// StepResult is the outcome of one step. Failed steps carry Error,
// Processor and Timestamp and no Output.
type StepResult struct {
	StepID     string         `json:"step_id,omitempty"`
	Name       string         `json:"step_name"`
	Kind       core.StepKind  `json:"type"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Processor  string         `json:"processor"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMS int64          `json:"duration_ms"`
}

// Failed reports whether the step failed.
func (r StepResult) Failed() bool {
	return r.Error != ""
}

// Summary aggregates a run.
type Summary struct {
	TotalSteps int      `json:"total_steps"`
	Successful int      `json:"successful_steps"`
	Failed     int      `json:"failed_steps"`
	Summary    string   `json:"summary,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
	Sentiment  string   `json:"sentiment,omitempty"`
	WordCount  *int     `json:"word_count,omitempty"`
	CharCount  *int     `json:"char_count,omitempty"`
	ChunkCount *int     `json:"chunk_count,omitempty"`
}

// Result is the outcome of a run.
type Result struct {
	// Results is keyed by step name; Order lists the names in run order.
	Results map[string]StepResult
	Order   []string
	Errors  []string
	Summary Summary
	// Context is the running context after the last step.
	Context map[string]any
}

// ResultsMap returns Results as a JSON-compatible map for storage.
func (r *Result) ResultsMap() map[string]any {
	return toMap(r.Results)
}

// SummaryMap returns Summary as a JSON-compatible map for storage.
func (r *Result) SummaryMap() map[string]any {
	return toMap(r.Summary)
}

func toMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	out := map[string]any{}
	_ = json.Unmarshal(b, &out)
	return out
}

// Option configures an Executor.
type Option func(*Executor)

// WithRegistry replaces the built-in step registry.
func WithRegistry(r *Registry) Option {
	return func(e *Executor) {
		if r != nil {
			e.registry = r
		}
	}
}

// WithLogger sets the executor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source for step timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// Executor runs step lists against documents.
type Executor struct {
	registry *Registry
	deps     Deps
	logger   *slog.Logger
	now      func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(reader DocumentReader, client llm.Client, opts ...Option) *Executor {
	e := &Executor{
		registry: NewRegistry(),
		deps:     Deps{Reader: reader, LLM: client},
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the step registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs steps in order against doc.
//
// Step failures are isolated: each becomes an error entry and the next
// step still runs. When ctx is done, the remaining steps are recorded as
// canceled. If no step succeeds the Result is returned together with a
// WorkflowError wrapping core.ErrAllStepsFailed.
func (e *Executor) Execute(ctx context.Context, executionID string, steps []core.Step, doc *core.Document) (*Result, error) {
	if len(steps) == 0 {
		return nil, core.ErrNoSteps
	}

	running := map[string]any{KeyExecutionID: executionID}
	if doc != nil {
		running[KeyDocumentID] = doc.ID
		running[KeyDocumentTitle] = doc.Title
	}

	res := &Result{Results: make(map[string]StepResult, len(steps))}
	for i, step := range steps {
		name := stepName(step, i, res.Results)

		var sr StepResult
		if err := ctx.Err(); err != nil {
			sr = e.failed(step, name, fmt.Errorf("canceled before start: %w", err), 0)
		} else {
			sr = e.runStep(ctx, step, name, derive(running))
		}

		res.Results[name] = sr
		res.Order = append(res.Order, name)
		if sr.Failed() {
			res.Errors = append(res.Errors, (&core.StepExecutionError{Step: name, Processor: sr.Processor, Err: errors.New(sr.Error)}).Error())
			e.logger.Warn("pipeline step failed", "execution_id", executionID, "step", name, "type", step.Kind, "error", sr.Error)
			continue
		}
		merge(running, sr.Output)
		e.logger.Debug("pipeline step completed", "execution_id", executionID, "step", name, "type", step.Kind, "duration_ms", sr.DurationMS)
	}

	res.Context = running
	res.Summary = summarize(res, running)
	if res.Summary.Successful == 0 {
		return res, &core.WorkflowError{Phase: "execute", Err: core.ErrAllStepsFailed}
	}
	return res, nil
}

func stepName(step core.Step, i int, seen map[string]StepResult) string {
	name := step.Name
	if name == "" {
		name = step.ID
	}
	if name == "" {
		name = string(step.Kind)
	}
	if _, dup := seen[name]; dup {
		name = fmt.Sprintf("%s_%d", name, i+1)
	}
	return name
}

type stepOutcome struct {
	output map[string]any
	err    error
}

func (e *Executor) runStep(ctx context.Context, step core.Step, name string, in map[string]any) StepResult {
	start := e.now()

	proc, timeout, err := e.registry.Build(step, e.deps)
	if err != nil {
		return e.failed(step, name, err, 0)
	}

	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan stepOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- stepOutcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		out, err := proc.Process(stepCtx, in)
		done <- stepOutcome{output: out, err: err}
	}()

	var out stepOutcome
	select {
	case out = <-done:
	case <-stepCtx.Done():
		if ctx.Err() == nil {
			out.err = fmt.Errorf("step timed out after %s", timeout)
		} else {
			out.err = fmt.Errorf("canceled: %w", ctx.Err())
		}
	}

	elapsed := e.now().Sub(start)
	if out.err == nil {
		if msg, ok := out.output["error"]; ok && msg != nil && msg != "" {
			out.err = fmt.Errorf("%v", msg)
		}
	}
	if out.err != nil {
		return e.failed(step, name, out.err, elapsed)
	}

	return StepResult{
		StepID:     step.ID,
		Name:       name,
		Kind:       step.Kind,
		Output:     out.output,
		Processor:  string(step.Kind),
		Timestamp:  e.now(),
		DurationMS: elapsed.Milliseconds(),
	}
}

func (e *Executor) failed(step core.Step, name string, err error, elapsed time.Duration) StepResult {
	return StepResult{
		StepID:     step.ID,
		Name:       name,
		Kind:       step.Kind,
		Error:      err.Error(),
		Processor:  string(step.Kind),
		Timestamp:  e.now(),
		DurationMS: elapsed.Milliseconds(),
	}
}

func summarize(res *Result, running map[string]any) Summary {
	s := Summary{TotalSteps: len(res.Order)}
	for _, sr := range res.Results {
		if sr.Failed() {
			s.Failed++
		} else {
			s.Successful++
		}
	}
	if v, ok := running[KeySummary].(string); ok {
		s.Summary = v
	}
	if v, ok := running[KeyKeywords].([]string); ok {
		s.Keywords = v
	}
	if v, ok := running[KeySentiment].(string); ok {
		s.Sentiment = v
	}
	if v, ok := running[KeyWordCount].(int); ok {
		s.WordCount = &v
	}
	if v, ok := running[KeyCharCount].(int); ok {
		s.CharCount = &v
	}
	if v, ok := running[KeyChunkCount].(int); ok {
		s.ChunkCount = &v
	}
	return s
}
