package core

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors
var (
	ErrTaskNotFound       = errors.New("docpipe: task not found")
	ErrPipelineNotFound   = errors.New("docpipe: pipeline not found")
	ErrDocumentNotFound   = errors.New("docpipe: document not found")
	ErrExecutionNotFound  = errors.New("docpipe: execution not found")
	ErrInvalidTransition  = errors.New("docpipe: invalid status transition")
	ErrRetryLimit         = errors.New("docpipe: retry limit reached")
	ErrAllStepsFailed     = errors.New("docpipe: all pipeline steps failed")
	ErrNoSteps            = errors.New("docpipe: pipeline has no steps")
	ErrEmptyCombinedText  = errors.New("docpipe: combined document text is empty")
	ErrNoBroker           = errors.New("docpipe: no broker configured")
	ErrInvalidJobTypeName = errors.New("docpipe: invalid job type name (must be alphanumeric, start with letter)")
	ErrJobTypeNameTooLong = errors.New("docpipe: job type name too long")
	ErrInvalidQueueName   = errors.New("docpipe: invalid queue name")
	ErrQueueNameTooLong   = errors.New("docpipe: queue name too long")
	ErrJobArgsTooLarge    = errors.New("docpipe: job arguments exceed size limit")
	ErrJobNotFound        = errors.New("docpipe: job not found")
	ErrJobNotOwned        = errors.New("docpipe: job not owned by this worker")
	ErrJobTimeout         = errors.New("docpipe: job exceeded its time limit")
)

// ValidationError reports a malformed request. The task is never created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// Validation builds a ValidationError.
func Validation(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// NotFoundError reports an unknown entity id.
type NotFoundError struct {
	Kind string
	ID   string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// NotFound builds a NotFoundError wrapping the matching sentinel.
func NotFound(kind, id string) error {
	var sentinel error
	switch kind {
	case "task":
		sentinel = ErrTaskNotFound
	case "pipeline":
		sentinel = ErrPipelineNotFound
	case "document":
		sentinel = ErrDocumentNotFound
	case "execution":
		sentinel = ErrExecutionNotFound
	}
	return &NotFoundError{Kind: kind, ID: id, Err: sentinel}
}

// InvalidStateError reports an operation attempted from a disallowed status.
// The entity is left unchanged.
type InvalidStateError struct {
	Op     string
	ID     string
	Status TaskStatus
	Err    error
}

func (e *InvalidStateError) Error() string {
	msg := fmt.Sprintf("cannot %s task %s in status %s", e.Op, e.ID, e.Status)
	if e.Err != nil && !errors.Is(e.Err, ErrInvalidTransition) {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidStateError) Unwrap() error {
	if e.Err == nil {
		return ErrInvalidTransition
	}
	return e.Err
}

// InvalidState builds an InvalidStateError.
func InvalidState(op, id string, status TaskStatus, err error) error {
	return &InvalidStateError{Op: op, ID: id, Status: status, Err: err}
}

// StepExecutionError is one step's isolated failure.
type StepExecutionError struct {
	Step      string
	Processor string
	Err       error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s (%s): %v", e.Step, e.Processor, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// WorkflowError is a non-isolated failure of a workflow phase. It marks the
// owning pipeline FAILED.
type WorkflowError struct {
	Phase      string
	PipelineID string
	Err        error
}

func (e *WorkflowError) Error() string {
	if e.PipelineID == "" {
		return fmt.Sprintf("workflow %s failed: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("workflow %s failed for pipeline %s: %v", e.Phase, e.PipelineID, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// TransientInfraError wraps a broker, storage or provider failure that may
// succeed on an explicit retry.
type TransientInfraError struct {
	Service string
	Err     error
}

func (e *TransientInfraError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *TransientInfraError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientInfraError.
func Transient(service string, err error) error {
	return &TransientInfraError{Service: service, Err: err}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransient reports whether err is a TransientInfraError.
func IsTransient(err error) bool {
	var te *TransientInfraError
	return errors.As(err, &te)
}

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var ise *InvalidStateError
	return errors.As(err, &ise)
}

// NoRetryError indicates a broker job error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError indicates a broker job error that should be retried after a delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}
