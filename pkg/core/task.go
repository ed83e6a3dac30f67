package core

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "PENDING"
	StatusRunning   TaskStatus = "RUNNING"
	StatusCompleted TaskStatus = "COMPLETED"
	StatusFailed    TaskStatus = "FAILED"
	StatusCanceled  TaskStatus = "CANCELED"
	StatusRetrying  TaskStatus = "RETRYING"
)

// AllTaskStatuses lists every status in display order.
var AllTaskStatuses = []TaskStatus{
	StatusPending, StatusRunning, StatusRetrying,
	StatusCompleted, StatusFailed, StatusCanceled,
}

// transitions holds the allowed edges of the task state machine.
var transitions = map[TaskStatus][]TaskStatus{
	StatusPending:  {StatusRunning, StatusCanceled},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusCanceled},
	StatusRetrying: {StatusRunning, StatusCanceled},
	StatusFailed:   {StatusRetrying},
}

// IsTerminal reports whether no further work happens in this status
// without an explicit retry.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, v := range AllTaskStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// CanTransition reports whether a task may move from one status to another.
// Same-status transitions are allowed and treated as no-ops by callers.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseTaskStatus parses a status name case-insensitively.
func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", Validation("status", fmt.Sprintf("unknown task status %q", s))
	}
	return st, nil
}

// Priority orders schedulable work. Higher values run first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:    "LOW",
	PriorityNormal: "NORMAL",
	PriorityHigh:   "HIGH",
	PriorityUrgent: "URGENT",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// Valid reports whether p is one of the four defined levels.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("docpipe: invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority parses a priority name case-insensitively.
func ParsePriority(s string) (Priority, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for p, n := range priorityNames {
		if n == name {
			return p, nil
		}
	}
	return 0, Validation("priority", fmt.Sprintf("unknown priority %q", s))
}

// TaskType classifies a task for filtering and reporting.
type TaskType string

const (
	TypeRFPAnalysis        TaskType = "RFP_ANALYSIS"
	TypeProposalAnalysis   TaskType = "PROPOSAL_ANALYSIS"
	TypeDocumentProcessing TaskType = "DOCUMENT_PROCESSING"
	TypePipelineExecution  TaskType = "PIPELINE_EXECUTION"
	TypeMaintenance        TaskType = "MAINTENANCE"
	TypeGeneric            TaskType = "GENERIC"
)

var taskTypes = []TaskType{
	TypeRFPAnalysis, TypeProposalAnalysis, TypeDocumentProcessing,
	TypePipelineExecution, TypeMaintenance, TypeGeneric,
}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	for _, v := range taskTypes {
		if t == v {
			return true
		}
	}
	return false
}

// ParseTaskType parses a task type name case-insensitively.
func ParseTaskType(s string) (TaskType, error) {
	tt := TaskType(strings.ToUpper(strings.TrimSpace(s)))
	if !tt.Valid() {
		return "", Validation("type", fmt.Sprintf("unknown task type %q", s))
	}
	return tt, nil
}

// Task is a trackable, schedulable unit of background work.
//
// SourceType/SourceID and ParentTaskID are lookup-only back-references;
// a task never owns the entity that requested it.
type Task struct {
	ID           string            `gorm:"primaryKey;size:36"`
	BrokerHandle string            `gorm:"index;size:36"`
	Name         string            `gorm:"index;size:255;not null"`
	Type         TaskType          `gorm:"index;size:32;not null"`
	Status       TaskStatus        `gorm:"index;size:20;not null;default:'PENDING'"`
	Priority     Priority          `gorm:"index;not null"`
	Parameters   datatypes.JSONMap `gorm:"type:text"`
	SourceType   string            `gorm:"index:idx_tasks_source;size:64"`
	SourceID     string            `gorm:"index:idx_tasks_source;size:64"`
	ParentTaskID *string           `gorm:"index;size:36"`
	RetryCount   int               `gorm:"not null;default:0"`
	MaxRetries   int               `gorm:"not null"`
	UserID       string            `gorm:"index;size:64"`
	ErrorMessage *string           `gorm:"type:text"`
	Result       datatypes.JSONMap `gorm:"type:text"`
	Seq          int64             `gorm:"index;not null"` // insertion order tie-break
	CreatedAt    time.Time         `gorm:"index"`
	StartedAt    *time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
}

// Duration returns the processing time when both timestamps are set.
func (t *Task) Duration() (time.Duration, bool) {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0, false
	}
	return t.CompletedAt.Sub(*t.StartedAt), true
}

// Param returns a string parameter, or "" when absent.
func (t *Task) Param(key string) string {
	if t.Parameters == nil {
		return ""
	}
	if v, ok := t.Parameters[key].(string); ok {
		return v
	}
	return ""
}

// Error returns the stored error message, or "".
func (t *Task) Error() string {
	if t.ErrorMessage == nil {
		return ""
	}
	return *t.ErrorMessage
}

// TaskFilter narrows task queries. Zero values match everything.
type TaskFilter struct {
	Types         []TaskType
	Statuses      []TaskStatus
	Priorities    []Priority
	SourceType    string
	SourceID      string
	ParentTaskID  string
	UserID        string
	Name          string
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// OrderField selects the sort key for task listings.
type OrderField string

const (
	OrderByPriority    OrderField = "priority"
	OrderByCreatedAt   OrderField = "created_at"
	OrderByStartedAt   OrderField = "started_at"
	OrderByCompletedAt OrderField = "completed_at"
	OrderByStatus      OrderField = "status"
	OrderByName        OrderField = "name"
)

// ListOptions controls ordering and pagination of task listings.
type ListOptions struct {
	OrderBy   OrderField
	Ascending bool
	Limit     int
	Offset    int
}

// TaskTiming is a processing-time sample.
type TaskTiming struct {
	StartedAt   time.Time
	CompletedAt time.Time
}
