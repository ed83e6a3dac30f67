package core

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// StepKind selects the processor that runs a step.
type StepKind string

const (
	StepExtractText StepKind = "extract_text"
	StepWordCount   StepKind = "word_count"
	StepSummarize   StepKind = "summarize"
	StepKeywords    StepKind = "keywords"
	StepSentiment   StepKind = "sentiment"
	StepEmbed       StepKind = "embed"
)

// Step is one configured processing unit. Config is decoded into the typed
// configuration struct registered for Kind.
type Step struct {
	ID     string          `json:"id"`
	Kind   StepKind        `json:"type"`
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config,omitempty"`
}

// PipelineConfig is a named, ordered list of steps owned by a user.
// Executions snapshot the steps they run with, so edits only affect
// future executions.
type PipelineConfig struct {
	ID        string                    `gorm:"primaryKey;size:36"`
	Name      string                    `gorm:"size:255;not null"`
	UserID    string                    `gorm:"index;size:64"`
	Steps     datatypes.JSONSlice[Step] `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExecutionStatus is the state of one pipeline run against one document.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCanceled  ExecutionStatus = "CANCELED"
)

// IsTerminal reports whether the execution has finished.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCanceled
}

// PipelineExecution is one run of a PipelineConfig against one document.
// AnalysisID links fan-out executions to the analysis pipeline that requested them.
type PipelineExecution struct {
	ID           string                    `gorm:"primaryKey;size:36"`
	PipelineID   string                    `gorm:"index;size:36;not null"`
	AnalysisID   *string                   `gorm:"index:idx_exec_analysis_doc;size:36"`
	DocumentID   string                    `gorm:"index:idx_exec_analysis_doc;size:64;not null"`
	TaskID       *string                   `gorm:"index;size:36"`
	Status       ExecutionStatus           `gorm:"index;size:20;not null;default:'PENDING'"`
	Steps        datatypes.JSONSlice[Step] `gorm:"type:text"`
	Results      datatypes.JSONMap         `gorm:"type:text"`
	Summary      datatypes.JSONMap         `gorm:"type:text"`
	ErrorMessage *string                   `gorm:"type:text"`
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time `gorm:"index"`
	UpdatedAt    time.Time
}

// AnalysisType selects the analyze stage behavior.
type AnalysisType string

const (
	AnalysisRFP      AnalysisType = "RFP"
	AnalysisProposal AnalysisType = "PROPOSAL"
)

// TaskType returns the task type used for the workflow's parent task.
func (a AnalysisType) TaskType() TaskType {
	if a == AnalysisProposal {
		return TypeProposalAnalysis
	}
	return TypeRFPAnalysis
}

// Valid reports whether a is a known analysis type.
func (a AnalysisType) Valid() bool {
	return a == AnalysisRFP || a == AnalysisProposal
}

// PipelineStatus is the state of an analysis pipeline.
type PipelineStatus string

const (
	PipelinePending    PipelineStatus = "PENDING"
	PipelineProcessing PipelineStatus = "PROCESSING"
	PipelineCompleted  PipelineStatus = "COMPLETED"
	PipelineFailed     PipelineStatus = "FAILED"
)

// AnalysisPipeline owns a multi-document analysis: its criteria, framework
// and final result. ParentID points at the RFP pipeline a proposal is
// evaluated against (lookup only).
type AnalysisPipeline struct {
	ID           string                      `gorm:"primaryKey;size:36"`
	Name         string                      `gorm:"size:255;not null"`
	UserID       string                      `gorm:"index;size:64"`
	Type         AnalysisType                `gorm:"size:20;not null"`
	ConfigID     *string                     `gorm:"size:36"`
	ParentID     *string                     `gorm:"index;size:36"`
	Status       PipelineStatus              `gorm:"index;size:20;not null;default:'PENDING'"`
	Criteria     datatypes.JSONSlice[string] `gorm:"type:text"`
	Framework    datatypes.JSONMap           `gorm:"type:text"`
	Result       datatypes.JSONMap           `gorm:"type:text"`
	ErrorMessage *string                     `gorm:"type:text"`
	TaskID       *string                     `gorm:"size:36"`
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Document is a stored input document. Content wins over Path when both are set.
type Document struct {
	ID              string `gorm:"primaryKey;size:64"`
	Title           string `gorm:"size:255"`
	Path            string `gorm:"size:1024"`
	Content         string `gorm:"type:text"`
	ProcessingOrder int    `gorm:"default:0"`
	UserID          string `gorm:"index;size:64"`
	CreatedAt       time.Time
}

// DocumentArtifact is the per-document output of a fan-out job, keyed by
// (AnalysisID, DocumentID).
type DocumentArtifact struct {
	AnalysisID      string `gorm:"primaryKey;size:36"`
	DocumentID      string `gorm:"primaryKey;size:64"`
	ExecutionID     string `gorm:"size:36"`
	Title           string `gorm:"size:255"`
	Text            string `gorm:"type:text"`
	WordCount       int
	ChunkCount      int
	ProcessingOrder int
	CreatedAt       time.Time
}

// DocumentChunk is one embedded slice of a document's text.
type DocumentChunk struct {
	ID         string                       `gorm:"primaryKey;size:36"`
	AnalysisID string                       `gorm:"index:idx_chunks_doc;size:36;not null"`
	DocumentID string                       `gorm:"index:idx_chunks_doc;size:64;not null"`
	ChunkIndex int                          `gorm:"not null"`
	Content    string                       `gorm:"type:text"`
	Embedding  datatypes.JSONSlice[float32] `gorm:"type:text"`
	CreatedAt  time.Time
}

// CombinedArtifact is the combine stage output for one analysis pipeline.
type CombinedArtifact struct {
	AnalysisID  string                      `gorm:"primaryKey;size:36"`
	Text        string                      `gorm:"type:text"`
	DocumentIDs datatypes.JSONSlice[string] `gorm:"type:text"`
	MissingIDs  datatypes.JSONSlice[string] `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ExecutionFilter narrows execution queries.
type ExecutionFilter struct {
	PipelineID string
	AnalysisID string
	DocumentID string
	TaskID     string
	Statuses   []ExecutionStatus
}
