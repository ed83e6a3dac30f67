package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/docpipe/pkg/core"
)

var terminalExecutionStatuses = []core.ExecutionStatus{
	core.ExecutionCompleted, core.ExecutionFailed, core.ExecutionCanceled,
}

// CreatePipelineConfig stores a new pipeline config.
func (s *GormStorage) CreatePipelineConfig(ctx context.Context, cfg *core.PipelineConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(cfg).Error
}

// GetPipelineConfig returns (nil, nil) when the config does not exist.
func (s *GormStorage) GetPipelineConfig(ctx context.Context, id string) (*core.PipelineConfig, error) {
	return getRow[core.PipelineConfig](ctx, s.db, "id = ?", id)
}

// UpdatePipelineSteps replaces a config's steps. Executions keep their own
// snapshot, so only future runs see the change.
func (s *GormStorage) UpdatePipelineSteps(ctx context.Context, id string, steps []core.Step) error {
	_, err := updateRow(ctx, s, "pipeline", id, func(cfg *core.PipelineConfig) error {
		cfg.Steps = steps
		return nil
	})
	return err
}

// CreateAnalysisPipeline stores a new analysis pipeline.
func (s *GormStorage) CreateAnalysisPipeline(ctx context.Context, p *core.AnalysisPipeline) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = core.PipelinePending
	}
	return s.db.WithContext(ctx).Create(p).Error
}

// GetAnalysisPipeline returns (nil, nil) when the pipeline does not exist.
func (s *GormStorage) GetAnalysisPipeline(ctx context.Context, id string) (*core.AnalysisPipeline, error) {
	return getRow[core.AnalysisPipeline](ctx, s.db, "id = ?", id)
}

// UpdateAnalysisPipeline applies fn under a per-row transaction.
func (s *GormStorage) UpdateAnalysisPipeline(ctx context.Context, id string, fn func(*core.AnalysisPipeline) error) (*core.AnalysisPipeline, error) {
	return updateRow(ctx, s, "pipeline", id, fn)
}

// CreateDocument stores a document.
func (s *GormStorage) CreateDocument(ctx context.Context, doc *core.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(doc).Error
}

// GetDocument returns (nil, nil) when the document does not exist.
func (s *GormStorage) GetDocument(ctx context.Context, id string) (*core.Document, error) {
	return getRow[core.Document](ctx, s.db, "id = ?", id)
}

// ──────────────────────────────────────────────────────────────────────────────
// Executions
// ──────────────────────────────────────────────────────────────────────────────

// CreateExecution stores a new execution.
func (s *GormStorage) CreateExecution(ctx context.Context, exec *core.PipelineExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = core.ExecutionPending
	}
	return s.db.WithContext(ctx).Create(exec).Error
}

// GetExecution returns (nil, nil) when the execution does not exist.
func (s *GormStorage) GetExecution(ctx context.Context, id string) (*core.PipelineExecution, error) {
	return getRow[core.PipelineExecution](ctx, s.db, "id = ?", id)
}

// UpdateExecution applies fn under a per-row transaction.
func (s *GormStorage) UpdateExecution(ctx context.Context, id string, fn func(*core.PipelineExecution) error) (*core.PipelineExecution, error) {
	return updateRow(ctx, s, "execution", id, fn)
}

// ListExecutions returns matching executions, newest first.
func (s *GormStorage) ListExecutions(ctx context.Context, f core.ExecutionFilter) ([]*core.PipelineExecution, error) {
	q := s.db.WithContext(ctx).Model(&core.PipelineExecution{})
	if f.PipelineID != "" {
		q = q.Where("pipeline_id = ?", f.PipelineID)
	}
	if f.AnalysisID != "" {
		q = q.Where("analysis_id = ?", f.AnalysisID)
	}
	if f.DocumentID != "" {
		q = q.Where("document_id = ?", f.DocumentID)
	}
	if f.TaskID != "" {
		q = q.Where("task_id = ?", f.TaskID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}

	var execs []*core.PipelineExecution
	err := q.Order("created_at DESC").Order("id").Find(&execs).Error
	return execs, err
}

// PurgeExecutions deletes terminal executions that finished before the cutoff.
func (s *GormStorage) PurgeExecutions(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status IN ?", terminalExecutionStatuses).
		Where("completed_at < ?", before.UTC()).
		Delete(&core.PipelineExecution{})
	return res.RowsAffected, res.Error
}

// ──────────────────────────────────────────────────────────────────────────────
// Artifacts
// ──────────────────────────────────────────────────────────────────────────────

// SaveArtifact deletes any previous artifact and chunks for the document and
// writes the new ones in the same transaction.
func (s *GormStorage) SaveArtifact(ctx context.Context, artifact *core.DocumentArtifact, chunks []core.DocumentChunk) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scope := tx.Where("analysis_id = ? AND document_id = ?", artifact.AnalysisID, artifact.DocumentID)
		if err := scope.Delete(&core.DocumentChunk{}).Error; err != nil {
			return err
		}
		if err := tx.Where("analysis_id = ? AND document_id = ?", artifact.AnalysisID, artifact.DocumentID).
			Delete(&core.DocumentArtifact{}).Error; err != nil {
			return err
		}

		artifact.ChunkCount = len(chunks)
		if err := tx.Create(artifact).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		for i := range chunks {
			if chunks[i].ID == "" {
				chunks[i].ID = uuid.New().String()
			}
			chunks[i].AnalysisID = artifact.AnalysisID
			chunks[i].DocumentID = artifact.DocumentID
		}
		return tx.CreateInBatches(chunks, 100).Error
	})
}

// GetArtifact returns (nil, nil) when no artifact exists for the pair.
func (s *GormStorage) GetArtifact(ctx context.Context, analysisID, documentID string) (*core.DocumentArtifact, error) {
	return getRow[core.DocumentArtifact](ctx, s.db, "analysis_id = ? AND document_id = ?", analysisID, documentID)
}

// ListArtifacts returns an analysis's artifacts in document processing order.
func (s *GormStorage) ListArtifacts(ctx context.Context, analysisID string) ([]*core.DocumentArtifact, error) {
	var artifacts []*core.DocumentArtifact
	err := s.db.WithContext(ctx).
		Where("analysis_id = ?", analysisID).
		Order("processing_order ASC").
		Order("document_id ASC").
		Find(&artifacts).Error
	return artifacts, err
}

// ListChunks returns a document's chunks in index order.
func (s *GormStorage) ListChunks(ctx context.Context, analysisID, documentID string) ([]core.DocumentChunk, error) {
	var chunks []core.DocumentChunk
	err := s.db.WithContext(ctx).
		Where("analysis_id = ? AND document_id = ?", analysisID, documentID).
		Order("chunk_index ASC").
		Find(&chunks).Error
	return chunks, err
}

// PurgeAnalysis removes all per-document and combined output of an analysis.
func (s *GormStorage) PurgeAnalysis(ctx context.Context, analysisID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{
			&core.DocumentChunk{},
			&core.DocumentArtifact{},
			&core.CombinedArtifact{},
			&core.PipelineExecution{},
		} {
			if err := tx.Where("analysis_id = ?", analysisID).Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveCombined inserts or replaces the combined artifact of an analysis.
func (s *GormStorage) SaveCombined(ctx context.Context, combined *core.CombinedArtifact) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(combined).Error
}

// GetCombined returns (nil, nil) when the analysis has not been combined.
func (s *GormStorage) GetCombined(ctx context.Context, analysisID string) (*core.CombinedArtifact, error) {
	return getRow[core.CombinedArtifact](ctx, s.db, "analysis_id = ?", analysisID)
}
