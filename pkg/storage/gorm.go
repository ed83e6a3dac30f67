package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/security"
)

// lockDuration is how long a dequeued job stays locked without a heartbeat.
const lockDuration = 5 * time.Minute

// GormStorage implements core.Storage using GORM.
type GormStorage struct {
	db       *gorm.DB
	isSQLite bool
}

var _ core.Storage = (*GormStorage)(nil)

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	s := &GormStorage{db: db}
	if db != nil && db.Dialector != nil {
		s.isSQLite = db.Dialector.Name() == "sqlite"
	}
	return s
}

// Config returns the gorm configuration used by Open. Timestamps are
// recorded in UTC so that text-encoded SQLite times sort correctly.
func Config() *gorm.Config {
	return &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// IsPostgresDSN reports whether dsn selects the PostgreSQL driver.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

// Open connects to dsn and configures the pool. PostgreSQL DSNs use the
// pgx-backed postgres driver; anything else is treated as a SQLite path.
// SQLite is limited to one open connection so writes serialize.
func Open(dsn string, opts ...PoolOption) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if IsPostgresDSN(dsn) {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
		opts = append(opts, MaxOpenConns(1), MaxIdleConns(1), ConnMaxLifetime(0), ConnMaxIdleTime(0))
	}

	db, err := gorm.Open(dialector, Config())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := ConfigurePool(db, opts...); err != nil {
		return nil, err
	}
	return db, nil
}

// DB returns the underlying gorm handle.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the storage is backed by SQLite.
func (s *GormStorage) IsSQLite() bool {
	return s.isSQLite
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.Task{},
		&core.Job{},
		&core.PipelineConfig{},
		&core.AnalysisPipeline{},
		&core.Document{},
		&core.PipelineExecution{},
		&core.DocumentArtifact{},
		&core.DocumentChunk{},
		&core.CombinedArtifact{},
		&core.Barrier{},
		&core.BarrierMember{},
		&sequence{},
	)
}

// forUpdate adds a row lock on dialects that support it. SQLite serializes
// writers through its single connection instead.
func (s *GormStorage) forUpdate(tx *gorm.DB) *gorm.DB {
	if s.isSQLite {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// updateRow loads a row by id under a per-row transaction, applies fn and
// saves the result.
func updateRow[T any](ctx context.Context, s *GormStorage, kind, id string, fn func(*T) error) (*T, error) {
	var row T
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.forUpdate(tx).First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return core.NotFound(kind, id)
			}
			return err
		}
		if err := fn(&row); err != nil {
			return err
		}
		return tx.Save(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// getRow returns (nil, nil) when no row matches.
func getRow[T any](ctx context.Context, db *gorm.DB, query string, args ...any) (*T, error) {
	var row T
	err := db.WithContext(ctx).Where(query, args...).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Broker jobs
// ──────────────────────────────────────────────────────────────────────────────

// Enqueue adds a job to the queue.
func (s *GormStorage) Enqueue(ctx context.Context, job *core.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.JobStatusPending
	}
	if job.Queue == "" {
		job.Queue = "default"
	}
	if job.RunAt != nil {
		runAt := job.RunAt.UTC()
		job.RunAt = &runAt
	}
	return s.db.WithContext(ctx).Create(job).Error
}

// Dequeue fetches and locks the next available job, highest priority first
// and oldest first within a priority.
func (s *GormStorage) Dequeue(ctx context.Context, queues []string, workerID string) (*core.Job, error) {
	var job core.Job
	now := time.Now().UTC()
	lockUntil := now.Add(lockDuration)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("queue IN ?", queues).
			Where("status = ?", core.JobStatusPending).
			Where("(run_at IS NULL OR run_at <= ?)", now).
			Where("(locked_until IS NULL OR locked_until < ?)", now).
			Order("priority DESC, created_at ASC")
		if !s.isSQLite {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		res := tx.Model(&core.Job{}).
			Where("id = ? AND status = ?", job.ID, core.JobStatusPending).
			Updates(map[string]any{
				"status":            core.JobStatusRunning,
				"locked_by":         workerID,
				"locked_until":      lockUntil,
				"started_at":        now,
				"last_heartbeat_at": now,
				"attempt":           gorm.Expr("attempt + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			job = core.Job{}
			return nil
		}
		job.Status = core.JobStatusRunning
		job.LockedBy = workerID
		job.LockedUntil = &lockUntil
		job.StartedAt = &now
		job.LastHeartbeatAt = &now
		job.Attempt++
		return nil
	})

	if err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, nil
	}
	return &job, nil
}

// Complete marks a job as successfully completed.
// Validates that the worker owns the job before completing.
func (s *GormStorage) Complete(ctx context.Context, jobID, workerID string, result []byte) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ? AND status = ?", jobID, workerID, core.JobStatusRunning).
		Updates(map[string]any{
			"status":       core.JobStatusCompleted,
			"completed_at": now,
			"result":       result,
			"locked_by":    "",
			"locked_until": nil,
		})

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// Fail marks a job as failed, optionally scheduling a retry.
// Validates that the worker owns the job before failing.
// Error messages are sanitized before storage.
func (s *GormStorage) Fail(ctx context.Context, jobID, workerID, errMsg string, retryAt *time.Time) error {
	updates := map[string]any{
		"last_error":   security.SanitizeErrorMessage(errMsg),
		"locked_by":    "",
		"locked_until": nil,
	}

	if retryAt != nil {
		updates["status"] = core.JobStatusPending
		updates["run_at"] = retryAt.UTC()
	} else {
		updates["status"] = core.JobStatusFailed
		updates["completed_at"] = time.Now().UTC()
	}

	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ? AND status = ?", jobID, workerID, core.JobStatusRunning).
		Updates(updates)

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// RevokeJob marks a pending or running job revoked. Finished jobs are left
// alone. The returned flag is true when the job was running.
func (s *GormStorage) RevokeJob(ctx context.Context, jobID string) (bool, error) {
	var running bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job core.Job
		if err := s.forUpdate(tx).First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("revoke %s: %w", jobID, core.ErrJobNotFound)
			}
			return err
		}
		if job.Status != core.JobStatusPending && job.Status != core.JobStatusRunning {
			return nil
		}
		running = job.Status == core.JobStatusRunning
		return tx.Model(&core.Job{}).
			Where("id = ?", jobID).
			Updates(map[string]any{
				"status":       core.JobStatusRevoked,
				"completed_at": time.Now().UTC(),
				"locked_by":    "",
				"locked_until": nil,
			}).Error
	})
	return running, err
}

// SetJobPriority changes the priority of a job that has not started yet.
func (s *GormStorage) SetJobPriority(ctx context.Context, jobID string, priority int) error {
	return s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status = ?", jobID, core.JobStatusPending).
		Update("priority", priority).Error
}

// Heartbeat extends the lock on a running job.
func (s *GormStorage) Heartbeat(ctx context.Context, jobID, workerID string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ? AND status = ?", jobID, workerID, core.JobStatusRunning).
		Updates(map[string]any{
			"locked_until":      now.Add(lockDuration),
			"last_heartbeat_at": now,
		}).Error
}

// ReleaseStaleLocks returns running jobs whose lock expired more than
// staleDuration ago to the pending state.
func (s *GormStorage) ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-staleDuration)
	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("status = ?", core.JobStatusRunning).
		Where("locked_until < ?", cutoff).
		Updates(map[string]any{
			"status":       core.JobStatusPending,
			"locked_by":    "",
			"locked_until": nil,
		})
	return res.RowsAffected, res.Error
}

// GetJob retrieves a job by ID.
func (s *GormStorage) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	return getRow[core.Job](ctx, s.db, "id = ?", jobID)
}
