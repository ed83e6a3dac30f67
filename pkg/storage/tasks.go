package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/docpipe/pkg/core"
)

var terminalTaskStatuses = []core.TaskStatus{core.StatusCompleted, core.StatusFailed, core.StatusCanceled}

// orderColumns maps the public order fields to columns.
var orderColumns = map[core.OrderField]string{
	core.OrderByPriority:    "priority",
	core.OrderByCreatedAt:   "created_at",
	core.OrderByStartedAt:   "started_at",
	core.OrderByCompletedAt: "completed_at",
	core.OrderByStatus:      "status",
	core.OrderByName:        "name",
}

// CreateTask inserts a task and assigns its insertion sequence number.
func (s *GormStorage) CreateTask(ctx context.Context, task *core.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = core.StatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := nextTaskSeq(tx)
		if err != nil {
			return err
		}
		task.Seq = seq
		return tx.Create(task).Error
	})
}

const taskSequence = "tasks"

// sequence is a named counter row. Incrementing it locks the row until the
// surrounding transaction ends, so concurrent inserts draw distinct values.
type sequence struct {
	Name  string `gorm:"primaryKey;size:64"`
	Value int64  `gorm:"not null"`
}

func (sequence) TableName() string { return "sequences" }

// nextTaskSeq returns the next task insertion number. The counter row is
// seeded from the highest existing seq the first time it is used.
func nextTaskSeq(tx *gorm.DB) (int64, error) {
	for attempt := 0; attempt < 2; attempt++ {
		res := tx.Model(&sequence{}).Where("name = ?", taskSequence).
			UpdateColumn("value", gorm.Expr("value + 1"))
		if res.Error != nil {
			return 0, res.Error
		}
		if res.RowsAffected == 1 {
			var v int64
			err := tx.Model(&sequence{}).Select("value").Where("name = ?", taskSequence).Scan(&v).Error
			return v, err
		}

		var maxSeq int64
		if err := tx.Model(&core.Task{}).Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return 0, err
		}
		seed := &sequence{Name: taskSequence, Value: maxSeq}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("task sequence %q unavailable", taskSequence)
}

// GetTask retrieves a task by ID. It returns (nil, nil) when missing.
func (s *GormStorage) GetTask(ctx context.Context, id string) (*core.Task, error) {
	return getRow[core.Task](ctx, s.db, "id = ?", id)
}

// UpdateTask applies fn to the task under a per-row transaction.
func (s *GormStorage) UpdateTask(ctx context.Context, id string, fn func(*core.Task) error) (*core.Task, error) {
	return updateRow(ctx, s, "task", id, fn)
}

// DeleteTask removes a task row.
func (s *GormStorage) DeleteTask(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&core.Task{}, "id = ?", id).Error
}

// ListTasks returns tasks matching filter. Without an explicit order the
// listing is priority descending, then created_at ascending, then insertion
// order.
func (s *GormStorage) ListTasks(ctx context.Context, filter core.TaskFilter, opts core.ListOptions) ([]*core.Task, error) {
	q := applyTaskFilter(s.db.WithContext(ctx).Model(&core.Task{}), filter)

	col, ok := orderColumns[opts.OrderBy]
	switch {
	case !ok || opts.OrderBy == core.OrderByPriority:
		dir := "DESC"
		if ok && opts.Ascending {
			dir = "ASC"
		}
		q = q.Order("priority " + dir).Order("created_at ASC").Order("seq ASC")
	default:
		dir := "DESC"
		if opts.Ascending {
			dir = "ASC"
		}
		q = q.Order(col + " " + dir).Order("seq " + dir)
	}

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	var tasks []*core.Task
	err := q.Find(&tasks).Error
	return tasks, err
}

// CountTasksByStatus returns the number of matching tasks per status.
func (s *GormStorage) CountTasksByStatus(ctx context.Context, filter core.TaskFilter) (map[core.TaskStatus]int64, error) {
	type row struct {
		Status core.TaskStatus
		Count  int64
	}
	var rows []row
	err := applyTaskFilter(s.db.WithContext(ctx).Model(&core.Task{}), filter).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[core.TaskStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// TaskTimings returns start/completion pairs for matching tasks that have
// both timestamps.
func (s *GormStorage) TaskTimings(ctx context.Context, filter core.TaskFilter) ([]core.TaskTiming, error) {
	var tasks []core.Task
	err := applyTaskFilter(s.db.WithContext(ctx).Model(&core.Task{}), filter).
		Select("id", "started_at", "completed_at").
		Where("started_at IS NOT NULL AND completed_at IS NOT NULL").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}

	timings := make([]core.TaskTiming, 0, len(tasks))
	for _, t := range tasks {
		timings = append(timings, core.TaskTiming{StartedAt: *t.StartedAt, CompletedAt: *t.CompletedAt})
	}
	return timings, nil
}

// PurgeTasks deletes terminal tasks that finished before the cutoff.
func (s *GormStorage) PurgeTasks(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status IN ?", terminalTaskStatuses).
		Where("completed_at < ?", before.UTC()).
		Delete(&core.Task{})
	return res.RowsAffected, res.Error
}

func applyTaskFilter(q *gorm.DB, f core.TaskFilter) *gorm.DB {
	if len(f.Types) > 0 {
		q = q.Where("type IN ?", f.Types)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if len(f.Priorities) > 0 {
		q = q.Where("priority IN ?", f.Priorities)
	}
	if f.SourceType != "" {
		q = q.Where("source_type = ?", f.SourceType)
	}
	if f.SourceID != "" {
		q = q.Where("source_id = ?", f.SourceID)
	}
	if f.ParentTaskID != "" {
		q = q.Where("parent_task_id = ?", f.ParentTaskID)
	}
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Name != "" {
		q = q.Where("name = ?", f.Name)
	}
	if !f.CreatedAfter.IsZero() {
		q = q.Where("created_at >= ?", f.CreatedAfter.UTC())
	}
	if !f.CreatedBefore.IsZero() {
		q = q.Where("created_at < ?", f.CreatedBefore.UTC())
	}
	return q
}
