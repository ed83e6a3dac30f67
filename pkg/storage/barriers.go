package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jdziat/docpipe/pkg/core"
)

// CreateBarrier stores a barrier together with its members.
func (s *GormStorage) CreateBarrier(ctx context.Context, b *core.Barrier, members []core.BarrierMember) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.Status == "" {
		b.Status = core.BarrierPending
	}
	b.TotalCount = len(members)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(b).Error; err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}
		for i := range members {
			members[i].BarrierID = b.ID
			if members[i].Outcome == "" {
				members[i].Outcome = core.OutcomePending
			}
		}
		return tx.Create(&members).Error
	})
}

// GetBarrier returns (nil, nil) when the barrier does not exist.
func (s *GormStorage) GetBarrier(ctx context.Context, id string) (*core.Barrier, error) {
	return getRow[core.Barrier](ctx, s.db, "id = ?", id)
}

// MarkMember records the first terminal outcome of a member task and bumps
// the barrier's counters. Later calls for the same task are ignored.
func (s *GormStorage) MarkMember(ctx context.Context, taskID string, succeeded bool) (*core.Barrier, bool, error) {
	var (
		barrier core.Barrier
		counted bool
	)
	outcome, counter := core.OutcomeFailed, "failed_count"
	if succeeded {
		outcome, counter = core.OutcomeSucceeded, "succeeded_count"
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var member core.BarrierMember
		err := tx.Where("task_id = ? AND outcome = ?", taskID, core.OutcomePending).First(&member).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		res := tx.Model(&core.BarrierMember{}).
			Where("barrier_id = ? AND task_id = ? AND outcome = ?", member.BarrierID, taskID, core.OutcomePending).
			Update("outcome", outcome)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if err := tx.Model(&core.Barrier{}).
			Where("id = ?", member.BarrierID).
			UpdateColumn(counter, gorm.Expr(counter+" + 1")).Error; err != nil {
			return err
		}
		if err := tx.First(&barrier, "id = ?", member.BarrierID).Error; err != nil {
			return err
		}
		counted = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !counted {
		return nil, false, nil
	}
	return &barrier, true, nil
}

// ReleaseBarrier flips a pending barrier to released. Exactly one caller
// sees true.
func (s *GormStorage) ReleaseBarrier(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&core.Barrier{}).
		Where("id = ? AND status = ?", id, core.BarrierPending).
		Update("status", core.BarrierReleased)
	return res.RowsAffected == 1, res.Error
}
