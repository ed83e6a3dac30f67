package core

import (
	"time"
)

// BarrierStatus represents the state of a fan-in barrier.
type BarrierStatus string

const (
	BarrierPending  BarrierStatus = "pending"
	BarrierReleased BarrierStatus = "released"
)

// MemberOutcome records how a fan-out task finished.
type MemberOutcome string

const (
	OutcomePending   MemberOutcome = "pending"
	OutcomeSucceeded MemberOutcome = "succeeded"
	OutcomeFailed    MemberOutcome = "failed"
)

// Barrier tracks the fan-out tasks of one workflow run. It is released
// exactly once, when every member has reached a terminal state.
type Barrier struct {
	ID             string        `gorm:"primaryKey;size:36"`
	ParentTaskID   string        `gorm:"index;size:36;not null"`
	AnalysisID     string        `gorm:"index;size:36;not null"`
	TotalCount     int           `gorm:"not null"`
	SucceededCount int           `gorm:"default:0"`
	FailedCount    int           `gorm:"default:0"`
	Status         BarrierStatus `gorm:"size:20;default:'pending'"`
	CreatedAt      time.Time     `gorm:"autoCreateTime"`
	UpdatedAt      time.Time     `gorm:"autoUpdateTime"`
}

// Settled reports whether every member has been accounted for.
func (b *Barrier) Settled() bool {
	return b.SucceededCount+b.FailedCount >= b.TotalCount
}

// BarrierMember links one fan-out task to its barrier.
type BarrierMember struct {
	BarrierID  string        `gorm:"primaryKey;size:36"`
	TaskID     string        `gorm:"primaryKey;size:36"`
	DocumentID string        `gorm:"size:64"`
	Outcome    MemberOutcome `gorm:"size:20;default:'pending'"`
}
