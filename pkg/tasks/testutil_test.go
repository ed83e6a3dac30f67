package tasks

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jdziat/docpipe/pkg/queue"
	"github.com/jdziat/docpipe/pkg/storage"
)

func newTestStore(t *testing.T) *storage.GormStorage {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	s := storage.NewGormStorage(db)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return s
}

// fakeBroker records broker calls.
type fakeBroker struct {
	mu          sync.Mutex
	seq         int
	enqueued    []enqueuedJob
	revoked     []string
	priorities  map[string]int
	enqueueErr  error
	revokeErr   error
	unsupported map[string]bool
}

type enqueuedJob struct {
	Handle string
	Name   string
	Args   JobArgs
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{priorities: make(map[string]int)}
}

func (b *fakeBroker) Enqueue(_ context.Context, name string, args any, opts ...queue.Option) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enqueueErr != nil {
		return "", b.enqueueErr
	}
	o := queue.NewOptions()
	for _, opt := range opts {
		opt.Apply(o)
	}
	b.seq++
	handle := fmt.Sprintf("job-%d", b.seq)
	b.enqueued = append(b.enqueued, enqueuedJob{Handle: handle, Name: name, Args: args.(JobArgs)})
	b.priorities[handle] = o.Priority
	return handle, nil
}

func (b *fakeBroker) Revoke(_ context.Context, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked = append(b.revoked, handle)
	return b.revokeErr
}

func (b *fakeBroker) Reprioritize(_ context.Context, handle string, priority int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.priorities[handle] = priority
	return nil
}

func (b *fakeBroker) HasHandler(name string) bool {
	return !b.unsupported[name]
}

var errBrokerDown = errors.New("broker connection refused")

// fixedClock returns a clock that advances by step on every call.
func fixedClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(step)
		return now
	}
}
