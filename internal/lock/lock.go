// Package lock provides the per-owner mutual exclusion that serializes
// recalculation and metric refreshes for one owner.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned when another holder owns the lock
var ErrLocked = errors.New("owner is locked by another worker")

// Unlock releases a held lock
type Unlock func(ctx context.Context) error

// Locker hands out non-blocking per-owner locks
type Locker interface {
	TryLock(ctx context.Context, ownerID int64) (Unlock, error)
}

// MemoryLocker locks owners within one process
type MemoryLocker struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

// NewMemoryLocker creates an in-process locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[int64]struct{})}
}

// TryLock acquires the owner's lock or fails immediately with ErrLocked
func (m *MemoryLocker) TryLock(_ context.Context, ownerID int64) (Unlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held[ownerID]; ok {
		return nil, ErrLocked
	}
	m.held[ownerID] = struct{}{}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, ownerID)
			m.mu.Unlock()
		})
		return nil
	}, nil
}

// Held reports whether an owner is currently locked
func (m *MemoryLocker) Held(ownerID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[ownerID]
	return ok
}
