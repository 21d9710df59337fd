package cache

import (
	"sync"
	"time"
)

// Snapshot is the last value that arrived in full
type Snapshot[T any] struct {
	Value     T
	FetchedAt time.Time
}

// Slot holds at most one snapshot. Writers replace it wholesale, so readers
// never observe a partially updated value.
type Slot[T any] struct {
	mu   sync.RWMutex
	snap *Snapshot[T]
}

// Get returns the current snapshot, if any
func (s *Slot[T]) Get() (Snapshot[T], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap == nil {
		return Snapshot[T]{}, false
	}
	return *s.snap, true
}

// Set replaces the snapshot
func (s *Slot[T]) Set(value T, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = &Snapshot[T]{Value: value, FetchedAt: at}
}

// Clear drops the snapshot
func (s *Slot[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = nil
}
