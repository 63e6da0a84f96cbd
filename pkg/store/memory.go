package store

import (
	"context"
	"sync"
	"time"
)

// memoryStore keeps snapshots in a map with optimistic locking, matching the
// redis driver's semantics so the two are interchangeable in tests and
// single-process deployments.
type memoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

func newMemoryStore() *memoryStore {
	return &memoryStore{snapshots: make(map[string]Snapshot)}
}

func (s *memoryStore) Create(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	snap.CreatedAt = now
	snap.UpdatedAt = now
	snap.Version = 1

	s.snapshots[snap.ID] = *snap
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.snapshots[id]
	if !ok {
		return nil, nil
	}
	out := stored
	out.Exchanges = append([]Exchange(nil), stored.Exchanges...)
	return &out, nil
}

func (s *memoryStore) Update(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.snapshots[snap.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != snap.Version {
		return ErrVersionConflict
	}

	snap.Version++
	snap.UpdatedAt = time.Now()
	s.snapshots[snap.ID] = *snap
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snapshots, id)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots = nil
	return nil
}
