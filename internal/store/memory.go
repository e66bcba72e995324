package store

import (
	"context"
	"sync"

	"github.com/linkflow/flowguard/internal/machine"
	"github.com/linkflow/flowguard/internal/snapshot"
)

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]*machine.Snapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps: make(map[string]*machine.Snapshot),
	}
}

func (s *MemoryStore) Write(ctx context.Context, id string, snap *machine.Snapshot) error {
	if id == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[id] = snapshot.Clone(snap)
	return nil
}

func (s *MemoryStore) Read(ctx context.Context, id string) (*machine.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snaps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot.Clone(snap), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, id)
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snaps)
}

var _ Store = (*MemoryStore)(nil)
