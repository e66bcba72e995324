package rollback

import (
	"sync"

	"github.com/google/uuid"

	"github.com/linkflow/flowguard/internal/machine"
)

// BackupStore holds snapshots for the duration of a guarded call.
type BackupStore struct {
	mu      sync.RWMutex
	backups map[uuid.UUID]*machine.Snapshot
}

// NewBackupStore creates an empty backup store.
func NewBackupStore() *BackupStore {
	return &BackupStore{
		backups: make(map[uuid.UUID]*machine.Snapshot),
	}
}

// Put stores snap under key, replacing any previous entry.
func (s *BackupStore) Put(key uuid.UUID, snap *machine.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backups[key] = snap
}

// Get returns the snapshot stored under key.
func (s *BackupStore) Get(key uuid.UUID) (*machine.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.backups[key]
	return snap, ok
}

// Remove deletes key. Removing a missing key is a no-op.
func (s *BackupStore) Remove(key uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backups, key)
}

// Len returns the number of backups currently held.
func (s *BackupStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.backups)
}
