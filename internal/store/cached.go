package store

import (
	"context"
	"sync"
	"time"

	"github.com/linkflow/flowguard/internal/machine"
	"github.com/linkflow/flowguard/internal/snapshot"
	"github.com/linkflow/flowguard/internal/store/cache"
	"github.com/linkflow/flowguard/internal/txn"
)

// CacheMetrics records cache lookups.
type CacheMetrics interface {
	CacheHit()
	CacheMiss()
}

type noopCacheMetrics struct{}

func (noopCacheMetrics) CacheHit()  {}
func (noopCacheMetrics) CacheMiss() {}

// CachedStore is a write-through LRU in front of another Store. Writes made
// inside a transaction bypass the cache, since the transaction may still roll
// back. Until that transaction ends, reads of the written id are not cached
// either, so a concurrent reader cannot park the old committed row there.
type CachedStore struct {
	next    Store
	lru     *cache.LRU[*machine.Snapshot]
	metrics CacheMetrics

	mu      sync.Mutex
	pending map[string]int
	// epoch moves on every invalidation; a read fetched under an older
	// epoch is not cached.
	epoch uint64
}

// NewCachedStore creates a cache of capacity entries in front of next. A zero
// ttl keeps entries until they are evicted.
func NewCachedStore(next Store, capacity int, ttl time.Duration, metrics CacheMetrics) *CachedStore {
	if metrics == nil {
		metrics = noopCacheMetrics{}
	}
	return &CachedStore{
		next:    next,
		lru:     cache.NewLRU[*machine.Snapshot](capacity, ttl),
		metrics: metrics,
		pending: make(map[string]int),
	}
}

func (s *CachedStore) Write(ctx context.Context, id string, snap *machine.Snapshot) error {
	if _, inTx := txn.HandleFrom(ctx); inTx {
		s.beginPending(ctx, id)
		return s.next.Write(ctx, id, snap)
	}

	s.invalidate(id)
	if err := s.next.Write(ctx, id, snap); err != nil {
		s.invalidate(id)
		return err
	}
	s.lru.Set(id, snapshot.Clone(snap))
	return nil
}

func (s *CachedStore) Read(ctx context.Context, id string) (*machine.Snapshot, error) {
	_, inTx := txn.HandleFrom(ctx)
	if !inTx {
		if snap, err := s.lru.Get(id); err == nil {
			s.metrics.CacheHit()
			return snapshot.Clone(snap), nil
		}
	}
	s.metrics.CacheMiss()

	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	snap, err := s.next.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inTx {
		s.fill(id, epoch, snap)
	}
	return snap, nil
}

func (s *CachedStore) Delete(ctx context.Context, id string) error {
	s.invalidate(id)
	return s.next.Delete(ctx, id)
}

// beginPending evicts id and keeps it out of the cache until the
// transaction in ctx ends.
func (s *CachedStore) beginPending(ctx context.Context, id string) {
	s.mu.Lock()
	s.epoch++
	s.lru.Delete(id)
	if !txn.AfterEnd(ctx, func() { s.endPending(id) }) {
		s.mu.Unlock()
		return
	}
	s.pending[id]++
	s.mu.Unlock()
}

func (s *CachedStore) endPending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[id]--; s.pending[id] <= 0 {
		delete(s.pending, id)
	}
	s.epoch++
	s.lru.Delete(id)
}

func (s *CachedStore) invalidate(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.lru.Delete(id)
}

// fill caches snap unless id was invalidated since the read began.
func (s *CachedStore) fill(id string, epoch uint64, snap *machine.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch || s.pending[id] > 0 {
		return
	}
	s.lru.Set(id, snapshot.Clone(snap))
}

var _ Store = (*CachedStore)(nil)
