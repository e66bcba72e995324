package rollback

import (
	"context"
	"sync"
	"time"
)

// keyEntry is a single-slot semaphore shared by every caller of one key.
type keyEntry struct {
	sem  chan struct{}
	refs int
}

// KeyLock serializes callers that share a key. Entries are created on first
// use and dropped once no caller holds or waits for them.
type KeyLock struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
	maxWait time.Duration
}

// NewKeyLock creates a lock registry. A positive maxWait bounds how long
// Lock waits before giving up with context.DeadlineExceeded.
func NewKeyLock(maxWait time.Duration) *KeyLock {
	return &KeyLock{
		entries: make(map[string]*keyEntry),
		maxWait: maxWait,
	}
}

func (l *KeyLock) acquireRef(key string) *keyEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &keyEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *KeyLock) releaseRef(key string, e *keyEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Lock blocks until key is free or ctx is done. The returned func releases
// the key and must be called exactly once.
func (l *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	e := l.acquireRef(key)

	select {
	case e.sem <- struct{}{}:
		return l.unlockFunc(key, e), nil
	default:
	}

	waitCtx := ctx
	if l.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.maxWait)
		defer cancel()
	}

	select {
	case e.sem <- struct{}{}:
		return l.unlockFunc(key, e), nil
	case <-waitCtx.Done():
		l.releaseRef(key, e)
		return nil, waitCtx.Err()
	}
}

func (l *KeyLock) unlockFunc(key string, e *keyEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.releaseRef(key, e)
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (l *KeyLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
