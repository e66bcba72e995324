package cache

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("cache: key not found")
	ErrExpired  = errors.New("cache: key expired")
)

// LRU is a size-bounded cache with optional per-entry expiry.
type LRU[V any] struct {
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List
	mu       sync.Mutex
	now      func() time.Time
}

type lruItem[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// NewLRU creates a cache holding at most capacity entries. A positive ttl
// expires entries that long after they were set.
func NewLRU[V any](capacity int, ttl time.Duration) *LRU[V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRU[V]{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Get retrieves a value.
func (c *LRU[V]) Get(key string) (V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, exists := c.items[key]
	if !exists {
		return zero, ErrNotFound
	}

	item := elem.Value.(*lruItem[V])
	if !item.expiresAt.IsZero() && c.now().After(item.expiresAt) {
		c.order.Remove(elem)
		delete(c.items, key)
		return zero, ErrExpired
	}

	c.order.MoveToFront(elem)
	return item.value, nil
}

// Set stores a value.
func (c *LRU[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}

	if elem, exists := c.items[key]; exists {
		c.order.MoveToFront(elem)
		item := elem.Value.(*lruItem[V])
		item.value = value
		item.expiresAt = expiresAt
		return
	}

	if c.order.Len() >= c.capacity {
		c.evict()
	}

	elem := c.order.PushFront(&lruItem[V]{key: key, value: value, expiresAt: expiresAt})
	c.items[key] = elem
}

// Delete removes a value.
func (c *LRU[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[key]; exists {
		c.order.Remove(elem)
		delete(c.items, key)
	}
}

// Clear removes all values.
func (c *LRU[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order = list.New()
}

func (c *LRU[V]) evict() {
	elem := c.order.Back()
	if elem != nil {
		item := elem.Value.(*lruItem[V])
		c.order.Remove(elem)
		delete(c.items, item.key)
	}
}

// Len returns current cache size.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
