// Package cache provides the verdict cache and velocity counters for LandWatch.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// LRUCache is the in-process cache of the Community tier and the L1 of
// TwoPhaseCache. Values and counters share one recency list, so counters
// are bounded by the same capacity. Expired entries are dropped lazily.
type LRUCache struct {
	verdictCodec

	mu       sync.Mutex
	capacity int
	index    map[string]*list.Element
	recency  *list.List // front = most recently used
	now      func() time.Time
}

type lruEntry struct {
	key       string
	value     []byte
	count     int64
	expiresAt time.Time
}

// NewLRUCache creates an LRU cache holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = 10000
	}
	c := &LRUCache{
		capacity: capacity,
		index:    make(map[string]*list.Element),
		recency:  list.New(),
		now:      time.Now,
	}
	c.verdictCodec = verdictCodec{c}
	return c
}

// lookup returns the live entry for key, dropping it if expired. Caller
// holds mu.
func (c *LRUCache) lookup(key string) *lruEntry {
	elem, ok := c.index[key]
	if !ok {
		return nil
	}
	e := elem.Value.(*lruEntry)
	if !c.now().Before(e.expiresAt) {
		c.recency.Remove(elem)
		delete(c.index, key)
		return nil
	}
	c.recency.MoveToFront(elem)
	return e
}

// store inserts or replaces key, evicting from the back. Caller holds mu.
func (c *LRUCache) store(e *lruEntry) {
	if elem, ok := c.index[e.key]; ok {
		elem.Value = e
		c.recency.MoveToFront(elem)
		return
	}
	c.index[e.key] = c.recency.PushFront(e)
	for c.recency.Len() > c.capacity {
		oldest := c.recency.Back()
		c.recency.Remove(oldest)
		delete(c.index, oldest.Value.(*lruEntry).key)
	}
}

// Get returns the value for key, or nil on a miss.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.lookup(tenantKey(tenantID, key)); e != nil {
		return e.value, nil
	}
	return nil, nil
}

// Set stores value for ttl.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(&lruEntry{
		key:       tenantKey(tenantID, key),
		value:     value,
		expiresAt: c.now().Add(ttl),
	})
	return nil
}

// Delete removes key.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	full := tenantKey(tenantID, key)
	if elem, ok := c.index[full]; ok {
		c.recency.Remove(elem)
		delete(c.index, full)
	}
	return nil
}

// IncrementCounter counts within a fixed window that starts on the first
// increment.
func (c *LRUCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, ErrTenantRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	full := tenantKey(tenantID, counterKey(key))
	if e := c.lookup(full); e != nil {
		e.count++
		return e.count, nil
	}
	c.store(&lruEntry{key: full, count: 1, expiresAt: c.now().Add(window)})
	return 1, nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = make(map[string]*list.Element)
	c.recency.Init()
	return nil
}

// Stats returns the entry count and capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len(), c.capacity
}
