// Package cache is the resolver's own mutex-protected in-memory cache (a
// single map guarded by one RWMutex). Kept from the teacher repo and generalized with GetOrLoad so it can
// serve as the fetcher's single-flight, TTL-aware fetch cache (spec section
// 5): concurrent callers for the same key coalesce onto one in-flight load.
package cache

import (
	"sync"
	"time"

	"github.com/surf-oidcfed/trustwalker/pkg/metrics"
)

type Cache struct {
	data map[string]CacheEntry
	mu   sync.RWMutex
	name string

	inflight   map[string]*call
	inflightMu sync.Mutex
}

type CacheEntry struct {
	Value     interface{}
	ExpiresAt time.Time
}

// call represents an in-flight GetOrLoad invocation shared by every caller
// that arrives for the same key while the first caller's loader is running.
type call struct {
	wg  sync.WaitGroup
	val interface{}
	err error
}

func NewCache(name string) *Cache {
	c := &Cache{
		data:     make(map[string]CacheEntry),
		name:     name,
		inflight: make(map[string]*call),
	}

	metrics.UpdateCacheSize(name, 0)

	return c
}

func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.data[key]
	if !exists || time.Now().After(entry.ExpiresAt) {
		metrics.RecordCacheMiss(c.name, key)
		return nil, false
	}

	metrics.RecordCacheHit(c.name, key)
	return entry.Value, true
}

func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = CacheEntry{
		Value:     value,
		ExpiresAt: time.Now().Add(ttl),
	}

	metrics.UpdateCacheSize(c.name, len(c.data))
}

func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; exists {
		delete(c.data, key)
		metrics.UpdateCacheSize(c.name, len(c.data))
		return true
	}
	return false
}

// GetOrLoad returns the cached value for key, or calls loader exactly once
// among any number of concurrent callers for the same key, caches the result
// for ttl (the loader's own TTL decision, e.g. the statement's exp), and
// returns it to every waiter. This is the fetcher's single-flight coalescing
// (spec section 5): "the first caller initiates; subsequent callers wait for
// and share the result."
func (c *Cache) GetOrLoad(key string, loader func() (interface{}, time.Duration, error)) (interface{}, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	c.inflightMu.Lock()
	if v, ok := c.Get(key); ok {
		c.inflightMu.Unlock()
		return v, nil
	}
	if existing, ok := c.inflight[key]; ok {
		c.inflightMu.Unlock()
		metrics.RecordFetchCoalesced(c.name)
		existing.wg.Wait()
		return existing.val, existing.err
	}

	cl := &call{}
	cl.wg.Add(1)
	c.inflight[key] = cl
	c.inflightMu.Unlock()

	value, ttl, err := loader()
	cl.val, cl.err = value, err
	if err == nil {
		c.Set(key, value, ttl)
	}
	cl.wg.Done()

	c.inflightMu.Lock()
	delete(c.inflight, key)
	c.inflightMu.Unlock()

	return value, err
}
