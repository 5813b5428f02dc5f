package idempotency

import (
	"container/list"
	"sync"
	"time"

	"github.com/otistx/backend/internal/storage"
)

// Cache is an in-memory, LRU-evicted, TTL-expiring front for idempotency
// records. It sits in front of the durable storage.Store index so that a
// burst of retried requests for the same reference doesn't round-trip to
// Postgres on every attempt.
type Cache struct {
	mu          sync.RWMutex
	entries     map[string]*cacheEntry
	expires     map[string]time.Time
	lru         *list.List
	maxSize     int
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

type cacheEntry struct {
	key     string
	record  *storage.IdempotencyRecord
	element *list.Element
}

// NewCache creates an in-memory idempotency cache with a maximum of 10,000 entries.
func NewCache() *Cache {
	return NewCacheWithSize(10000)
}

// NewCacheWithSize creates an in-memory idempotency cache with a custom max size.
func NewCacheWithSize(maxSize int) *Cache {
	c := &Cache{
		entries:     make(map[string]*cacheEntry),
		expires:     make(map[string]time.Time),
		lru:         list.New(),
		maxSize:     maxSize,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	go c.cleanup()

	return c
}

// Get retrieves a cached idempotency record for the given key.
func (c *Cache) Get(key string) (*storage.IdempotencyRecord, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.expires[key]
	if !exists || now.After(expiry) {
		return nil, false
	}

	entry, found := c.entries[key]
	if !found {
		return nil, false
	}

	c.lru.MoveToFront(entry.element)
	return entry.record, true
}

// Set stores an idempotency record for the given key with a TTL.
func (c *Cache) Set(key string, record *storage.IdempotencyRecord, ttl time.Duration) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.entries[key]; exists {
		entry.record = record
		c.expires[key] = now.Add(ttl)
		c.lru.MoveToFront(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictLRU()
	}

	entry := &cacheEntry{key: key, record: record}
	entry.element = c.lru.PushFront(entry)
	c.entries[key] = entry
	c.expires[key] = now.Add(ttl)
}

// evictLRU removes the least recently used entry (caller must hold lock).
func (c *Cache) evictLRU() {
	element := c.lru.Back()
	if element == nil {
		return
	}

	entry := element.Value.(*cacheEntry)
	c.lru.Remove(element)
	delete(c.entries, entry.key)
	delete(c.expires, entry.key)
}

// cleanup periodically removes expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	defer close(c.cleanupDone)

	for {
		select {
		case <-c.stopCleanup:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()

			var keysToDelete []string
			for key, expiry := range c.expires {
				if now.After(expiry) {
					keysToDelete = append(keysToDelete, key)
				}
			}

			for _, key := range keysToDelete {
				if entry, exists := c.entries[key]; exists {
					c.lru.Remove(entry.element)
					delete(c.entries, key)
					delete(c.expires, key)
				}
			}

			c.mu.Unlock()
		}
	}
}

// Stop gracefully shuts down the cleanup goroutine.
func (c *Cache) Stop() {
	close(c.stopCleanup)
	<-c.cleanupDone
}
