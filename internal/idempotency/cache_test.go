package idempotency

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/otistx/backend/internal/storage"
)

func TestCache_BasicOperations(t *testing.T) {
	cache := NewCacheWithSize(10)
	defer cache.Stop()

	record := &storage.IdempotencyRecord{Key: "key1", TransactionID: "txn-1", CreatedAt: time.Now()}
	cache.Set("key1", record, 5*time.Minute)

	retrieved, found := cache.Get("key1")
	if !found {
		t.Fatal("expected to find key1")
	}
	if retrieved.TransactionID != "txn-1" {
		t.Errorf("TransactionID = %s, want txn-1", retrieved.TransactionID)
	}
}

func TestCache_Expiration(t *testing.T) {
	cache := NewCacheWithSize(10)
	defer cache.Stop()

	record := &storage.IdempotencyRecord{Key: "expiring-key", CreatedAt: time.Now()}
	cache.Set("expiring-key", record, 10*time.Millisecond)

	if _, found := cache.Get("expiring-key"); !found {
		t.Fatal("expected to find key immediately after setting")
	}

	time.Sleep(50 * time.Millisecond)

	if _, found := cache.Get("expiring-key"); found {
		t.Fatal("expected key to be expired")
	}
}

func TestCache_LRUEviction(t *testing.T) {
	cache := NewCacheWithSize(3)
	defer cache.Stop()

	record := &storage.IdempotencyRecord{CreatedAt: time.Now()}
	for i := 1; i <= 3; i++ {
		cache.Set(fmt.Sprintf("key%d", i), record, 5*time.Minute)
	}

	// Touch key1 so it's no longer least-recently-used.
	cache.Get("key1")

	cache.Set("key4", record, 5*time.Minute)

	if _, found := cache.Get("key2"); found {
		t.Error("expected key2 to be evicted (least recently used)")
	}
	for _, key := range []string{"key1", "key3", "key4"} {
		if _, found := cache.Get(key); !found {
			t.Errorf("expected to find %s", key)
		}
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	const maxSize = 100
	cache := NewCacheWithSize(maxSize)
	defer cache.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				key := fmt.Sprintf("worker%d-key%d", workerID, j)
				cache.Set(key, &storage.IdempotencyRecord{Key: key}, 5*time.Minute)
				cache.Get(key)
			}
		}(i)
	}
	wg.Wait()

	cache.mu.Lock()
	size := len(cache.entries)
	lruSize := cache.lru.Len()
	cache.mu.Unlock()

	if size > maxSize {
		t.Errorf("cache size %d exceeds maxSize %d", size, maxSize)
	}
	if size != lruSize {
		t.Errorf("cache size %d doesn't match LRU size %d", size, lruSize)
	}
}
