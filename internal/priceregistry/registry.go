package priceregistry

import (
	"context"
	"sync"
	"time"

	"github.com/otistx/backend/internal/cacheutil"
	"github.com/otistx/backend/internal/storage"
)

// DefaultCacheTTL bounds how long a looked-up price is trusted before the
// registry re-reads storage, mirroring teacher's product-catalogue cache TTL.
const DefaultCacheTTL = 5 * time.Minute

// Registry resolves the current price for a priced service key (a rental
// tier, voucher-saving operation, or rapid-shipper lookup), caching reads
// with cacheutil.ReadThrough the same way teacher's cached product
// repository wraps its underlying store.
type Registry struct {
	store storage.Store
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheutil.CachedValue[int64]
}

// New builds a Registry over the given store.
func New(store storage.Store, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Registry{
		store: store,
		ttl:   ttl,
		cache: make(map[string]cacheutil.CachedValue[int64]),
	}
}

// Lookup returns the current price (in integer VND) for serviceKey.
func (r *Registry) Lookup(ctx context.Context, serviceKey string) (int64, error) {
	return cacheutil.ReadThrough(
		&r.mu,
		func(now time.Time) (int64, bool) {
			entry, ok := r.cache[serviceKey]
			if ok && now.Sub(entry.FetchedAt) < r.ttl {
				return entry.Value, true
			}
			return 0, false
		},
		func(now time.Time) (int64, error) {
			price, err := r.store.GetServicePrice(ctx, serviceKey)
			if err != nil {
				return 0, err
			}
			r.cache[serviceKey] = cacheutil.CachedValue[int64]{Value: price.Price, FetchedAt: now}
			return price.Price, nil
		},
	)
}

// SetPrice updates the registry's backing price and invalidates the cache
// for serviceKey. Used by admin price-management operations.
func (r *Registry) SetPrice(ctx context.Context, serviceKey string, price int64) error {
	if err := r.store.SetServicePrice(ctx, &storage.ServicePrice{
		ServiceKey: serviceKey,
		Price:      price,
		UpdatedAt:  time.Now(),
	}); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.cache, serviceKey)
	r.mu.Unlock()
	return nil
}
