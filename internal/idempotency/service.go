package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/otistx/backend/internal/storage"
)

// DefaultCacheTTL bounds how long a hot idempotency record stays in the
// in-memory front cache before a repeat lookup falls through to storage.
const DefaultCacheTTL = 10 * time.Minute

// Service is the financial idempotency index described in spec §4.D: a
// reference -> outcome map consulted before charging a wallet or starting a
// paid operation, and written in the same logical transaction as the ledger
// entry it protects.
type Service struct {
	store storage.Store
	cache *Cache
	ttl   time.Duration
}

// New builds an idempotency Service backed by store, fronted by an
// in-memory LRU cache.
func New(store storage.Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Service{
		store: store,
		cache: NewCache(),
		ttl:   ttl,
	}
}

// Check looks up a prior outcome for key, checking the in-memory cache
// before falling through to the durable store.
func (s *Service) Check(ctx context.Context, key string) (*storage.IdempotencyRecord, bool, error) {
	if record, ok := s.cache.Get(key); ok {
		return record, true, nil
	}

	record, err := s.store.GetIdempotencyRecord(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	s.cache.Set(key, record, s.ttl)
	return record, true, nil
}

// Record persists the outcome of an operation under key so that a retry
// with the same key replays the recorded result instead of re-executing it.
func (s *Service) Record(ctx context.Context, key, transactionID, resultFingerprint string) error {
	record := &storage.IdempotencyRecord{
		Key:               key,
		TransactionID:     transactionID,
		ResultFingerprint: resultFingerprint,
		CreatedAt:         time.Now(),
	}

	if err := s.store.PutIdempotencyRecord(ctx, record); err != nil {
		return err
	}

	s.cache.Set(key, record, s.ttl)
	return nil
}

// Stop shuts down the front cache's cleanup goroutine.
func (s *Service) Stop() {
	s.cache.Stop()
}
