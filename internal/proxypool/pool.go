package proxypool

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/otistx/backend/internal/storage"
)

// Pool is the rotating upstream-facing proxy pool of spec §4.B. Entries are
// held under a sync.RWMutex; Snapshot returns an immutable copy for
// round-robin/failover iteration, mirroring teacher's cacheutil mutex+
// snapshot idiom.
type Pool struct {
	store storage.Store

	mu      sync.RWMutex
	entries []*storage.ProxyEntry
}

// New loads the active proxy set from store and returns a Pool. Call
// Refresh periodically (or after HealthCheck) to pick up store changes.
func New(ctx context.Context, store storage.Store) (*Pool, error) {
	p := &Pool{store: store}
	if err := p.Refresh(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Refresh reloads the active proxy set from storage.
func (p *Pool) Refresh(ctx context.Context) error {
	entries, err := p.store.ListActiveProxies(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.entries = entries
	p.mu.Unlock()
	return nil
}

// Snapshot returns an immutable copy of the current active entry set, used
// by callers that need to iterate a stable round-robin failover sequence.
func (p *Pool) Snapshot() []*storage.ProxyEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*storage.ProxyEntry, len(p.entries))
	copy(out, p.entries)
	return out
}

// RandomActive returns a uniformly random active proxy entry, or false if
// the pool is empty.
func (p *Pool) RandomActive() (*storage.ProxyEntry, bool) {
	snapshot := p.Snapshot()
	if len(snapshot) == 0 {
		return nil, false
	}
	return snapshot[rand.Intn(len(snapshot))], true
}

// MarkUsed records that id was used for an outbound call, both locally (for
// the next Snapshot) and durably in storage.
func (p *Pool) MarkUsed(ctx context.Context, id string) error {
	now := time.Now()

	p.mu.Lock()
	for _, e := range p.entries {
		if e.ID == id {
			e.LastUsedAt = now
			e.UsageCount++
			break
		}
	}
	p.mu.Unlock()

	return p.store.RecordProxyUsage(ctx, id)
}

// MarkDown deactivates id, removing it from future snapshots and persisting
// the deactivation so other processes stop selecting it.
func (p *Pool) MarkDown(ctx context.Context, id string) error {
	p.mu.Lock()
	filtered := p.entries[:0]
	for _, e := range p.entries {
		if e.ID != id {
			filtered = append(filtered, e)
		}
	}
	p.entries = filtered
	p.mu.Unlock()

	return p.store.DeactivateProxy(ctx, id)
}

// Prober performs a cheap upstream call through a proxy entry to verify it
// is still usable. Returns an error if the proxy should be considered down.
type Prober func(ctx context.Context, entry *storage.ProxyEntry) error

// HealthCheck probes every currently-active entry and deactivates any that
// fail, mirroring spec §4.B's admin-triggered health sweep.
func (p *Pool) HealthCheck(ctx context.Context, probe Prober) (checked, deactivated int) {
	for _, entry := range p.Snapshot() {
		checked++
		if err := probe(ctx, entry); err != nil {
			_ = p.MarkDown(ctx, entry.ID)
			deactivated++
		}
	}
	return checked, deactivated
}
