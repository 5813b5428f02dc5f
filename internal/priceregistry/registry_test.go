package priceregistry

import (
	"context"
	"testing"
	"time"

	"github.com/otistx/backend/internal/storage"
)

func TestRegistry_LookupReturnsStoredPrice(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	if err := store.SetServicePrice(ctx, &storage.ServicePrice{ServiceKey: "tier_alpha", Price: 5000}); err != nil {
		t.Fatalf("SetServicePrice: %v", err)
	}

	reg := New(store, time.Minute)
	price, err := reg.Lookup(ctx, "tier_alpha")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if price != 5000 {
		t.Errorf("price = %d, want 5000", price)
	}
}

func TestRegistry_CachesUntilSetPriceInvalidates(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	store.SetServicePrice(ctx, &storage.ServicePrice{ServiceKey: "rapid_check", Price: 2000})
	reg := New(store, time.Minute)

	first, _ := reg.Lookup(ctx, "rapid_check")
	if first != 2000 {
		t.Fatalf("expected initial price 2000, got %d", first)
	}

	// Update backing store directly, bypassing the registry - cached read
	// should still return the stale value.
	store.SetServicePrice(ctx, &storage.ServicePrice{ServiceKey: "rapid_check", Price: 9000})
	stale, _ := reg.Lookup(ctx, "rapid_check")
	if stale != 2000 {
		t.Fatalf("expected cached stale price 2000, got %d", stale)
	}

	// Going through the registry's SetPrice invalidates the cache.
	if err := reg.SetPrice(ctx, "rapid_check", 9000); err != nil {
		t.Fatalf("SetPrice: %v", err)
	}
	fresh, _ := reg.Lookup(ctx, "rapid_check")
	if fresh != 9000 {
		t.Fatalf("expected fresh price 9000 after SetPrice, got %d", fresh)
	}
}

func TestRegistry_LookupUnknownServiceErrors(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	reg := New(store, time.Minute)
	if _, err := reg.Lookup(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected an error for an unknown service key")
	}
}
