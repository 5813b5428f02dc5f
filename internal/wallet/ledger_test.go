package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/otistx/backend/internal/storage"
)

func newTestLedger(t *testing.T) (*Ledger, *storage.MemoryStore, string) {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	ledger := New(store, nil)
	ctx := context.Background()
	user := &storage.User{ID: "user-1", Role: storage.RoleUser, Active: true, Balance: 100000}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return ledger, store, user.ID
}

func TestLedger_ChargeDebitsBalance(t *testing.T) {
	ledger, store, userID := newTestLedger(t)
	ctx := context.Background()

	txn, err := ledger.Charge(ctx, "rental", userID, 5000, "rental:session-1", "rent phone number")
	if err != nil {
		t.Fatalf("Charge failed: %v", err)
	}
	if txn.BalanceAfter != 95000 {
		t.Errorf("BalanceAfter = %d, want 95000", txn.BalanceAfter)
	}

	u, _ := store.GetUser(ctx, userID)
	if u.Balance != 95000 {
		t.Errorf("stored balance = %d, want 95000", u.Balance)
	}
}

func TestLedger_ChargeRejectsNegativeBalance(t *testing.T) {
	ledger, _, userID := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Charge(ctx, "rental", userID, 200000, "rental:session-2", "overdraft attempt")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestLedger_ChargeIsIdempotentByReference(t *testing.T) {
	ledger, _, userID := newTestLedger(t)
	ctx := context.Background()

	ref := "rental:session-3"
	first, err := ledger.Charge(ctx, "rental", userID, 3000, ref, "first attempt")
	if err != nil {
		t.Fatalf("first Charge failed: %v", err)
	}

	second, err := ledger.Charge(ctx, "rental", userID, 3000, ref, "retry")
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate reference, got %v", err)
	}
	if second == nil || second.ID != first.ID {
		t.Fatal("expected the duplicate charge to return the original transaction")
	}
}

func TestLedger_RefundCreditsBalance(t *testing.T) {
	ledger, store, userID := newTestLedger(t)
	ctx := context.Background()

	chargeTxn, err := ledger.Charge(ctx, "rental", userID, 4000, "rental:session-4", "charge")
	if err != nil {
		t.Fatalf("Charge failed: %v", err)
	}

	_, err = ledger.Refund(ctx, "rental", userID, 4000, "refund:rental:session-4", "reaper refund", chargeTxn.ID)
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}

	u, _ := store.GetUser(ctx, userID)
	if u.Balance != 100000 {
		t.Errorf("balance after refund = %d, want 100000 (fully restored)", u.Balance)
	}
}

func TestLedger_AdminAdjustAppliesSignedDelta(t *testing.T) {
	ledger, store, userID := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.AdminAdjust(ctx, userID, -25000, "manual correction", "operator-1"); err != nil {
		t.Fatalf("AdminAdjust failed: %v", err)
	}

	u, _ := store.GetUser(ctx, userID)
	if u.Balance != 75000 {
		t.Errorf("balance = %d, want 75000", u.Balance)
	}
}

// TestLedger_ConcurrentChargesNeverGoNegative exercises invariant 1 (balance
// non-negativity) under concurrent charge attempts against the same user.
func TestLedger_ConcurrentChargesNeverGoNegative(t *testing.T) {
	ledger, store, userID := newTestLedger(t)
	ctx := context.Background()

	const attempts = 50
	const chargeAmount = 3000 // 50 * 3000 = 150000 > 100000 starting balance

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ledger.Charge(ctx, "rental", userID, chargeAmount, fmt.Sprintf("concurrent-ref-%d", i), "")
		}(i)
	}
	wg.Wait()

	u, err := store.GetUser(ctx, userID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Balance < 0 {
		t.Fatalf("balance went negative: %d", u.Balance)
	}
}
