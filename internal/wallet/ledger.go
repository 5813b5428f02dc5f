package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/otistx/backend/internal/metrics"
	"github.com/otistx/backend/internal/storage"
)

// ErrInsufficientFunds is returned when a charge would drive a user's
// balance below zero.
var ErrInsufficientFunds = storage.ErrInsufficientBalance

// Ledger is the integer-VND wallet ledger described in spec §4.C: charge,
// refund, and admin-adjust primitives layered directly on storage.Store's
// claim-then-verify wallet mutation methods. Concurrent charges against the
// same user are serialized by the store (a Postgres row lock in production,
// the single store-wide mutex of storage.MemoryStore in the in-memory backend).
type Ledger struct {
	store   storage.Store
	metrics *metrics.Metrics
}

// New builds a Ledger over the given store.
func New(store storage.Store, m *metrics.Metrics) *Ledger {
	return &Ledger{store: store, metrics: m}
}

// Charge debits amount (must be positive) from userID's balance, returning
// the prior transaction unchanged if reference was already processed.
// service labels the metric with the calling domain (e.g. "rental", "voucher").
func (l *Ledger) Charge(ctx context.Context, service, userID string, amount int64, reference, description string) (*storage.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("wallet: charge amount must be positive, got %d", amount)
	}

	start := time.Now()
	txn, err := l.store.ChargeWallet(ctx, userID, amount, reference, description)
	if l.metrics != nil {
		l.metrics.ObserveWalletCharge(service, statusFor(err), time.Since(start), amount)
	}
	return txn, err
}

// Refund credits amount back to userID's balance, returning the prior
// transaction unchanged if reference was already processed. linkedChargeTxnID
// is carried in the description for audit traceability.
func (l *Ledger) Refund(ctx context.Context, service, userID string, amount int64, reference, description, linkedChargeTxnID string) (*storage.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("wallet: refund amount must be positive, got %d", amount)
	}

	desc := description
	if linkedChargeTxnID != "" {
		desc = fmt.Sprintf("%s (refund of %s)", description, linkedChargeTxnID)
	}

	start := time.Now()
	txn, err := l.store.RefundWallet(ctx, userID, amount, reference, desc)
	if l.metrics != nil {
		l.metrics.ObserveWalletRefund(service, statusFor(err), time.Since(start), amount)
	}
	return txn, err
}

// statusFor classifies a wallet mutation outcome for metric labeling.
func statusFor(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, storage.ErrConflict):
		return "duplicate"
	case errors.Is(err, storage.ErrInsufficientBalance):
		return "insufficient_funds"
	default:
		return "error"
	}
}

// AdminAdjust applies a signed balance adjustment (credit or debit) outside
// the normal charge/refund flow, e.g. a manual correction by an operator.
func (l *Ledger) AdminAdjust(ctx context.Context, userID string, signedAmount int64, reason, operatorID string) (*storage.Transaction, error) {
	if signedAmount == 0 {
		return nil, errors.New("wallet: admin adjustment amount must be non-zero")
	}

	description := fmt.Sprintf("admin adjustment by %s: %s", operatorID, reason)
	return l.store.AdjustWallet(ctx, userID, signedAmount, description)
}

// Balance returns the user's current balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.Balance, nil
}

// History lists a user's most recent transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*storage.Transaction, error) {
	return l.store.ListTransactions(ctx, userID, limit)
}
