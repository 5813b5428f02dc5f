package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/otistx/backend/internal/config"
	"github.com/otistx/backend/internal/idempotency"
	"github.com/otistx/backend/internal/storage"
	"github.com/otistx/backend/internal/wallet"
)

func newWebhookHandlers(t *testing.T, secret string) (*handlers, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	user := &storage.User{ID: "user-1", Role: storage.RoleUser, Active: true, Balance: 10000}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	h := &handlers{
		cfg: &config.Config{
			Wallet: config.WalletConfig{DepositWebhookSecret: secret},
		},
		ledger:      wallet.New(store, nil),
		idempotency: idempotency.New(store, idempotency.DefaultCacheTTL),
		logger:      zerolog.Nop(),
	}
	return h, store
}

func postWebhook(h *handlers, token string, body bankDepositRequest) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/bank-deposit", bytes.NewReader(raw))
	if token != "" {
		req.Header.Set("X-Webhook-Token", token)
	}
	rec := httptest.NewRecorder()
	h.bankDepositWebhook(rec, req)
	return rec
}

func TestBankDepositWebhook_CreditsWallet(t *testing.T) {
	h, store := newWebhookHandlers(t, "s3cr3t")

	rec := postWebhook(h, "s3cr3t", bankDepositRequest{UserID: "user-1", Amount: 5000, Reference: "txn-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp bankDepositResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "credited" {
		t.Fatalf("status = %q, want credited", resp.Status)
	}
	if resp.Balance != 15000 {
		t.Fatalf("balance = %d, want 15000", resp.Balance)
	}

	u, err := store.GetUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Balance != 15000 {
		t.Fatalf("persisted balance = %d, want 15000", u.Balance)
	}
}

func TestBankDepositWebhook_RejectsBadToken(t *testing.T) {
	h, _ := newWebhookHandlers(t, "s3cr3t")

	rec := postWebhook(h, "wrong-token", bankDepositRequest{UserID: "user-1", Amount: 5000, Reference: "txn-2"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestBankDepositWebhook_ReplayedReferenceIsNotDoubleCredited(t *testing.T) {
	h, store := newWebhookHandlers(t, "s3cr3t")

	first := postWebhook(h, "s3cr3t", bankDepositRequest{UserID: "user-1", Amount: 5000, Reference: "txn-3"})
	if first.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d", first.Code)
	}

	second := postWebhook(h, "s3cr3t", bankDepositRequest{UserID: "user-1", Amount: 5000, Reference: "txn-3"})
	if second.Code != http.StatusOK {
		t.Fatalf("replayed delivery status = %d", second.Code)
	}
	var resp bankDepositResponse
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "already_processed" {
		t.Fatalf("replay status = %q, want already_processed", resp.Status)
	}

	u, err := store.GetUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Balance != 15000 {
		t.Fatalf("balance after replay = %d, want 15000 (not double-credited)", u.Balance)
	}
}

func TestBankDepositWebhook_RejectsMissingFields(t *testing.T) {
	h, _ := newWebhookHandlers(t, "s3cr3t")

	rec := postWebhook(h, "s3cr3t", bankDepositRequest{UserID: "", Amount: 5000, Reference: "txn-4"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing userId", rec.Code)
	}

	rec = postWebhook(h, "s3cr3t", bankDepositRequest{UserID: "user-1", Amount: 0, Reference: "txn-5"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for non-positive amount", rec.Code)
	}
}

func TestBankDepositWebhook_RejectsWhenUnconfigured(t *testing.T) {
	h, _ := newWebhookHandlers(t, "")

	rec := postWebhook(h, "anything", bankDepositRequest{UserID: "user-1", Amount: 5000, Reference: "txn-6"})
	if rec.Code == http.StatusOK {
		t.Fatalf("expected failure when webhook secret is unconfigured, got 200")
	}
}
