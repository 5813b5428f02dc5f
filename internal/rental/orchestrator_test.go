package rental

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/otistx/backend/internal/audit"
	"github.com/otistx/backend/internal/priceregistry"
	"github.com/otistx/backend/internal/rentalqueue"
	"github.com/otistx/backend/internal/storage"
	"github.com/otistx/backend/internal/wallet"
)

// fakeProvider is a hand-rolled Provider test double: no mocking framework
// is used anywhere in the corpus, so behaviour is scripted via plain fields
// guarded by a mutex.
type fakeProvider struct {
	mu sync.Mutex

	numberResults []NumberResult
	numberErrs    []error
	callCount     int

	otpResult OTPResult
	otpErr    error

	canceled []string

	// registeredNumbers marks numbers IsRegistered should report as already
	// registered; absent entries default to not-registered.
	registeredNumbers map[string]bool
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) GetNumber(ctx context.Context, carrier string) (NumberResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.callCount
	f.callCount++
	if idx < len(f.numberErrs) && f.numberErrs[idx] != nil {
		return NumberResult{}, f.numberErrs[idx]
	}
	if idx < len(f.numberResults) {
		return f.numberResults[idx], nil
	}
	return NumberResult{}, errors.New("fakeProvider: no scripted result")
}

func (f *fakeProvider) GetOTP(ctx context.Context, requestID string) (OTPResult, error) {
	return f.otpResult, f.otpErr
}

func (f *fakeProvider) Cancel(ctx context.Context, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, requestID)
	return nil
}

func (f *fakeProvider) Balance(ctx context.Context) (int64, error) { return 100, nil }

func (f *fakeProvider) IsRegistered(ctx context.Context, number string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registeredNumbers[number], nil
}

func newTestOrchestrator(t *testing.T, tier storage.RentalTier, provider Provider, queues map[storage.RentalTier]*rentalqueue.Queue, forbidden []string) (*Orchestrator, *storage.MemoryStore, string) {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	user := &storage.User{ID: "user-1", Role: storage.RoleUser, Active: true, Balance: 100000}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := store.SetServicePrice(ctx, &storage.ServicePrice{ServiceKey: "rental:" + string(tier), Price: 5000}); err != nil {
		t.Fatalf("SetServicePrice: %v", err)
	}

	ledger := wallet.New(store, nil)
	prices := priceregistry.New(store, time.Minute)
	registry := NewRegistry(map[string]Provider{string(tier): provider})
	auditRegistry := audit.NewRegistry(zerolog.Nop())

	orch := New(store, ledger, prices, registry, auditRegistry, queues, forbidden, zerolog.Nop())
	return orch, store, user.ID
}

func TestOrchestrator_StartAllocatesOnFirstSuccess(t *testing.T) {
	provider := &fakeProvider{
		numberResults: []NumberResult{{PhoneNumber: "+15551234567", RequestID: "req-1"}},
	}
	orch, store, userID := newTestOrchestrator(t, storage.TierProviderAlpha, provider, nil, nil)

	session, err := orch.Start(context.Background(), userID, storage.TierProviderAlpha, "verizon")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if session.Status != storage.SessionAllocated {
		t.Fatalf("status = %s, want allocated", session.Status)
	}
	if session.PhoneNumber != "+15551234567" {
		t.Fatalf("phone number = %q", session.PhoneNumber)
	}

	u, _ := store.GetUser(context.Background(), userID)
	if u.Balance != 95000 {
		t.Fatalf("balance = %d, want 95000", u.Balance)
	}
}

func TestOrchestrator_StartRefundsOnAllocationFailure(t *testing.T) {
	errs := make([]error, MaxTotalAttempts)
	for i := range errs {
		errs[i] = errors.New("provider down")
	}
	provider := &fakeProvider{numberErrs: errs}
	orch, store, userID := newTestOrchestrator(t, storage.TierProviderAlpha, provider, nil, nil)

	session, err := orch.Start(context.Background(), userID, storage.TierProviderAlpha, "verizon")
	if err == nil {
		t.Fatal("expected allocation failure")
	}
	if session.Status != storage.SessionFailed {
		t.Fatalf("status = %s, want failed", session.Status)
	}

	u, _ := store.GetUser(context.Background(), userID)
	if u.Balance != 100000 {
		t.Fatalf("balance = %d, want fully refunded to 100000", u.Balance)
	}
}

func TestOrchestrator_InsufficientProviderBalanceAbortsImmediately(t *testing.T) {
	provider := &fakeProvider{numberErrs: []error{ErrInsufficientProviderBalance}}
	orch, _, userID := newTestOrchestrator(t, storage.TierProviderAlpha, provider, nil, nil)

	_, err := orch.Start(context.Background(), userID, storage.TierProviderAlpha, "verizon")
	if !errors.Is(err, ErrInsufficientProviderBalance) {
		t.Fatalf("expected ErrInsufficientProviderBalance, got %v", err)
	}
	if provider.callCount != 1 {
		t.Fatalf("expected exactly one GetNumber call, got %d", provider.callCount)
	}
}

func TestOrchestrator_ForbiddenPrefixIsCancelledAndRetried(t *testing.T) {
	provider := &fakeProvider{
		numberResults: []NumberResult{
			{PhoneNumber: "+1900BAD0001", RequestID: "req-bad"},
			{PhoneNumber: "+15551234567", RequestID: "req-good"},
		},
	}
	orch, _, userID := newTestOrchestrator(t, storage.TierProviderAlpha, provider, nil, []string{"+1900"})

	session, err := orch.Start(context.Background(), userID, storage.TierProviderAlpha, "verizon")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if session.PhoneNumber != "+15551234567" {
		t.Fatalf("phone number = %q, want the second (allowed) number", session.PhoneNumber)
	}
	if len(provider.canceled) != 1 || provider.canceled[0] != "req-bad" {
		t.Fatalf("expected the forbidden number to be cancelled, got %v", provider.canceled)
	}
}

func TestOrchestrator_GammaTierStopsAfterThreeNumberChecks(t *testing.T) {
	results := make([]NumberResult, MaxTotalAttempts)
	for i := range results {
		results[i] = NumberResult{PhoneNumber: "+1900BAD0001", RequestID: "req-bad"}
	}
	provider := &fakeProvider{numberResults: results}
	orch, _, userID := newTestOrchestrator(t, storage.TierProviderGamma, provider, nil, []string{"+1900"})

	_, err := orch.Start(context.Background(), userID, storage.TierProviderGamma, "verizon")
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if provider.callCount != MaxNumberChecksGamma {
		t.Fatalf("expected exactly %d GetNumber calls for tier_gamma, got %d", MaxNumberChecksGamma, provider.callCount)
	}
}

func TestOrchestrator_QueueDenialPreventsCharge(t *testing.T) {
	provider := &fakeProvider{numberResults: []NumberResult{{PhoneNumber: "+15551234567", RequestID: "req-1"}}}
	queue := rentalqueue.New(1)
	queue.Enter("someone-else", "+15550000000", "other-session")

	orch, store, userID := newTestOrchestrator(t, storage.TierProviderAlpha, provider, map[storage.RentalTier]*rentalqueue.Queue{storage.TierProviderAlpha: queue}, nil)

	_, err := orch.Start(context.Background(), userID, storage.TierProviderAlpha, "verizon")
	if err == nil {
		t.Fatal("expected queue-full denial")
	}
	if provider.callCount != 0 {
		t.Fatalf("expected no provider call when admission is denied, got %d", provider.callCount)
	}

	u, _ := store.GetUser(context.Background(), userID)
	if u.Balance != 100000 {
		t.Fatalf("balance = %d, want untouched 100000", u.Balance)
	}
}

func TestOrchestrator_PollCompletesSessionOnOTP(t *testing.T) {
	provider := &fakeProvider{
		numberResults: []NumberResult{{PhoneNumber: "+15551234567", RequestID: "req-1"}},
		otpResult:     OTPResult{Status: OTPCompleted, Code: "482913"},
	}
	orch, _, userID := newTestOrchestrator(t, storage.TierProviderAlpha, provider, nil, nil)

	session, err := orch.Start(context.Background(), userID, storage.TierProviderAlpha, "verizon")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	updated, err := orch.Poll(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if updated.Status != storage.SessionCompleted {
		t.Fatalf("status = %s, want completed", updated.Status)
	}
	if updated.OTPCode != "482913" {
		t.Fatalf("otp code = %q", updated.OTPCode)
	}
}

func TestOrchestrator_AlreadyRegisteredNumberIsCancelledAndRetried(t *testing.T) {
	provider := &fakeProvider{
		numberResults: []NumberResult{
			{PhoneNumber: "+15550000001", RequestID: "req-registered"},
			{PhoneNumber: "+15550000002", RequestID: "req-good"},
		},
		registeredNumbers: map[string]bool{"+15550000001": true},
	}
	orch, _, userID := newTestOrchestrator(t, storage.TierProviderAlpha, provider, nil, nil)

	session, err := orch.Start(context.Background(), userID, storage.TierProviderAlpha, "verizon")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if session.PhoneNumber != "+15550000002" {
		t.Fatalf("phone number = %q, want the second (unregistered) number", session.PhoneNumber)
	}
	if len(provider.canceled) != 1 || provider.canceled[0] != "req-registered" {
		t.Fatalf("expected the already-registered number to be cancelled, got %v", provider.canceled)
	}
}

func TestOrchestrator_PollThrottlesRepeatedOTPCalls(t *testing.T) {
	provider := &fakeProvider{
		numberResults: []NumberResult{{PhoneNumber: "+15551234567", RequestID: "req-1"}},
		otpResult:     OTPResult{Status: OTPWaiting},
	}
	orch, store, userID := newTestOrchestrator(t, storage.TierProviderAlpha, provider, nil, nil)

	session, err := orch.Start(context.Background(), userID, storage.TierProviderAlpha, "verizon")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var otpCalls int32
	countingProvider := &otpCountingProvider{Provider: provider, calls: &otpCalls}
	orch.registry = NewRegistry(map[string]Provider{string(storage.TierProviderAlpha): countingProvider})

	if _, err := orch.Poll(context.Background(), session.ID); err != nil {
		t.Fatalf("first Poll failed: %v", err)
	}
	if _, err := orch.Poll(context.Background(), session.ID); err != nil {
		t.Fatalf("second immediate Poll failed: %v", err)
	}

	if got := atomic.LoadInt32(&otpCalls); got != 1 {
		t.Fatalf("GetOTP calls = %d, want exactly 1 (second call throttled)", got)
	}

	stored, err := store.GetRentalSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetRentalSession: %v", err)
	}
	if stored.LastOTPPollAt.IsZero() {
		t.Fatal("expected LastOTPPollAt to be recorded after the first poll")
	}
}

// otpCountingProvider wraps a Provider to count GetOTP calls without
// touching fakeProvider's own bookkeeping (guarded separately to avoid a
// lock-ordering dependency between the two test doubles).
type otpCountingProvider struct {
	Provider
	calls *int32
}

func (p *otpCountingProvider) GetOTP(ctx context.Context, requestID string) (OTPResult, error) {
	atomic.AddInt32(p.calls, 1)
	return p.Provider.GetOTP(ctx, requestID)
}

func TestOrchestrator_ProviderExpiredOTPTransitionsToExpiredAndRefunds(t *testing.T) {
	provider := &fakeProvider{
		numberResults: []NumberResult{{PhoneNumber: "+15551234567", RequestID: "req-1"}},
		otpResult:     OTPResult{Status: OTPExpired},
	}
	orch, store, userID := newTestOrchestrator(t, storage.TierProviderAlpha, provider, nil, nil)

	session, err := orch.Start(context.Background(), userID, storage.TierProviderAlpha, "verizon")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	updated, err := orch.Poll(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if updated.Status != storage.SessionExpired {
		t.Fatalf("status = %s, want expired", updated.Status)
	}

	u, _ := store.GetUser(context.Background(), userID)
	if u.Balance != 100000 {
		t.Fatalf("balance = %d, want fully refunded to 100000", u.Balance)
	}
}

func TestOrchestrator_PollExpiresSessionPastDeadline(t *testing.T) {
	provider := &fakeProvider{
		numberResults: []NumberResult{{PhoneNumber: "+15551234567", RequestID: "req-1"}},
	}
	orch, store, userID := newTestOrchestrator(t, storage.TierProviderAlpha, provider, nil, nil)

	session, err := orch.Start(context.Background(), userID, storage.TierProviderAlpha, "verizon")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	session.ExpiresAt = time.Now().Add(-1 * time.Minute)
	if err := store.UpdateRentalSession(context.Background(), session); err != nil {
		t.Fatalf("UpdateRentalSession: %v", err)
	}

	updated, err := orch.Poll(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if updated.Status != storage.SessionExpired {
		t.Fatalf("status = %s, want expired", updated.Status)
	}

	u, _ := store.GetUser(context.Background(), userID)
	if u.Balance != 100000 {
		t.Fatalf("balance = %d, want fully refunded to 100000", u.Balance)
	}
}

func TestOrchestrator_StartPersistsRawProviderResponse(t *testing.T) {
	provider := &fakeProvider{
		numberResults: []NumberResult{{PhoneNumber: "+15551234567", RequestID: "req-1", RawResponse: []byte(`{"number":"+15551234567"}`)}},
	}
	orch, store, userID := newTestOrchestrator(t, storage.TierProviderAlpha, provider, nil, nil)

	session, err := orch.Start(context.Background(), userID, storage.TierProviderAlpha, "verizon")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if string(session.ProviderResponse) != `{"number":"+15551234567"}` {
		t.Fatalf("ProviderResponse = %q, want raw provider body", session.ProviderResponse)
	}

	stored, err := store.GetRentalSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetRentalSession: %v", err)
	}
	if string(stored.ProviderResponse) != `{"number":"+15551234567"}` {
		t.Fatalf("persisted ProviderResponse = %q", stored.ProviderResponse)
	}
}
