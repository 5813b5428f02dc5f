package rapidcheck

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/otistx/backend/internal/audit"
	"github.com/otistx/backend/internal/priceregistry"
	"github.com/otistx/backend/internal/storage"
	"github.com/otistx/backend/internal/upstream"
	"github.com/otistx/backend/internal/upstream/platform"
	"github.com/otistx/backend/internal/wallet"
)

type fakePlatform struct {
	list    *platform.OrderListResponse
	listErr error

	details map[string]*platform.OrderDetailResponse
	detailErrs map[string]error
}

func (f *fakePlatform) ListOrders(ctx context.Context, cookie string, limit int, opts upstream.Options) (*platform.OrderListResponse, error) {
	return f.list, f.listErr
}

func (f *fakePlatform) OrderDetail(ctx context.Context, cookie, orderID string, opts upstream.Options) (*platform.OrderDetailResponse, error) {
	if err, ok := f.detailErrs[orderID]; ok {
		return nil, err
	}
	return f.details[orderID], nil
}

func listWith(orderIDs ...string) *platform.OrderListResponse {
	resp := &platform.OrderListResponse{}
	for _, id := range orderIDs {
		entry := platform.OrderListEntry{}
		entry.InfoCard.OrderID = id
		resp.Data.OrderData.DetailsList = append(resp.Data.OrderData.DetailsList, entry)
	}
	return resp
}

func detailWithDriver(phone, name, plate string) *platform.OrderDetailResponse {
	blob, _ := json.Marshal(map[string]string{"driver_phone": phone, "driver_name": name, "vehicle_plate": plate})
	resp := &platform.OrderDetailResponse{}
	resp.Data.DriverInfo = blob
	return resp
}

func newTestService(t *testing.T, fp *fakePlatform) (*Service, *storage.MemoryStore, string) {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	user := &storage.User{ID: "user-1", Role: storage.RoleUser, Active: true, Balance: 100000}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := store.SetServicePrice(ctx, &storage.ServicePrice{ServiceKey: "rapidcheck:lookup", Price: 1000}); err != nil {
		t.Fatalf("SetServicePrice: %v", err)
	}

	ledger := wallet.New(store, nil)
	prices := priceregistry.New(store, time.Minute)
	auditRegistry := audit.NewRegistry(zerolog.Nop())

	s := New(store, ledger, prices, fp, auditRegistry, zerolog.Nop())
	return s, store, user.ID
}

func TestService_ChargesAndKeepsChargeWhenDriverFound(t *testing.T) {
	fp := &fakePlatform{
		list: listWith("order-1"),
		details: map[string]*platform.OrderDetailResponse{
			"order-1": detailWithDriver("0900000000", "Nguyen Van A", "51A-12345"),
		},
	}
	s, store, userID := newTestService(t, fp)

	check, err := s.Check(context.Background(), userID, "cookie", "ck", "fp-1", upstream.Options{})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !check.Status {
		t.Fatal("expected Status=true when a driver is found")
	}
	if check.DriverPhone != "0900000000" {
		t.Fatalf("driver phone = %q", check.DriverPhone)
	}

	u, _ := store.GetUser(context.Background(), userID)
	if u.Balance != 99000 {
		t.Fatalf("balance = %d, want 99000 (charge kept)", u.Balance)
	}
}

func TestService_RefundsWhenNoDriverFound(t *testing.T) {
	fp := &fakePlatform{
		list: listWith("order-1"),
		details: map[string]*platform.OrderDetailResponse{
			"order-1": {},
		},
	}
	s, store, userID := newTestService(t, fp)

	check, err := s.Check(context.Background(), userID, "cookie", "ck", "fp-2", upstream.Options{})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if check.Status {
		t.Fatal("expected Status=false when no driver is found")
	}

	u, _ := store.GetUser(context.Background(), userID)
	if u.Balance != 100000 {
		t.Fatalf("balance = %d, want refunded to 100000", u.Balance)
	}
}

func TestService_DedupReturnsCachedResultWithoutRecharging(t *testing.T) {
	fp := &fakePlatform{
		list: listWith("order-1"),
		details: map[string]*platform.OrderDetailResponse{
			"order-1": detailWithDriver("0900000000", "Nguyen Van A", "51A-12345"),
		},
	}
	s, store, userID := newTestService(t, fp)

	first, err := s.Check(context.Background(), userID, "cookie", "ck", "fp-3", upstream.Options{})
	if err != nil {
		t.Fatalf("first Check failed: %v", err)
	}

	second, err := s.Check(context.Background(), userID, "cookie", "ck", "fp-3", upstream.Options{})
	if err != nil {
		t.Fatalf("second Check failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the dedup window to return the cached check")
	}

	u, _ := store.GetUser(context.Background(), userID)
	if u.Balance != 99000 {
		t.Fatalf("balance = %d, want charged exactly once (99000)", u.Balance)
	}
}

func TestService_CookieExpiryDuringScanRefunds(t *testing.T) {
	fp := &fakePlatform{
		list:       listWith("order-1"),
		detailErrs: map[string]error{"order-1": upstream.ErrCookieExpired},
	}
	s, store, userID := newTestService(t, fp)

	_, err := s.Check(context.Background(), userID, "cookie", "ck", "fp-4", upstream.Options{})
	if err == nil {
		t.Fatal("expected cookie-expiry error to propagate")
	}

	u, _ := store.GetUser(context.Background(), userID)
	if u.Balance != 100000 {
		t.Fatalf("balance = %d, want refunded to 100000", u.Balance)
	}
}
