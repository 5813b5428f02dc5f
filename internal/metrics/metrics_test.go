package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialization(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	if m == nil {
		t.Fatal("metrics collector should not be nil")
	}

	if m.WalletChargesTotal == nil {
		t.Error("WalletChargesTotal should be initialized")
	}
	if m.WalletRefundsTotal == nil {
		t.Error("WalletRefundsTotal should be initialized")
	}
	if m.WalletAmountTotal == nil {
		t.Error("WalletAmountTotal should be initialized")
	}
	if m.UpstreamCallsTotal == nil {
		t.Error("UpstreamCallsTotal should be initialized")
	}
	if m.UpstreamCallDuration == nil {
		t.Error("UpstreamCallDuration should be initialized")
	}
	if m.UpstreamErrorsTotal == nil {
		t.Error("UpstreamErrorsTotal should be initialized")
	}
	if m.RentalSessionsTotal == nil {
		t.Error("RentalSessionsTotal should be initialized")
	}
	if m.VoucherOpsTotal == nil {
		t.Error("VoucherOpsTotal should be initialized")
	}
	if m.RapidCheckTotal == nil {
		t.Error("RapidCheckTotal should be initialized")
	}
}

func TestObserveWalletCharge(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveWalletCharge("rental", "success", 1*time.Second, 5000)

	count := promtest.ToFloat64(m.WalletChargesTotal.WithLabelValues("rental", "success"))
	if count != 1 {
		t.Errorf("expected 1 charge attempt, got %.0f", count)
	}

	amount := promtest.ToFloat64(m.WalletAmountTotal.WithLabelValues("rental", "charge"))
	if amount != 5000 {
		t.Errorf("expected charged amount 5000, got %.0f", amount)
	}
}

func TestObserveWalletRefund(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveWalletRefund("voucher", "success", 500*time.Millisecond, 2000)

	count := promtest.ToFloat64(m.WalletRefundsTotal.WithLabelValues("voucher", "success"))
	if count != 1 {
		t.Errorf("expected 1 refund attempt, got %.0f", count)
	}

	amount := promtest.ToFloat64(m.WalletAmountTotal.WithLabelValues("voucher", "refund"))
	if amount != 2000 {
		t.Errorf("expected refunded amount 2000, got %.0f", amount)
	}
}

func TestObserveUpstreamCall(t *testing.T) {
	tests := []struct {
		name          string
		provider      string
		op            string
		duration      time.Duration
		err           error
		cookieExpired bool
		wantErrors    float64
	}{
		{
			name:     "successful call",
			provider: "provider_alpha",
			op:       "start_rental",
			duration: 100 * time.Millisecond,
			err:      nil,
		},
		{
			name:       "connection error",
			provider:   "provider_beta",
			op:         "get_otp",
			duration:   100 * time.Millisecond,
			err:        &testError{msg: "connection reset"},
			wantErrors: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := prometheus.NewRegistry()
			m := New(registry)

			m.ObserveUpstreamCall(tt.provider, tt.op, tt.duration, tt.err, tt.cookieExpired)

			calls := promtest.ToFloat64(m.UpstreamCallsTotal.WithLabelValues(tt.provider, tt.op))
			if calls != 1 {
				t.Errorf("expected 1 upstream call, got %.0f", calls)
			}

			if tt.err != nil {
				errors := promtest.ToFloat64(m.UpstreamErrorsTotal.WithLabelValues(tt.provider, "connection"))
				if errors != tt.wantErrors {
					t.Errorf("expected %.0f upstream errors, got %.0f", tt.wantErrors, errors)
				}
			}
		})
	}
}

func TestObserveUpstreamCallCookieExpired(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveUpstreamCall("provider_gamma", "bulk_check", 50*time.Millisecond, nil, true)

	expired := promtest.ToFloat64(m.CookieExpiredTotal.WithLabelValues("provider_gamma"))
	if expired != 1 {
		t.Errorf("expected 1 cookie-expired observation, got %.0f", expired)
	}
}

func TestObserveRentalSession(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveRentalSession("tier_alpha", "completed")

	count := promtest.ToFloat64(m.RentalSessionsTotal.WithLabelValues("tier_alpha", "completed"))
	if count != 1 {
		t.Errorf("expected 1 rental session, got %.0f", count)
	}
}

func TestObserveVoucherOperation(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveVoucherOperation("success", 3, 1)

	count := promtest.ToFloat64(m.VoucherOpsTotal.WithLabelValues("success"))
	if count != 1 {
		t.Errorf("expected 1 voucher operation, got %.0f", count)
	}

	saved := promtest.ToFloat64(m.VoucherSavedTotal)
	if saved != 3 {
		t.Errorf("expected 3 vouchers saved, got %.0f", saved)
	}

	failed := promtest.ToFloat64(m.VoucherFailedTotal)
	if failed != 1 {
		t.Errorf("expected 1 voucher failed, got %.0f", failed)
	}
}

func TestObserveRapidCheck(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveRapidCheck("found", true)

	count := promtest.ToFloat64(m.RapidCheckTotal.WithLabelValues("found"))
	if count != 1 {
		t.Errorf("expected 1 rapid check, got %.0f", count)
	}

	dedup := promtest.ToFloat64(m.RapidCheckDedupHit)
	if dedup != 1 {
		t.Errorf("expected 1 dedup hit, got %.0f", dedup)
	}
}

func TestObserveRateLimit(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveRateLimit("per_user", "user123")

	hits := promtest.ToFloat64(m.RateLimitHitsTotal.WithLabelValues("per_user", "user123"))
	if hits != 1 {
		t.Errorf("expected 1 rate limit hit, got %.0f", hits)
	}
}

func TestObserveQueueRejection(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveQueueRejection("rental_admission")

	rejected := promtest.ToFloat64(m.QueueRejectedTotal.WithLabelValues("rental_admission"))
	if rejected != 1 {
		t.Errorf("expected 1 rejected admission, got %.0f", rejected)
	}
}

func TestObserveDBQuery(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveDBQuery("SELECT", "postgres", 50*time.Millisecond)

	if m.DBQueryDuration == nil {
		t.Error("DBQueryDuration should be initialized")
	}
}

func TestObserveArchival(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveArchival(1500)

	runs := promtest.ToFloat64(m.ArchivalRunsTotal)
	if runs != 1 {
		t.Errorf("expected 1 archival run, got %.0f", runs)
	}

	deleted := promtest.ToFloat64(m.ArchivalRecordsDeleted)
	if deleted != 1500 {
		t.Errorf("expected 1500 records deleted, got %.0f", deleted)
	}
}

// testError is a simple error type for testing.
type testError struct {
	msg string
}

func (e *testError) Error() string {
	return e.msg
}
