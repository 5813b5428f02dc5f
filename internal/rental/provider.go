// Package rental implements the phone-rental orchestrator of spec §4.I: the
// hardest component, a per-session state machine spanning provider
// dispatch, number validation, OTP polling, expiry, and refund. Grounded on
// the teacher's internal/paywall/authorize.go ("atomically claim, call
// upstream with retry/verify, persist final state, notify") generalized
// from one-shot payment verification into a multi-step state machine, and
// on spec §9's design note: "capability interface with one implementation
// per provider, closed enum".
package rental

import (
	"context"
	"errors"
)

// ErrInsufficientProviderBalance signals the upstream SMS provider rejected
// a getNumber call because its own account balance is exhausted. Per spec
// §4.I this aborts the attempt budget immediately, with no retry.
var ErrInsufficientProviderBalance = errors.New("rental: provider balance insufficient")

// ErrCancelUnsupported is returned by Provider.Cancel when the upstream
// provider exposes no cancellation endpoint (§4.I: "cancel it upstream
// where the provider exposes cancellation").
var ErrCancelUnsupported = errors.New("rental: provider does not support cancellation")

// OTPStatus is the provider-reported state of an OTP poll, per spec §4.I.
type OTPStatus string

const (
	OTPWaiting   OTPStatus = "waiting"
	OTPCompleted OTPStatus = "completed"
	OTPExpired   OTPStatus = "expired"
	OTPError     OTPStatus = "error"
)

// NumberResult is the outcome of a GetNumber call.
type NumberResult struct {
	PhoneNumber string
	RequestID   string
	RawResponse []byte
}

// OTPResult is the outcome of a GetOTP call.
type OTPResult struct {
	Status    OTPStatus
	Code      string
	Retryable bool // only meaningful when Status == OTPError
}

// Provider is the capability interface behind every rental tier. A single
// implementation, httpProvider, serves all tiers; the per-tier constructors
// in provider_alpha.go, provider_beta.go, provider_gamma.go and
// provider_platform.go configure it. The set of tiers is closed at config
// load time, and callers dispatch through this interface, not a string switch.
type Provider interface {
	// Name identifies the provider for logging, metrics, and circuit
	// breaker isolation (internal/circuitbreaker.ProviderService).
	Name() string

	// GetNumber requests a phone number for carrier (encoded per this
	// provider's convention: string enum, numeric id, or bit-flags).
	// Returns ErrInsufficientProviderBalance when the provider's own
	// balance is exhausted; that error must never be retried.
	GetNumber(ctx context.Context, carrier string) (NumberResult, error)

	// GetOTP polls for the OTP code bound to a prior GetNumber's RequestID.
	GetOTP(ctx context.Context, requestID string) (OTPResult, error)

	// IsRegistered probes whether number is already registered on this
	// provider's platform. A freshly allocated number is only accepted when
	// this returns (false, nil) — a clean negative (spec §4.I).
	IsRegistered(ctx context.Context, number string) (bool, error)

	// Cancel releases a previously-acquired number, e.g. because it was
	// rejected for a forbidden prefix. Returns ErrCancelUnsupported if the
	// provider exposes no such endpoint.
	Cancel(ctx context.Context, requestID string) error

	// Balance reports the provider's own remaining account balance, used
	// for admin diagnostics.
	Balance(ctx context.Context) (int64, error)
}

// Registry resolves a Provider by the configured rental-tier name. The enum
// of tiers is closed at config-load time (internal/config.RentalConfig.Tiers).
type Registry struct {
	byTier map[string]Provider
}

// NewRegistry builds a Registry from a tier-name -> Provider map.
func NewRegistry(byTier map[string]Provider) *Registry {
	return &Registry{byTier: byTier}
}

// Resolve returns the Provider configured for tierName.
func (r *Registry) Resolve(tierName string) (Provider, bool) {
	p, ok := r.byTier[tierName]
	return p, ok
}

// TierNames returns every configured tier name, in no particular order.
func (r *Registry) TierNames() []string {
	names := make([]string, 0, len(r.byTier))
	for name := range r.byTier {
		names = append(names, name)
	}
	return names
}
