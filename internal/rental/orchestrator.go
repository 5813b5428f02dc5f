// Package rental's orchestrator drives one rental session through the full
// CREATED -> WAITING -> ALLOCATED -> COMPLETED state machine of spec §4.I,
// including the forbidden-prefix filter, the dual attempt budget, and the
// OTP poll loop. Grounded on the teacher's internal/paywall/authorize.go:
// the same "atomically claim, then verify with retry against an upstream,
// then persist a terminal state and notify" shape, generalized from a
// one-shot payment confirmation into a multi-step, resumable state machine.
package rental

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/otistx/backend/internal/audit"
	"github.com/otistx/backend/internal/priceregistry"
	"github.com/otistx/backend/internal/rentalqueue"
	"github.com/otistx/backend/internal/storage"
	"github.com/otistx/backend/internal/wallet"
)

// Budget limits per spec §4.I / §9's design note: "explicit loop state",
// not a generic retry-with-jitter helper, because two independent counters
// apply at once.
const (
	// MaxTotalAttempts caps upstream getNumber calls across the whole
	// session regardless of tier.
	MaxTotalAttempts = 10
	// MaxNumberChecksGamma additionally caps how many numbers tier_gamma may
	// return before the session gives up, independent of MaxTotalAttempts;
	// every returned number counts, before the forbidden-prefix and
	// registration checks.
	MaxNumberChecksGamma = 3
	// OTPPollInterval throttles GetOTP polling per session.
	OTPPollInterval = 5 * time.Second
	// OTPPollTimeout is not read by Poll; an ALLOCATED session is bounded by
	// its ExpiresAt (6 minutes after Start), enforced by the reaper.
	OTPPollTimeout = 3 * time.Minute
)

var backoffSchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// VerificationError distinguishes the user-facing message from the
// technical cause, grounded on the teacher's x402.VerificationError shape
// in internal/paywall/authorize.go.
type VerificationError struct {
	Code    string
	Message string
	Err     error
}

func (e *VerificationError) Error() string { return fmt.Sprintf("%s: %v", e.Code, e.Err) }
func (e *VerificationError) Unwrap() error { return e.Err }

// Orchestrator owns the phone-rental state machine for every configured
// tier.
type Orchestrator struct {
	store    storage.Store
	ledger   *wallet.Ledger
	prices   *priceregistry.Registry
	registry *Registry
	audit    *audit.Registry
	logger   zerolog.Logger

	// queues holds the bounded-admission queue for tiers subject to one
	// (spec §4.G names exactly one bounded tier); tiers absent from this map
	// are admitted unconditionally.
	queues map[storage.RentalTier]*rentalqueue.Queue

	// forbiddenPrefixes rejects numbers sharing these prefixes regardless of
	// tier (spec §4.I).
	forbiddenPrefixes []string

	// archive is an optional document-store sink for the raw provider
	// response behind each allocated session (spec §4: "opaque blob,
	// archived to the document store"). Nil when Mongo isn't configured;
	// the relational ProviderResponse column is always written regardless.
	archive *storage.ArchiveStore
}

// SetArchiveStore wires an optional Mongo-backed archive for raw provider
// responses. Safe to call with nil to disable archival.
func (o *Orchestrator) SetArchiveStore(archive *storage.ArchiveStore) {
	o.archive = archive
}

// New builds an Orchestrator.
func New(
	store storage.Store,
	ledger *wallet.Ledger,
	prices *priceregistry.Registry,
	registry *Registry,
	auditRegistry *audit.Registry,
	queues map[storage.RentalTier]*rentalqueue.Queue,
	forbiddenPrefixes []string,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:             store,
		ledger:            ledger,
		prices:            prices,
		registry:          registry,
		audit:             auditRegistry,
		queues:            queues,
		forbiddenPrefixes: forbiddenPrefixes,
		logger:            logger,
	}
}

// Start creates and drives a new rental session to completion or failure.
// It blocks for the duration of provider dispatch (typically under a few
// seconds); OTP polling beyond the initial allocation happens out of band
// via Poll.
func (o *Orchestrator) Start(ctx context.Context, userID string, tier storage.RentalTier, carrier string) (*storage.RentalSession, error) {
	provider, ok := o.registry.Resolve(string(tier))
	if !ok {
		return nil, fmt.Errorf("rental: no provider configured for tier %q", tier)
	}

	if q, ok := o.queues[tier]; ok {
		decision := q.Admit(userID)
		if decision.Kind != rentalqueue.Allowed {
			return nil, &VerificationError{Code: "queue_full", Message: "too many active rentals, try again shortly", Err: fmt.Errorf("rental: admission denied: %s", decision)}
		}
	}

	price, err := o.prices.Lookup(ctx, "rental:"+string(tier))
	if err != nil {
		if q, ok := o.queues[tier]; ok {
			q.Release(userID)
		}
		return nil, fmt.Errorf("rental: price lookup: %w", err)
	}

	session := &storage.RentalSession{
		UserID:    userID,
		Tier:      tier,
		Carrier:   carrier,
		Status:    storage.SessionCreated,
		StartAt:   time.Now(),
		ExpiresAt: time.Now().Add(6 * time.Minute),
		Cost:      price,
	}
	if err := o.store.CreateRentalSession(ctx, session); err != nil {
		if q, ok := o.queues[tier]; ok {
			q.Release(userID)
		}
		return nil, fmt.Errorf("rental: create session: %w", err)
	}

	chargeRef := "rental:" + session.ID
	if _, err := o.ledger.Charge(ctx, "rental", userID, price, chargeRef, "phone rental: "+string(tier)); err != nil {
		session.Status = storage.SessionFailed
		_ = o.store.UpdateRentalSession(ctx, session)
		if q, ok := o.queues[tier]; ok {
			q.Release(userID)
		}
		return session, fmt.Errorf("rental: charge failed: %w", err)
	}

	session.Status = storage.SessionWaiting
	if err := o.store.UpdateRentalSession(ctx, session); err != nil {
		return session, fmt.Errorf("rental: persist waiting: %w", err)
	}
	o.recordTransition(ctx, session, "charged")

	number, requestID, rawResponse, err := o.acquireNumber(ctx, provider, tier, carrier)
	if err != nil {
		o.failAndRefund(ctx, session, tier, "allocation_failed", err)
		return session, err
	}

	session.PhoneNumber = number
	session.ProviderRequestID = requestID
	session.Status = storage.SessionAllocated
	session.ProviderResponse = rawResponse
	if err := o.store.UpdateRentalSession(ctx, session); err != nil {
		return session, fmt.Errorf("rental: persist allocated: %w", err)
	}
	if o.archive != nil && len(rawResponse) > 0 {
		if err := o.archive.PutRentalProviderResponse(ctx, session.ID, rawResponse); err != nil {
			o.logger.Error().Err(err).Str("session_id", session.ID).Msg("rental.archive_provider_response_failed")
		}
	}
	if q, ok := o.queues[tier]; ok {
		q.Enter(userID, number, session.ID)
	}
	o.recordTransition(ctx, session, "allocated")

	return session, nil
}

// acquireNumber runs the budgeted retry loop against provider, applying the
// forbidden-prefix filter and the dual (MaxTotalAttempts,
// MaxNumberChecksGamma) counters explicitly, per spec §9's design note.
func (o *Orchestrator) acquireNumber(ctx context.Context, provider Provider, tier storage.RentalTier, carrier string) (number, requestID string, rawResponse []byte, err error) {
	totalAttempts := 0
	numberChecks := 0
	transportRetries := 0

	for totalAttempts < MaxTotalAttempts {
		if tier == storage.TierProviderGamma && numberChecks >= MaxNumberChecksGamma {
			return "", "", nil, fmt.Errorf("rental: %s: exhausted number checks", tier)
		}

		totalAttempts++
		result, callErr := provider.GetNumber(ctx, carrier)
		if callErr != nil {
			if errors.Is(callErr, ErrInsufficientProviderBalance) {
				return "", "", nil, callErr
			}
			if transportRetries >= len(backoffSchedule) {
				return "", "", nil, fmt.Errorf("rental: %s: transport retries exhausted: %w", tier, callErr)
			}
			o.sleepBackoff(ctx, transportRetries)
			transportRetries++
			continue
		}

		if tier == storage.TierProviderGamma {
			numberChecks++
		}

		if o.isForbidden(result.PhoneNumber) {
			_ = provider.Cancel(ctx, result.RequestID)
			continue
		}

		// Only accept on a clean negative: an error or an already-registered
		// number is treated the same as a rejected candidate (spec §4.I).
		registered, regErr := provider.IsRegistered(ctx, result.PhoneNumber)
		if regErr != nil || registered {
			_ = provider.Cancel(ctx, result.RequestID)
			continue
		}

		return result.PhoneNumber, result.RequestID, result.RawResponse, nil
	}

	return "", "", nil, fmt.Errorf("rental: %s: exhausted %d attempts", tier, MaxTotalAttempts)
}

func (o *Orchestrator) sleepBackoff(ctx context.Context, attempt int) {
	idx := attempt
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	select {
	case <-ctx.Done():
	case <-time.After(backoffSchedule[idx]):
	}
}

func (o *Orchestrator) isForbidden(number string) bool {
	for _, prefix := range o.forbiddenPrefixes {
		if strings.HasPrefix(number, prefix) {
			return true
		}
	}
	return false
}

// Poll checks for an OTP on an ALLOCATED session, throttled to at most one
// upstream call per OTPPollInterval per session. A session already past its
// ExpiresAt is expired and refunded immediately rather than left for the
// reaper's next sweep.
func (o *Orchestrator) Poll(ctx context.Context, sessionID string) (*storage.RentalSession, error) {
	session, err := o.store.GetRentalSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != storage.SessionAllocated {
		return session, nil
	}
	if time.Now().After(session.ExpiresAt) {
		o.expireAndRefund(ctx, session, session.Tier, "session_expired", errors.New("rental: session past expiry"))
		return session, nil
	}
	if !session.LastOTPPollAt.IsZero() && time.Since(session.LastOTPPollAt) < OTPPollInterval {
		return session, nil // throttled: nothing new to report yet
	}

	provider, ok := o.registry.Resolve(string(session.Tier))
	if !ok {
		return session, fmt.Errorf("rental: no provider configured for tier %q", session.Tier)
	}

	session.LastOTPPollAt = time.Now()
	if err := o.store.UpdateRentalSession(ctx, session); err != nil {
		o.logger.Error().Err(err).Str("session_id", session.ID).Msg("rental.persist_poll_time_failed")
	}

	result, err := provider.GetOTP(ctx, session.ProviderRequestID)
	if err != nil {
		if result.Retryable {
			return session, nil
		}
		o.expireAndRefund(ctx, session, session.Tier, "otp_poll_failed", err)
		return session, err
	}

	switch result.Status {
	case OTPCompleted:
		session.OTPCode = result.Code
		session.Status = storage.SessionCompleted
		now := time.Now()
		session.CompletedAt = &now
		if err := o.store.UpdateRentalSession(ctx, session); err != nil {
			return session, fmt.Errorf("rental: persist completed: %w", err)
		}
		if q, ok := o.queues[session.Tier]; ok {
			q.Leave(session.ID)
		}
		o.recordTransition(ctx, session, "otp_received")
	case OTPExpired:
		o.expireAndRefund(ctx, session, session.Tier, "otp_expired", errors.New("rental: provider reported expired"))
	default:
		// still waiting, nothing further to persist
	}

	return session, nil
}

// failAndRefund transitions session to FAILED — an allocation-time failure,
// never reachable once a number has been issued — and issues an
// at-most-once refund keyed by the session ID, matching the reaper's refund
// reference convention so a concurrent expiry sweep can never double-refund.
func (o *Orchestrator) failAndRefund(ctx context.Context, session *storage.RentalSession, tier storage.RentalTier, reason string, cause error) {
	o.terminateAndRefund(ctx, session, tier, storage.SessionFailed, reason, cause)
}

// expireAndRefund transitions session to EXPIRED: the provider reported the
// OTP wait as expired, the poll itself failed terminally, or the session was
// found past its ExpiresAt on poll. Distinct from failAndRefund so callers
// (and the API surface in handlers_rental.go) can tell "ran out of time"
// apart from "something went wrong acquiring the number".
func (o *Orchestrator) expireAndRefund(ctx context.Context, session *storage.RentalSession, tier storage.RentalTier, reason string, cause error) {
	o.terminateAndRefund(ctx, session, tier, storage.SessionExpired, reason, cause)
}

func (o *Orchestrator) terminateAndRefund(ctx context.Context, session *storage.RentalSession, tier storage.RentalTier, status storage.SessionStatus, reason string, cause error) {
	session.Status = status
	now := time.Now()
	session.CompletedAt = &now
	if err := o.store.UpdateRentalSession(ctx, session); err != nil {
		o.logger.Error().Err(err).Str("session_id", session.ID).Msg("rental.mark_terminal_failed")
	}

	if q, ok := o.queues[tier]; ok {
		// Leave covers a session that reached Enter (post-allocation); Release
		// covers one that failed while still pending from Admit. Exactly one
		// of the two ever has an entry to remove, the other is a no-op.
		q.Leave(session.ID)
		q.Release(session.UserID)
	}

	refundRef := "refund:" + session.ID
	_, err := o.ledger.Refund(ctx, "rental", session.UserID, session.Cost, refundRef, fmt.Sprintf("rental session %s: %s", status, reason), "")
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		o.logger.Error().Err(err).Str("session_id", session.ID).Msg("rental.refund_failed")
		if o.audit != nil {
			o.audit.Urgent(ctx, session.UserID, "refund_failed", map[string]string{
				"session_id": session.ID,
				"reference":  refundRef,
				"reason":     reason,
				"error":      err.Error(),
			})
		}
	}

	o.logger.Warn().Str("session_id", session.ID).Str("reason", reason).Err(cause).Msg("rental.session_" + string(status))
	o.recordTransition(ctx, session, string(status)+":"+reason)
}

func (o *Orchestrator) recordTransition(ctx context.Context, session *storage.RentalSession, reason string) {
	if o.audit == nil {
		return
	}
	o.audit.Record(ctx, audit.Event{
		UserID: session.UserID,
		Type:   "session_transition",
		Detail: map[string]string{
			"session_id": session.ID,
			"to_status":  string(session.Status),
			"reason":     reason,
		},
	})
}
