// Package reaper implements the periodic sweep of abandoned rental sessions
// described in spec §4.L, grounded near-verbatim in shape on the teacher's
// internal/monitoring/balance_monitor.go: a Start(ctx)/Stop() managed
// background loop on a time.Ticker, guarded by a stopCh + sync.WaitGroup,
// meant to be registered with internal/lifecycle.Manager. The teacher's
// wallet-balance-threshold alerting concept (§ config WalletConfig.
// LowBalanceThreshold) is folded in here as a side-effect of the same sweep
// rather than kept as a separate monitor, since both are "tick, scan state,
// react" loops over the same session/user rows.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/otistx/backend/internal/audit"
	"github.com/otistx/backend/internal/rentalqueue"
	"github.com/otistx/backend/internal/storage"
	"github.com/otistx/backend/internal/wallet"
)

// Config controls the sweep cadence and batch size.
type Config struct {
	CheckInterval       time.Duration
	BatchSize           int
	LowBalanceThreshold int64
}

// Reaper sweeps WAITING/ALLOCATED rental sessions past their expiry and
// refunds them, per spec §4.L. It is single-writer per session: the
// refund-idempotency reference (derived from the session ID) makes repeated
// or overlapping sweeps safe, so the reaper itself needs no cross-run lock.
type Reaper struct {
	store  storage.Store
	ledger *wallet.Ledger
	queue  *rentalqueue.Queue // may be nil for tiers not subject to the bounded queue
	audit  *audit.Registry
	cfg    Config
	logger zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Reaper. queue is the bounded queue for the one rental tier it
// guards (spec §4.G); pass nil if that tier isn't wired.
func New(store storage.Store, ledger *wallet.Ledger, queue *rentalqueue.Queue, auditRegistry *audit.Registry, cfg Config, logger zerolog.Logger) *Reaper {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reaper{
		store:  store,
		ledger: ledger,
		queue:  queue,
		audit:  auditRegistry,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start begins the sweep loop. It runs until the context is cancelled or
// Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	r.logger.Info().Dur("interval", r.cfg.CheckInterval).Msg("reaper.started")

	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop gracefully stops the sweep loop and waits for the in-flight sweep to
// finish. Per spec §5, the reaper is not cancellable mid-sweep; sessions it
// misses are picked up on the next tick, so Stop only prevents a *new* tick
// from starting.
func (r *Reaper) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info().Msg("reaper.stopped")
}

// Close adapts Stop to io.Closer for internal/lifecycle.Manager.
func (r *Reaper) Close() error {
	r.Stop()
	return nil
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	r.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep scans expired WAITING/ALLOCATED sessions and reaps each one. A
// failure on one session never aborts the rest of the batch.
func (r *Reaper) sweep(ctx context.Context) {
	sessions, err := r.store.ListExpiredRentalSessions(ctx, time.Now())
	if err != nil {
		r.logger.Error().Err(err).Msg("reaper.list_expired_failed")
		return
	}

	reaped := 0
	for _, s := range sessions {
		if reaped >= r.cfg.BatchSize {
			break
		}
		if r.reapOne(ctx, s) {
			reaped++
		}
	}

	if reaped > 0 {
		r.logger.Info().Int("count", reaped).Msg("reaper.swept_sessions")
	}
}

// reapOne transitions one session to EXPIRED and refunds its charge. It is
// safe to call on a session that was already reaped or completed
// concurrently: the terminal-status guard and the refund's idempotency
// reference make the whole operation a no-op the second time, satisfying
// invariant 4 ("refund at-most-once per session") regardless of how many
// sweeps race on it.
func (r *Reaper) reapOne(ctx context.Context, s *storage.RentalSession) bool {
	if s.Status != storage.SessionWaiting && s.Status != storage.SessionAllocated {
		return false
	}

	s.Status = storage.SessionExpired
	now := time.Now()
	s.CompletedAt = &now
	if err := r.store.UpdateRentalSession(ctx, s); err != nil {
		r.logger.Error().Err(err).Str("session_id", s.ID).Msg("reaper.mark_expired_failed")
		return false
	}

	if r.queue != nil {
		// A reaped WAITING session never reached Enter (still a pending
		// reservation by userID); an ALLOCATED one is an occupant by
		// session ID. Exactly one of the two calls has anything to remove.
		r.queue.Leave(s.ID)
		r.queue.Release(s.UserID)
	}

	refundRef := fmt.Sprintf("refund:%s", s.ID)
	_, err := r.ledger.Refund(ctx, "rental", s.UserID, s.Cost, refundRef, "rental session expired", "")
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		r.logger.Error().Err(err).Str("session_id", s.ID).Msg("reaper.refund_failed")
		if r.audit != nil {
			r.audit.Urgent(ctx, s.UserID, "refund_failed", map[string]string{
				"session_id": s.ID,
				"reference":  refundRef,
				"error":      err.Error(),
			})
		}
		return false
	}

	if r.audit != nil {
		r.audit.Record(ctx, audit.Event{
			UserID: s.UserID,
			Type:   "session_transition",
			Detail: map[string]string{
				"session_id": s.ID,
				"to_status":  string(storage.SessionExpired),
				"reason":     "reaper_sweep",
			},
		})
	}

	r.maybeWarnLowBalance(ctx, s.UserID)
	return true
}

// ReapUser synchronously reaps any of one user's own expired sessions. It
// backs the `POST /phone-rental/active-sessions` endpoint, which spec §6
// documents as also "acting as a reaper trigger" for the caller's own
// sessions between ticks, without waiting for the next scheduled sweep.
func (r *Reaper) ReapUser(ctx context.Context, userID string) {
	sessions, err := r.store.ListActiveRentalSessions(ctx, userID)
	if err != nil {
		r.logger.Error().Err(err).Str("user_id", userID).Msg("reaper.list_active_failed")
		return
	}
	now := time.Now()
	for _, s := range sessions {
		if now.After(s.ExpiresAt) {
			r.reapOne(ctx, s)
		}
	}
}

// maybeWarnLowBalance logs a warning when a user's balance drops under the
// configured threshold, folding the teacher's balance_monitor alerting
// concept into the reaper's existing per-user read instead of a second
// polling loop.
func (r *Reaper) maybeWarnLowBalance(ctx context.Context, userID string) {
	if r.cfg.LowBalanceThreshold <= 0 {
		return
	}
	u, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return
	}
	if u.Balance < r.cfg.LowBalanceThreshold {
		r.logger.Warn().Str("user_id", userID).Int64("balance", u.Balance).
			Int64("threshold", r.cfg.LowBalanceThreshold).Msg("reaper.low_balance")
	}
}
