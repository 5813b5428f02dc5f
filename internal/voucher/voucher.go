// Package voucher implements the voucher-claiming pipeline of spec §4.J:
// fetch the caller's voucher catalogue (cached), attempt a bounded sequence
// of candidate claims, and refund on total failure. Grounded on the
// teacher's internal/paywall/authorize.go "claim, verify, persist, notify"
// shape, adapted from one verification call into a multi-candidate claim
// loop with its own independent retry budget per candidate.
package voucher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/otistx/backend/internal/audit"
	"github.com/otistx/backend/internal/cacheutil"
	"github.com/otistx/backend/internal/priceregistry"
	"github.com/otistx/backend/internal/storage"
	"github.com/otistx/backend/internal/upstream"
	"github.com/otistx/backend/internal/upstream/platform"
	"github.com/otistx/backend/internal/wallet"
)

// CatalogueTTL bounds how long a fetched voucher catalogue is trusted before
// a fresh fetch is required, per spec §4.J.
const CatalogueTTL = 30 * time.Minute

// MaxCandidates caps how many catalogue entries are attempted per operation.
const MaxCandidates = 7

// PrimaryAttempts and NonPrimaryAttempts give the primary voucher code (the
// one the caller asked for, if present in the catalogue) more tries than the
// incidental candidates filling out the remaining slots, per spec §4.J.
const (
	PrimaryAttempts    = 3
	NonPrimaryAttempts = 1
)

// RefundRetries and refundBackoff bound the refund-on-total-failure retry
// loop; exhausting all retries raises an urgent audit event (spec §4.J/§7).
const RefundRetries = 3

var refundBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// platformClient is the subset of *platform.Client the pipeline depends on,
// narrowed to an interface so it can be exercised against a test double
// without a real outbound transport.
type platformClient interface {
	FetchCatalogue(ctx context.Context, cookie string, opts upstream.Options) (*platform.VoucherCatalogueResponse, error)
	SaveVoucher(ctx context.Context, cookie string, req platform.VoucherSaveRequest, opts upstream.Options) (*platform.VoucherSaveResponse, error)
}

// Pipeline drives one voucher-saving operation end to end.
type Pipeline struct {
	store    storage.Store
	ledger   *wallet.Ledger
	prices   *priceregistry.Registry
	platform platformClient
	audit    *audit.Registry
	logger   zerolog.Logger

	catalogueMu    sync.RWMutex
	catalogueCache map[string]cacheutil.CachedValue[*platform.VoucherCatalogueResponse]

	// archive is an optional document-store fallback for the catalogue
	// cache (spec §4: "durable across restarts when Mongo is configured").
	// Nil when Mongo isn't configured; the in-process cache above is always
	// consulted first regardless.
	archive *storage.ArchiveStore
}

// SetArchiveStore wires an optional Mongo-backed durable fallback for the
// catalogue cache. Safe to call with nil to disable it.
func (p *Pipeline) SetArchiveStore(archive *storage.ArchiveStore) {
	p.archive = archive
}

// New builds a Pipeline.
func New(store storage.Store, ledger *wallet.Ledger, prices *priceregistry.Registry, platformClient platformClient, auditRegistry *audit.Registry, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:          store,
		ledger:         ledger,
		prices:         prices,
		platform:       platformClient,
		audit:          auditRegistry,
		logger:         logger,
		catalogueCache: make(map[string]cacheutil.CachedValue[*platform.VoucherCatalogueResponse]),
	}
}

// Save runs the full claim pipeline for one cookie session and optional
// preferred voucher code, charging the user up front and refunding on total
// failure.
func (p *Pipeline) Save(ctx context.Context, userID, cookie, cookiePreview, preferredCode string, opts upstream.Options) (*storage.VoucherOperation, error) {
	price, err := p.prices.Lookup(ctx, "voucher:save")
	if err != nil {
		return nil, fmt.Errorf("voucher: price lookup: %w", err)
	}

	op := &storage.VoucherOperation{
		UserID:        userID,
		CookiePreview: cookiePreview,
		Status:        storage.VoucherPending,
		CreatedAt:     time.Now(),
	}
	if err := p.store.CreateVoucherOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("voucher: create operation: %w", err)
	}

	chargeRef := "voucher:" + op.ID
	chargeTxn, err := p.ledger.Charge(ctx, "voucher", userID, price, chargeRef, "voucher saving")
	if err != nil {
		op.Status = storage.VoucherFailed
		_ = p.store.UpdateVoucherOperation(ctx, op)
		return op, fmt.Errorf("voucher: charge failed: %w", err)
	}
	op.ChargeTransactionID = chargeTxn.ID

	catalogue, err := p.fetchCatalogue(ctx, cookie, opts)
	if err != nil {
		p.refundOnFailure(ctx, op, price, "catalogue_fetch_failed", err)
		return op, err
	}

	candidates := selectCandidates(catalogue.Data.Vouchers, preferredCode, MaxCandidates)
	op.TotalFound = len(candidates)

	// Success requires the primary/target code itself to save, per spec
	// §4.J step 5 — a non-primary candidate saving is still an overall
	// failure. Stop at the first successful save (step 4) rather than
	// working through every remaining candidate.
	primarySaved := false
	for _, candidate := range candidates {
		attempts := NonPrimaryAttempts
		isPrimary := candidate.VoucherCode == preferredCode
		if isPrimary {
			attempts = PrimaryAttempts
		}

		if p.claimCandidate(ctx, cookie, candidate, attempts, op, opts) {
			op.SuccessfulSaves++
			// With no preferred code the caller named no specific target, so
			// any saved candidate satisfies the request.
			if isPrimary || preferredCode == "" {
				primarySaved = true
			}
			break
		}
		op.FailedSaves++
	}

	if primarySaved {
		op.Status = storage.VoucherSuccess
		if err := p.store.UpdateVoucherOperation(ctx, op); err != nil {
			return op, fmt.Errorf("voucher: persist success: %w", err)
		}
		p.recordEvent(ctx, op, "voucher_saved")
		return op, nil
	}

	p.refundOnFailure(ctx, op, price, "all_candidates_failed", errors.New("voucher: no candidate succeeded"))
	return op, nil
}

// claimCandidate attempts to save one voucher candidate up to attempts
// times. Success is defined, per the resolved Open Question in spec §10, as
// the platform returning error code exactly 0 — any other code, including
// transient-looking ones, counts as a failed attempt for this candidate.
func (p *Pipeline) claimCandidate(ctx context.Context, cookie string, candidate platform.VoucherCatalogueEntry, attempts int, op *storage.VoucherOperation, opts upstream.Options) bool {
	result := &storage.VoucherSaveResult{OperationID: op.ID, VoucherCode: candidate.VoucherCode}

	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt

		resp, err := p.platform.SaveVoucher(ctx, cookie, platform.VoucherSaveRequest{
			VoucherPromotionID: candidate.PromotionID,
			Signature:          candidate.Signature,
		}, opts)
		if err != nil {
			result.ErrorCode = -1
			if errors.Is(err, upstream.ErrCookieExpired) {
				break // semantic failure, never retried
			}
			continue
		}

		result.ErrorCode = resp.Error
		if resp.Error == 0 {
			result.Success = true
			_ = p.store.AddVoucherSaveResult(ctx, result)
			return true
		}
	}

	_ = p.store.AddVoucherSaveResult(ctx, result)
	return false
}

func (p *Pipeline) fetchCatalogue(ctx context.Context, cookie string, opts upstream.Options) (*platform.VoucherCatalogueResponse, error) {
	return cacheutil.ReadThrough(
		&p.catalogueMu,
		func(now time.Time) (*platform.VoucherCatalogueResponse, bool) {
			entry, ok := p.catalogueCache[cookie]
			if ok && now.Sub(entry.FetchedAt) < CatalogueTTL {
				return entry.Value, true
			}
			if catalogue, ok := p.loadArchivedCatalogue(ctx, cookie, now); ok {
				return catalogue, true
			}
			return nil, false
		},
		func(now time.Time) (*platform.VoucherCatalogueResponse, error) {
			catalogue, err := p.platform.FetchCatalogue(ctx, cookie, opts)
			if err != nil {
				return nil, err
			}
			p.catalogueCache[cookie] = cacheutil.CachedValue[*platform.VoucherCatalogueResponse]{Value: catalogue, FetchedAt: now}
			p.archiveCatalogue(ctx, cookie, catalogue)
			return catalogue, nil
		},
	)
}

// loadArchivedCatalogue falls through to the durable Mongo cache when the
// in-process map missed, seeding the in-process map on a hit so the next
// lookup avoids the round trip.
func (p *Pipeline) loadArchivedCatalogue(ctx context.Context, cookie string, now time.Time) (*platform.VoucherCatalogueResponse, bool) {
	if p.archive == nil {
		return nil, false
	}
	blob, found, err := p.archive.GetVoucherCatalogue(ctx, cookie)
	if err != nil {
		p.logger.Error().Err(err).Msg("voucher.archive_catalogue_lookup_failed")
		return nil, false
	}
	if !found {
		return nil, false
	}
	var catalogue platform.VoucherCatalogueResponse
	if err := json.Unmarshal(blob, &catalogue); err != nil {
		p.logger.Error().Err(err).Msg("voucher.archive_catalogue_decode_failed")
		return nil, false
	}
	p.catalogueCache[cookie] = cacheutil.CachedValue[*platform.VoucherCatalogueResponse]{Value: &catalogue, FetchedAt: now}
	return &catalogue, true
}

func (p *Pipeline) archiveCatalogue(ctx context.Context, cookie string, catalogue *platform.VoucherCatalogueResponse) {
	if p.archive == nil {
		return
	}
	blob, err := json.Marshal(catalogue)
	if err != nil {
		p.logger.Error().Err(err).Msg("voucher.archive_catalogue_encode_failed")
		return
	}
	if err := p.archive.PutVoucherCatalogue(ctx, cookie, blob, CatalogueTTL); err != nil {
		p.logger.Error().Err(err).Msg("voucher.archive_catalogue_store_failed")
	}
}

// selectCandidates puts the preferred code first (if present in the
// catalogue) and fills the remaining slots up to max with the rest of the
// catalogue in listed order.
func selectCandidates(all []platform.VoucherCatalogueEntry, preferredCode string, max int) []platform.VoucherCatalogueEntry {
	var preferred *platform.VoucherCatalogueEntry
	var rest []platform.VoucherCatalogueEntry
	for i := range all {
		if preferredCode != "" && all[i].VoucherCode == preferredCode && preferred == nil {
			preferred = &all[i]
			continue
		}
		rest = append(rest, all[i])
	}

	var out []platform.VoucherCatalogueEntry
	if preferred != nil {
		out = append(out, *preferred)
	}
	for _, c := range rest {
		if len(out) >= max {
			break
		}
		out = append(out, c)
	}
	return out
}

// refundOnFailure issues an at-most-once refund for the whole operation,
// retrying transient failures up to RefundRetries times with the teacher's
// doubling backoff before raising an urgent audit event.
func (p *Pipeline) refundOnFailure(ctx context.Context, op *storage.VoucherOperation, amount int64, reason string, cause error) {
	op.Status = storage.VoucherFailed
	if err := p.store.UpdateVoucherOperation(ctx, op); err != nil {
		p.logger.Error().Err(err).Str("operation_id", op.ID).Msg("voucher.mark_failed_failed")
	}

	refundRef := fmt.Sprintf("refund:voucher:%s", op.ID)
	var lastErr error
	for attempt := 0; attempt < RefundRetries; attempt++ {
		txn, err := p.ledger.Refund(ctx, "voucher", op.UserID, amount, refundRef, "voucher saving failed: "+reason, op.ChargeTransactionID)
		if err == nil {
			op.RefundTransactionID = txn.ID
			_ = p.store.UpdateVoucherOperation(ctx, op)
			p.recordEvent(ctx, op, "voucher_refunded")
			return
		}
		if errors.Is(err, storage.ErrConflict) {
			return // already refunded by a prior attempt
		}
		lastErr = err
		if attempt < len(refundBackoff) {
			time.Sleep(refundBackoff[attempt])
		}
	}

	p.logger.Error().Err(lastErr).Str("operation_id", op.ID).Msg("voucher.refund_exhausted")
	if p.audit != nil {
		p.audit.Urgent(ctx, op.UserID, "refund_failed", map[string]string{
			"operation_id": op.ID,
			"reference":    refundRef,
			"reason":       reason,
			"error":        fmt.Sprint(lastErr),
		})
	}
}

func (p *Pipeline) recordEvent(ctx context.Context, op *storage.VoucherOperation, eventType string) {
	if p.audit == nil {
		return
	}
	p.audit.Record(ctx, audit.Event{
		UserID: op.UserID,
		Type:   eventType,
		Detail: map[string]string{
			"operation_id":     op.ID,
			"successful_saves": fmt.Sprint(op.SuccessfulSaves),
			"failed_saves":     fmt.Sprint(op.FailedSaves),
		},
	})
}
