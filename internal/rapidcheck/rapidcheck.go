// Package rapidcheck implements the rapid shipper-lookup of spec §4.K:
// charge up front, scan a caller's recent orders for an assigned
// driver/vehicle, and refund if none is found — deduplicated by cookie
// fingerprint within a rolling window so a repeated check on the same
// session is served from the prior result at no charge. Grounded on the
// same "claim, verify, persist, notify" shape as internal/voucher and the
// teacher's internal/paywall/authorize.go, here scanning a bounded list of
// orders instead of attempting candidate claims.
package rapidcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/otistx/backend/internal/audit"
	"github.com/otistx/backend/internal/priceregistry"
	"github.com/otistx/backend/internal/storage"
	"github.com/otistx/backend/internal/upstream"
	"github.com/otistx/backend/internal/upstream/platform"
	"github.com/otistx/backend/internal/wallet"
)

// DedupWindow is the rolling window within which a repeated check on the
// same cookie fingerprint is served from the cached result at no charge,
// per spec §4.K.
const DedupWindow = 72 * time.Hour

// OrderScanLimit caps how many of the caller's most recent orders are
// fetched and enriched per check, per spec §4.K.
const OrderScanLimit = 5

// platformClient is the subset of *platform.Client rapidcheck depends on.
type platformClient interface {
	ListOrders(ctx context.Context, cookie string, limit int, opts upstream.Options) (*platform.OrderListResponse, error)
	OrderDetail(ctx context.Context, cookie, orderID string, opts upstream.Options) (*platform.OrderDetailResponse, error)
}

// Service drives one rapid-shipper-lookup check end to end.
type Service struct {
	store    storage.Store
	ledger   *wallet.Ledger
	prices   *priceregistry.Registry
	platform platformClient
	audit    *audit.Registry
	logger   zerolog.Logger

	// archive is an optional document-store sink for the enriched order
	// blobs behind each check (spec §4: "opaque JSON blob, archived to the
	// document store"). Nil when Mongo isn't configured; the relational
	// Orders column is always written regardless.
	archive *storage.ArchiveStore
}

// New builds a Service.
func New(store storage.Store, ledger *wallet.Ledger, prices *priceregistry.Registry, platformClient platformClient, auditRegistry *audit.Registry, logger zerolog.Logger) *Service {
	return &Service{store: store, ledger: ledger, prices: prices, platform: platformClient, audit: auditRegistry, logger: logger}
}

// SetArchiveStore wires an optional Mongo-backed archive for enriched order
// blobs. Safe to call with nil to disable archival.
func (s *Service) SetArchiveStore(archive *storage.ArchiveStore) {
	s.archive = archive
}

// driverInfo is what a successful check extracts.
type driverInfo struct {
	Phone string
	Name  string
	Plate string
}

func (d driverInfo) found() bool { return d.Phone != "" || d.Name != "" || d.Plate != "" }

// Check runs the dedup-or-scan pipeline for one cookie session.
func (s *Service) Check(ctx context.Context, userID, cookie, cookiePreview, fingerprint string, opts upstream.Options) (*storage.RapidCheck, error) {
	// Only a prior *successful* check short-circuits a repeat within the
	// window; a failed/refunded check must not block a retry, since the
	// caller paid nothing for it and may simply have placed a new order.
	if existing, err := s.store.GetRapidCheckByFingerprint(ctx, fingerprint); err == nil {
		if existing.DriverPhone != "" && time.Since(existing.CreatedAt) < DedupWindow {
			return existing, nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("rapidcheck: dedup lookup: %w", err)
	}

	price, err := s.prices.Lookup(ctx, "rapidcheck:lookup")
	if err != nil {
		return nil, fmt.Errorf("rapidcheck: price lookup: %w", err)
	}

	check := &storage.RapidCheck{
		ID:                uuid.NewString(),
		UserID:            userID,
		CookieFingerprint: fingerprint,
		CookiePreview:     cookiePreview,
		CreatedAt:         time.Now(),
	}

	// Keyed on the check's own id, not the fingerprint, so a fresh check on
	// the same cookie after the dedup window (or after a failed check)
	// charges independently instead of colliding with a stale reference.
	chargeRef := "rapidcheck:" + check.ID
	chargeTxn, err := s.ledger.Charge(ctx, "rapidcheck", userID, price, chargeRef, "rapid shipper lookup")
	if err != nil {
		return nil, fmt.Errorf("rapidcheck: charge failed: %w", err)
	}
	check.ChargeTransactionID = chargeTxn.ID

	info, orders, err := s.scanOrders(ctx, cookie, opts)
	if err != nil {
		if cerr := s.store.CreateRapidCheck(ctx, check); cerr != nil {
			s.logger.Error().Err(cerr).Msg("rapidcheck.persist_failed_after_scan_error")
		}
		s.refund(ctx, check, price, "scan_failed")
		return nil, err
	}

	check.Orders = orders
	if info.found() {
		check.Status = true
		check.DriverPhone = info.Phone
		check.DriverName = info.Name
		check.VehiclePlate = info.Plate
		if err := s.store.CreateRapidCheck(ctx, check); err != nil {
			return nil, fmt.Errorf("rapidcheck: persist: %w", err)
		}
		s.archiveOrders(ctx, check)
		s.recordEvent(ctx, check, "rapidcheck_found")
		return check, nil
	}

	check.Status = false
	if err := s.store.CreateRapidCheck(ctx, check); err != nil {
		return nil, fmt.Errorf("rapidcheck: persist: %w", err)
	}
	s.archiveOrders(ctx, check)
	s.refund(ctx, check, price, "no_driver_found")
	return check, nil
}

func (s *Service) archiveOrders(ctx context.Context, check *storage.RapidCheck) {
	if s.archive == nil || len(check.Orders) == 0 {
		return
	}
	if err := s.archive.PutRapidCheckOrders(ctx, check.ID, check.Orders); err != nil {
		s.logger.Error().Err(err).Str("check_id", check.ID).Msg("rapidcheck.archive_orders_failed")
	}
}

// scanOrders fetches up to OrderScanLimit recent orders and enriches each
// with its detail, stopping at the first driver match. It also returns the
// raw per-order detail blobs, archived verbatim for later inspection.
func (s *Service) scanOrders(ctx context.Context, cookie string, opts upstream.Options) (driverInfo, []byte, error) {
	list, err := s.platform.ListOrders(ctx, cookie, OrderScanLimit, opts)
	if err != nil {
		return driverInfo{}, nil, fmt.Errorf("rapidcheck: list orders: %w", err)
	}

	var rawDetails []json.RawMessage
	for _, entry := range list.Data.OrderData.DetailsList {
		if len(rawDetails) >= OrderScanLimit {
			break
		}
		detail, err := s.platform.OrderDetail(ctx, cookie, entry.InfoCard.OrderID, opts)
		if err != nil {
			if errors.Is(err, upstream.ErrCookieExpired) {
				return driverInfo{}, nil, err
			}
			continue // one bad order detail call doesn't abort the scan
		}

		raw, _ := json.Marshal(detail.Data)
		rawDetails = append(rawDetails, raw)

		if info := extractDriver(detail); info.found() {
			archived, _ := json.Marshal(rawDetails)
			return info, archived, nil
		}
	}

	archived, _ := json.Marshal(rawDetails)
	return driverInfo{}, archived, nil
}

// extractDriver opportunistically pulls driver/vehicle fields out of
// whichever of the four response subtrees carries them; the platform is
// inconsistent about which one is populated for a given order (spec §4.K).
func extractDriver(detail *platform.OrderDetailResponse) driverInfo {
	for _, blob := range []json.RawMessage{detail.Data.DriverInfo, detail.Data.TrackingInfo, detail.Data.DeliveryInfo, detail.Data.Shipping} {
		if info := extractFromBlob(blob); info.found() {
			return info
		}
	}
	return driverInfo{}
}

// candidateFields lists the JSON keys this platform has been observed to use
// for driver phone/name/vehicle plate across its various response shapes.
var candidateFields = struct {
	phone []string
	name  []string
	plate []string
}{
	phone: []string{"driver_phone", "driverPhone", "phone", "shipper_phone"},
	name:  []string{"driver_name", "driverName", "name", "shipper_name"},
	plate: []string{"vehicle_plate", "vehiclePlate", "plate_number", "license_plate"},
}

func extractFromBlob(blob json.RawMessage) driverInfo {
	if len(blob) == 0 {
		return driverInfo{}
	}
	var generic map[string]any
	if err := json.Unmarshal(blob, &generic); err != nil {
		return driverInfo{}
	}

	var info driverInfo
	info.Phone = firstStringField(generic, candidateFields.phone)
	info.Name = firstStringField(generic, candidateFields.name)
	info.Plate = firstStringField(generic, candidateFields.plate)
	return info
}

func firstStringField(m map[string]any, keys []string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func (s *Service) refund(ctx context.Context, check *storage.RapidCheck, amount int64, reason string) {
	refundRef := "refund:rapid:" + check.ID
	_, err := s.ledger.Refund(ctx, "rapidcheck", check.UserID, amount, refundRef, "rapid check: "+reason, check.ChargeTransactionID)
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		s.logger.Error().Err(err).Str("check_id", check.ID).Msg("rapidcheck.refund_failed")
		if s.audit != nil {
			s.audit.Urgent(ctx, check.UserID, "refund_failed", map[string]string{
				"check_id":  check.ID,
				"reference": refundRef,
				"reason":    reason,
			})
		}
		return
	}
	s.recordEvent(ctx, check, "rapidcheck_refunded")
}

func (s *Service) recordEvent(ctx context.Context, check *storage.RapidCheck, eventType string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, audit.Event{
		UserID: check.UserID,
		Type:   eventType,
		Detail: map[string]string{
			"check_id": check.ID,
			"found":    fmt.Sprint(check.Status),
		},
	})
}
