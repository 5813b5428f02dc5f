package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/otistx/backend/internal/apierrors"
	"github.com/otistx/backend/internal/rental"
	"github.com/otistx/backend/internal/storage"
	"github.com/otistx/backend/internal/wallet"
)

type rentalStartRequest struct {
	Tier    string `json:"tier"`
	Carrier string `json:"carrier"`
}

type rentalStartResponse struct {
	SessionID   string    `json:"sessionId"`
	PhoneNumber string    `json:"phoneNumber"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Cost        int64     `json:"cost"`
}

var validRentalTiers = map[string]storage.RentalTier{
	string(storage.TierProviderAlpha): storage.TierProviderAlpha,
	string(storage.TierProviderBeta):  storage.TierProviderBeta,
	string(storage.TierProviderGamma): storage.TierProviderGamma,
	string(storage.TierPlatform):      storage.TierPlatform,
}

func (h *handlers) rentalStart(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r)

	var req rentalStartRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body")
		return
	}

	tier, ok := validRentalTiers[req.Tier]
	if !ok {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField, "unknown rental tier", "tier", req.Tier)
		return
	}

	if h.serviceLimiter != nil {
		if allowed, retryAfter := h.serviceLimiter.Allow(userID, "rental:"+string(tier)); !allowed {
			apierrors.WriteRateLimited(w, int(retryAfter.Seconds()))
			return
		}
	}

	session, err := h.rental.Start(r.Context(), userID, tier, req.Carrier)
	if err != nil {
		h.writeRentalStartError(w, session, err)
		return
	}

	writeJSON(w, http.StatusOK, rentalStartResponse{
		SessionID:   session.ID,
		PhoneNumber: session.PhoneNumber,
		ExpiresAt:   session.ExpiresAt,
		Cost:        session.Cost,
	})
}

func (h *handlers) writeRentalStartError(w http.ResponseWriter, session *storage.RentalSession, err error) {
	var verr *rental.VerificationError
	if errors.As(err, &verr) {
		switch verr.Code {
		case "queue_full":
			apierrors.WriteRateLimited(w, 30)
		default:
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, verr.Message)
		}
		return
	}
	if errors.Is(err, wallet.ErrInsufficientFunds) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInsufficientFunds, "insufficient wallet balance")
		return
	}
	h.logger.Error().Err(err).Msg("httpserver.rental_start_failed")
	apierrors.WriteSimpleError(w, apierrors.ErrCodeUpstreamUnavailable, "unable to allocate a phone number right now")
}

type rentalOTPResponse struct {
	Status   string `json:"status"`
	OTP      string `json:"otp,omitempty"`
	Message  string `json:"message"`
	Refunded bool   `json:"refunded,omitempty"`
}

func (h *handlers) rentalGetOTP(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r)
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "sessionId is required")
		return
	}

	session, err := h.store.GetRentalSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeSessionNotFound, "session not found")
			return
		}
		h.logger.Error().Err(err).Msg("httpserver.get_session_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "internal error")
		return
	}
	if session.UserID != userID {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeForbidden, "session does not belong to this caller")
		return
	}

	updated, err := h.rental.Poll(r.Context(), sessionID)
	if err != nil {
		h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("httpserver.rental_poll_failed")
	}
	if updated != nil {
		session = updated
	}

	resp := rentalOTPResponse{}
	switch session.Status {
	case storage.SessionCompleted:
		resp.Status = "completed"
		resp.OTP = session.OTPCode
		resp.Message = "OTP received"
	case storage.SessionExpired:
		resp.Status = "expired"
		resp.Message = "session expired"
		resp.Refunded = true
	case storage.SessionFailed:
		resp.Status = "error"
		resp.Message = "rental failed"
		resp.Refunded = true
	default:
		resp.Status = "waiting"
		resp.Message = "waiting for code"
	}

	writeJSON(w, http.StatusOK, resp)
}

type activeSessionView struct {
	SessionID   string    `json:"sessionId"`
	Tier        string    `json:"tier"`
	PhoneNumber string    `json:"phoneNumber"`
	Status      string    `json:"status"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (h *handlers) rentalActiveSessions(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r)

	if h.reaper != nil {
		h.reaper.ReapUser(r.Context(), userID)
	}

	sessions, err := h.store.ListActiveRentalSessions(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Msg("httpserver.list_active_sessions_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "internal error")
		return
	}

	views := make([]activeSessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, activeSessionView{
			SessionID:   s.ID,
			Tier:        string(s.Tier),
			PhoneNumber: s.PhoneNumber,
			Status:      string(s.Status),
			ExpiresAt:   s.ExpiresAt,
		})
	}

	writeJSON(w, http.StatusOK, views)
}
