package httpserver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/otistx/backend/internal/apierrors"
)

type cookieRapidCheckRequest struct {
	CookieID string `json:"cookieId"`
	Cookie   string `json:"cookie"`
}

type cookieRapidCheckResponse struct {
	Status        bool            `json:"status"`
	Message       string          `json:"message"`
	DriverPhone   string          `json:"driverPhone,omitempty"`
	DriverName    string          `json:"driverName,omitempty"`
	Charged       bool            `json:"charged"`
	AmountCharged int64           `json:"amountCharged"`
	IsFromHistory bool            `json:"isFromHistory"`
	Orders        json.RawMessage `json:"orders,omitempty"`
}

func fingerprintCookie(cookie string) string {
	sum := sha256.Sum256([]byte(cookie))
	return hex.EncodeToString(sum[:])
}

func (h *handlers) cookieRapidCheck(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r)

	var req cookieRapidCheckRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body")
		return
	}
	cookie := req.Cookie
	if cookie == "" {
		cookie = req.CookieID
	}
	if cookie == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "cookie or cookieId is required")
		return
	}

	if h.serviceLimiter != nil {
		if allowed, retryAfter := h.serviceLimiter.Allow(userID, "rapidcheck:lookup"); !allowed {
			apierrors.WriteRateLimited(w, int(retryAfter.Seconds()))
			return
		}
	}

	requestStart := time.Now()
	fingerprint := fingerprintCookie(cookie)

	check, err := h.rapidcheck.Check(r.Context(), userID, cookie, cookiePreview(cookie), fingerprint, h.upstreamOptions())
	if err != nil {
		h.logger.Error().Err(err).Msg("httpserver.rapidcheck_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUpstreamUnavailable, "unable to run the check right now")
		return
	}

	fromHistory := check.CreatedAt.Before(requestStart)

	resp := cookieRapidCheckResponse{
		Status:        check.Status,
		DriverPhone:   check.DriverPhone,
		DriverName:    check.DriverName,
		Charged:       !fromHistory,
		IsFromHistory: fromHistory,
		Orders:        check.Orders,
	}
	if check.Status {
		resp.Message = "driver found"
	} else {
		resp.Message = "no driver assigned yet"
	}
	if !fromHistory {
		if price, err := h.prices.Lookup(r.Context(), "rapidcheck:lookup"); err == nil && check.Status {
			resp.AmountCharged = price
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
