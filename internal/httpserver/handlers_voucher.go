package httpserver

import (
	"net/http"

	"github.com/otistx/backend/internal/apierrors"
)

type voucherSavingRequest struct {
	Cookies       []string `json:"cookies"`
	PreferredCode string   `json:"preferredCode"`
}

type voucherSavingResult struct {
	CookiePreview   string `json:"cookiePreview"`
	Status          string `json:"status"`
	TotalFound      int    `json:"totalFound"`
	SuccessfulSaves int    `json:"successfulSaves"`
	FailedSaves     int    `json:"failedSaves"`
	Message         string `json:"message,omitempty"`
}

func (h *handlers) voucherSaving(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r)

	var req voucherSavingRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body")
		return
	}
	if len(req.Cookies) == 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "cookies is required")
		return
	}

	results := make([]voucherSavingResult, 0, len(req.Cookies))
	for _, cookie := range req.Cookies {
		preview := cookiePreview(cookie)

		if h.serviceLimiter != nil {
			if allowed, retryAfter := h.serviceLimiter.Allow(userID, "voucher:save"); !allowed {
				results = append(results, voucherSavingResult{
					CookiePreview: preview,
					Status:        "rate_limited",
					Message:       "try again in " + retryAfter.String(),
				})
				continue
			}
		}

		op, err := h.voucher.Save(r.Context(), userID, cookie, preview, req.PreferredCode, h.upstreamOptions())
		if err != nil {
			h.logger.Error().Err(err).Str("cookie_preview", preview).Msg("httpserver.voucher_save_failed")
			results = append(results, voucherSavingResult{CookiePreview: preview, Status: "error", Message: err.Error()})
			continue
		}

		results = append(results, voucherSavingResult{
			CookiePreview:   preview,
			Status:          string(op.Status),
			TotalFound:      op.TotalFound,
			SuccessfulSaves: op.SuccessfulSaves,
			FailedSaves:     op.FailedSaves,
		})
	}

	writeJSON(w, http.StatusOK, results)
}
