package httpserver

import (
	"errors"
	"net/http"

	"github.com/otistx/backend/internal/apierrors"
	"github.com/otistx/backend/internal/upstream"
)

// accountEntryRequest mirrors trackingEntryRequest: unmetered pass-through,
// one cookie session per entry.
type accountEntryRequest struct {
	Cookie string `json:"cookie"`
}

type accountEntryResult struct {
	CookiePreview string `json:"cookiePreview"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	Username      string `json:"username,omitempty"`
	Nickname      string `json:"nickname,omitempty"`
	Email         string `json:"email,omitempty"`
	Phone         string `json:"phone,omitempty"`
	ShopID        string `json:"shopId,omitempty"`
}

type accountCheckBulkRequest struct {
	Entries []accountEntryRequest `json:"entries"`
}

func (h *handlers) accountCheckBulk(w http.ResponseWriter, r *http.Request) {
	var req accountCheckBulkRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body")
		return
	}
	if len(req.Entries) == 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "entries is required")
		return
	}

	results := make([]accountEntryResult, 0, len(req.Entries))
	for _, entry := range req.Entries {
		preview := cookiePreview(entry.Cookie)

		info, _, err := h.platform.AccountInfo(r.Context(), entry.Cookie, h.upstreamOptions())
		if err != nil {
			status := "error"
			if errors.Is(err, upstream.ErrCookieExpired) {
				status = "cookie_expired"
			}
			results = append(results, accountEntryResult{CookiePreview: preview, Status: status, Message: err.Error()})
			continue
		}

		results = append(results, accountEntryResult{
			CookiePreview: preview,
			Status:        "ok",
			Username:      info.Data.Username,
			Nickname:      info.Data.Nickname,
			Email:         info.Data.Email,
			Phone:         info.Data.Phone,
			ShopID:        info.Data.ShopID,
		})
	}

	writeJSON(w, http.StatusOK, results)
}
