package httpserver

import (
	"errors"
	"net/http"

	"github.com/otistx/backend/internal/apierrors"
	"github.com/otistx/backend/internal/upstream"
)

// trackingEntryRequest is one cookie session's order list/detail lookup.
// Order tracking is not a billed module of spec §4 — it is a thin,
// unmetered pass-through over the platform client, unlike rental/voucher/
// rapid-check which all reserve wallet funds first.
type trackingEntryRequest struct {
	Cookie string `json:"cookie"`
}

type trackingOrderView struct {
	OrderID    string `json:"orderId"`
	FinalTotal int64  `json:"finalTotal"`
}

type trackingEntryResult struct {
	CookiePreview string              `json:"cookiePreview"`
	Status        string              `json:"status"`
	Message       string              `json:"message,omitempty"`
	Orders        []trackingOrderView `json:"orders,omitempty"`
}

type trackingChecksBulkRequest struct {
	Entries []trackingEntryRequest `json:"entries"`
}

func (h *handlers) trackingChecksBulk(w http.ResponseWriter, r *http.Request) {
	var req trackingChecksBulkRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body")
		return
	}
	if len(req.Entries) == 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "entries is required")
		return
	}

	results := make([]trackingEntryResult, 0, len(req.Entries))
	for _, entry := range req.Entries {
		preview := cookiePreview(entry.Cookie)

		list, err := h.platform.ListOrders(r.Context(), entry.Cookie, 5, h.upstreamOptions())
		if err != nil {
			status := "error"
			if errors.Is(err, upstream.ErrCookieExpired) {
				status = "cookie_expired"
			}
			results = append(results, trackingEntryResult{CookiePreview: preview, Status: status, Message: err.Error()})
			continue
		}

		views := make([]trackingOrderView, 0, len(list.Data.OrderData.DetailsList))
		for _, o := range list.Data.OrderData.DetailsList {
			views = append(views, trackingOrderView{OrderID: o.InfoCard.OrderID, FinalTotal: o.InfoCard.FinalTotal})
		}
		results = append(results, trackingEntryResult{CookiePreview: preview, Status: "ok", Orders: views})
	}

	writeJSON(w, http.StatusOK, results)
}
