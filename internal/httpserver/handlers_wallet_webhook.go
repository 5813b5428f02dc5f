package httpserver

import (
	"crypto/subtle"
	"net/http"

	"github.com/otistx/backend/internal/apierrors"
)

// bankDepositRequest is the shape a bank-deposit notifier posts once a
// transfer clears. Reference is the bank's own transaction id and is used
// as the idempotency key: a retried delivery of the same reference must
// not credit the wallet twice.
type bankDepositRequest struct {
	UserID    string `json:"userId"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

type bankDepositResponse struct {
	Status  string `json:"status"`
	Balance int64  `json:"balance,omitempty"`
}

func (h *handlers) bankDepositWebhook(w http.ResponseWriter, r *http.Request) {
	secret := h.cfg.Wallet.DepositWebhookSecret
	if secret == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeConfigError, "deposit webhook is not configured")
		return
	}
	token := r.Header.Get("X-Webhook-Token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthenticated, "invalid webhook token")
		return
	}

	var req bankDepositRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body")
		return
	}
	if req.UserID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "userId is required")
		return
	}
	if req.Amount <= 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidAmount, "amount must be positive")
		return
	}
	if req.Reference == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "reference is required")
		return
	}

	ctx := r.Context()
	idempotencyKey := "bank-deposit:" + req.Reference

	if h.idempotency != nil {
		if record, found, err := h.idempotency.Check(ctx, idempotencyKey); err == nil && found {
			h.logger.Info().Str("reference", req.Reference).Str("txn_id", record.TransactionID).Msg("httpserver.bank_deposit_replay")
			writeJSON(w, http.StatusOK, bankDepositResponse{Status: "already_processed"})
			return
		}
	}

	txn, err := h.ledger.AdminAdjust(ctx, req.UserID, req.Amount, "bank deposit "+req.Reference, "bank-deposit-webhook")
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", req.UserID).Str("reference", req.Reference).Msg("httpserver.bank_deposit_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "unable to credit wallet")
		return
	}

	if h.idempotency != nil {
		if err := h.idempotency.Record(ctx, idempotencyKey, txn.ID, req.Reference); err != nil {
			h.logger.Error().Err(err).Str("reference", req.Reference).Msg("httpserver.bank_deposit_record_failed")
		}
	}

	balance, err := h.ledger.Balance(ctx, req.UserID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", req.UserID).Msg("httpserver.bank_deposit_balance_lookup_failed")
		writeJSON(w, http.StatusOK, bankDepositResponse{Status: "credited"})
		return
	}

	writeJSON(w, http.StatusOK, bankDepositResponse{Status: "credited", Balance: balance})
}
