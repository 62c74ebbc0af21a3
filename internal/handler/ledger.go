package handler

import (
	"net/http"
	"strings"

	"trimatrix/internal/ledger"
	"trimatrix/internal/middleware"
	"trimatrix/pkg/logger"
	"trimatrix/pkg/validator"

	"github.com/shopspring/decimal"
)

const defaultCoin = "USDT"

type LedgerHandler struct {
	service   *ledger.Service
	validator *validator.Validator
	logger    logger.Logger
}

func NewLedgerHandler(service *ledger.Service, val *validator.Validator, log logger.Logger) *LedgerHandler {
	return &LedgerHandler{service: service, validator: val, logger: log}
}

type confirmDisbursementRequest struct {
	ExternalRef string `json:"external_ref" validate:"required,max=128"`
}

type failDisbursementRequest struct {
	Reason string `json:"reason" validate:"required,max=256"`
}

type withdrawalRequest struct {
	Coin        string          `json:"coin" validate:"required,coin"`
	Network     string          `json:"network" validate:"required,network"`
	Amount      decimal.Decimal `json:"amount" validate:"required,gt=0"`
	Destination string          `json:"destination" validate:"required,max=128"`
}

// ConfirmDisbursement records that a payout or withdrawal was sent on chain.
func (h *LedgerHandler) ConfirmDisbursement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req confirmDisbursementRequest
	if !decodeAndValidate(w, r, h.validator, &req) {
		return
	}

	tx, err := h.service.ConfirmDisbursement(r.Context(), id, strings.TrimSpace(req.ExternalRef))
	if err != nil {
		respondServiceError(w, h.logger, "confirm_disbursement", err, map[string]interface{}{
			"transaction_id": id,
		})
		return
	}
	respondJSON(w, http.StatusOK, tx)
}

func (h *LedgerHandler) FailDisbursement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req failDisbursementRequest
	if !decodeAndValidate(w, r, h.validator, &req) {
		return
	}

	tx, err := h.service.FailDisbursement(r.Context(), id, validator.Sanitize(req.Reason))
	if err != nil {
		respondServiceError(w, h.logger, "fail_disbursement", err, map[string]interface{}{
			"transaction_id": id,
		})
		return
	}
	respondJSON(w, http.StatusOK, tx)
}

// RequestWithdrawal asks for confirmed funds to be sent to an external address.
func (h *LedgerHandler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req withdrawalRequest
	if !decodeAndValidate(w, r, h.validator, &req) {
		return
	}

	tx, err := h.service.RequestWithdrawal(r.Context(), ledger.WithdrawalRequest{
		UserID:      userID,
		Coin:        req.Coin,
		Network:     req.Network,
		Amount:      req.Amount,
		Destination: strings.TrimSpace(req.Destination),
	})
	if err != nil {
		respondServiceError(w, h.logger, "request_withdrawal", err, map[string]interface{}{
			"user_id": userID,
			"amount":  req.Amount.String(),
		})
		return
	}
	respondJSON(w, http.StatusCreated, tx)
}

func (h *LedgerHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if !actingFor(r.Context(), userID) {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	limit, offset := pagination(r)

	txs, err := h.service.History(r.Context(), userID, limit, offset)
	if err != nil {
		respondServiceError(w, h.logger, "history", err, map[string]interface{}{"user_id": userID})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"limit":        limit,
		"offset":       offset,
	})
}

func (h *LedgerHandler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if !actingFor(r.Context(), userID) {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	coin := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("coin")))
	if coin == "" {
		coin = defaultCoin
	}

	bal, err := h.service.Balance(r.Context(), userID, coin)
	if err != nil {
		respondServiceError(w, h.logger, "balance", err, map[string]interface{}{"user_id": userID})
		return
	}
	respondJSON(w, http.StatusOK, bal)
}

// VerifyChain recomputes the user's ledger hash chain.
func (h *LedgerHandler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if !actingFor(r.Context(), userID) {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}

	report, err := h.service.VerifyChain(r.Context(), userID)
	if err != nil {
		respondServiceError(w, h.logger, "verify_chain", err, map[string]interface{}{"user_id": userID})
		return
	}
	respondJSON(w, http.StatusOK, report)
}
