package handler

import (
	"net/http"

	"trimatrix/internal/deposit"
	"trimatrix/internal/domain"
	"trimatrix/pkg/logger"
	"trimatrix/pkg/validator"

	"github.com/google/uuid"
)

type DepositHandler struct {
	reconciler *deposit.Reconciler
	validator  *validator.Validator
	metrics    Recorder
	logger     logger.Logger
}

func NewDepositHandler(reconciler *deposit.Reconciler, val *validator.Validator, rec Recorder, log logger.Logger) *DepositHandler {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &DepositHandler{reconciler: reconciler, validator: val, metrics: rec, logger: log}
}

type confirmationResponse struct {
	TransactionID     *uuid.UUID               `json:"transaction_id,omitempty"`
	Status            domain.TransactionStatus `json:"status,omitempty"`
	StatusReason      string                   `json:"status_reason,omitempty"`
	UnmatchedID       *uuid.UUID               `json:"unmatched_id,omitempty"`
	Duplicate         bool                     `json:"duplicate"`
	TriangleCompleted bool                     `json:"triangle_completed"`
	Error             string                   `json:"error,omitempty"`
}

// Confirm ingests a confirmed on-chain transfer from the chain observer.
// Replays of the same external reference return the original outcome with
// duplicate set.
func (h *DepositHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req deposit.Confirmation
	if !decodeAndValidate(w, r, h.validator, &req) {
		return
	}

	result, err := h.reconciler.Confirm(r.Context(), req)
	duplicate := result != nil && result.Duplicate
	h.metrics.RecordDeposit(err, duplicate)
	if result == nil {
		respondServiceError(w, h.logger, "confirm_deposit", err, map[string]interface{}{
			"external_ref": req.ExternalRef,
		})
		return
	}

	resp := confirmationResponse{
		Duplicate:         result.Duplicate,
		TriangleCompleted: result.TriangleCompleted,
	}
	if result.Transaction != nil {
		resp.TransactionID = &result.Transaction.ID
		resp.Status = result.Transaction.Status
		resp.StatusReason = result.Transaction.StatusReason
	}
	if result.Unmatched != nil {
		resp.UnmatchedID = &result.Unmatched.ID
		resp.StatusReason = result.Unmatched.Reason
	}

	status := http.StatusOK
	if err != nil {
		// Rejected and unmatched deposits are recorded, so the observer
		// must not resend them; the outcome still carries its error status.
		status = statusFor(err)
		resp.Error = err.Error()
	} else if !result.Duplicate {
		status = http.StatusCreated
	}
	respondJSON(w, status, resp)
}
