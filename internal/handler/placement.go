package handler

import (
	"context"
	"net/http"
	"time"

	"trimatrix/internal/allocation"
	"trimatrix/internal/middleware"
	"trimatrix/pkg/logger"
	"trimatrix/pkg/validator"

	"github.com/google/uuid"
)

// Recorder receives business outcome measurements.
type Recorder interface {
	RecordPlacement(err error)
	RecordDeposit(err error, duplicate bool)
	RecordSettlement(duration time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordPlacement(error)                 {}
func (nopRecorder) RecordDeposit(error, bool)             {}
func (nopRecorder) RecordSettlement(time.Duration, error) {}

// actingFor reports whether the caller may act on userID's behalf.
func actingFor(ctx context.Context, userID uuid.UUID) bool {
	if role, _ := middleware.RoleFromContext(ctx); role == middleware.RoleAdmin {
		return true
	}
	caller, ok := middleware.UserIDFromContext(ctx)
	return ok && caller == userID
}

type PlacementHandler struct {
	engine    *allocation.Engine
	validator *validator.Validator
	metrics   Recorder
	logger    logger.Logger
}

func NewPlacementHandler(engine *allocation.Engine, val *validator.Validator, rec Recorder, log logger.Logger) *PlacementHandler {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &PlacementHandler{engine: engine, validator: val, metrics: rec, logger: log}
}

type placementRequest struct {
	// UserID defaults to the caller. Only admins may place someone else.
	UserID     *uuid.UUID `json:"user_id,omitempty"`
	Tier       int        `json:"tier" validate:"gte=0"`
	ReferrerID *uuid.UUID `json:"referrer_id,omitempty"`
	Promoted   bool       `json:"promoted"`
}

// Place assigns the participant to the lowest open slot at the tier.
func (h *PlacementHandler) Place(w http.ResponseWriter, r *http.Request) {
	var req placementRequest
	if !decodeAndValidate(w, r, h.validator, &req) {
		return
	}

	caller, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	userID := caller
	if req.UserID != nil {
		userID = *req.UserID
	}
	if !actingFor(r.Context(), userID) {
		respondError(w, http.StatusForbidden, "Cannot place another participant")
		return
	}

	placement, err := h.engine.Place(r.Context(), allocation.Request{
		UserID:     userID,
		Tier:       req.Tier,
		ReferrerID: req.ReferrerID,
		Promoted:   req.Promoted,
	})
	h.metrics.RecordPlacement(err)
	if err != nil {
		respondServiceError(w, h.logger, "place", err, map[string]interface{}{
			"user_id": userID,
			"tier":    req.Tier,
		})
		return
	}

	respondJSON(w, http.StatusCreated, placement)
}
