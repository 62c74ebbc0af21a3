package handler

import (
	"net/http"
	"strconv"

	"trimatrix/internal/query"
	"trimatrix/pkg/logger"
)

type QueryHandler struct {
	service *query.Service
	logger  logger.Logger
}

func NewQueryHandler(service *query.Service, log logger.Logger) *QueryHandler {
	return &QueryHandler{service: service, logger: log}
}

func (h *QueryHandler) Position(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.service.Position(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, "get_position", err, map[string]interface{}{"position_id": id})
		return
	}
	if p.OccupantUserID != nil && !actingFor(r.Context(), *p.OccupantUserID) {
		p.DepositAddress = nil
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *QueryHandler) Triangle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	view, err := h.service.Triangle(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, "get_triangle", err, map[string]interface{}{"triangle_id": id})
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (h *QueryHandler) Children(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	children, err := h.service.Children(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, "get_children", err, map[string]interface{}{"triangle_id": id})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"children": children})
}

func (h *QueryHandler) UserPositions(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if !actingFor(r.Context(), userID) {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}
	positions, err := h.service.UserPositions(r.Context(), userID)
	if err != nil {
		respondServiceError(w, h.logger, "user_positions", err, map[string]interface{}{"user_id": userID})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

// AdminQueue lists unmatched deposits, failed deposits and stale positions.
func (h *QueryHandler) AdminQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := h.service.AdminQueue(r.Context())
	if err != nil {
		respondServiceError(w, h.logger, "admin_queue", err, nil)
		return
	}
	respondJSON(w, http.StatusOK, queue)
}

func (h *QueryHandler) StalePositions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	stale, err := h.service.StalePositions(r.Context(), limit)
	if err != nil {
		respondServiceError(w, h.logger, "stale_positions", err, nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"positions": stale})
}
