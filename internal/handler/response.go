// Package handler exposes the engine over a JSON HTTP API.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"trimatrix/pkg/errors"
	"trimatrix/pkg/logger"
	"trimatrix/pkg/validator"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const maxBodyBytes = 1 << 20

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondValidationErrors(w http.ResponseWriter, errs map[string]string) {
	respondJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":             "Validation failed",
		"validation_errors": errs,
	})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrInvalidState),
		errors.Is(err, errors.ErrInvalidPlan),
		errors.Is(err, errors.ErrInvalidReferrer):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrPositionNotFound),
		errors.Is(err, errors.ErrTriangleNotFound),
		errors.Is(err, errors.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrAlreadyPlaced),
		errors.Is(err, errors.ErrDuplicateExternalRef),
		errors.Is(err, errors.ErrSlotTaken),
		errors.Is(err, errors.ErrDuplicateRequest),
		errors.Is(err, errors.ErrLockHeld):
		return http.StatusConflict
	case errors.Is(err, errors.ErrUnderpaid),
		errors.Is(err, errors.ErrAssetMismatch),
		errors.Is(err, errors.ErrUnknownDeposit),
		errors.Is(err, errors.ErrInsufficientBalance),
		errors.Is(err, errors.ErrNoEligibleTier),
		errors.Is(err, errors.ErrCapacityExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errors.ErrStorageConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondServiceError logs and writes err. Internal errors are not echoed to
// the client.
func respondServiceError(w http.ResponseWriter, log logger.Logger, op string, err error, fields map[string]interface{}) {
	status := statusFor(err)
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["operation"] = op
	fields["error"] = err.Error()
	fields["status"] = status

	message := err.Error()
	switch {
	case status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable:
		log.Error("Request failed", fields)
		message = "Internal server error"
	case status == http.StatusServiceUnavailable:
		log.Warn("Request hit storage contention", fields)
		w.Header().Set("Retry-After", "1")
		message = "Temporarily unavailable, retry"
	default:
		log.Debug("Request rejected", fields)
	}
	respondError(w, status, message)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, v *validator.Validator, dst interface{}) bool {
	if !decodeJSON(w, r, dst) {
		return false
	}
	if errs := v.ValidateStructured(dst); errs != nil {
		respondValidationErrors(w, errs)
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
