package handler

import (
	"context"
	"net/http"
	"time"

	"trimatrix/pkg/logger"
)

// Check probes one dependency for readiness.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type SystemHandler struct {
	checks    []Check
	logger    logger.Logger
	startTime time.Time
}

func NewSystemHandler(checks []Check, log logger.Logger) *SystemHandler {
	return &SystemHandler{checks: checks, logger: log, startTime: time.Now()}
}

type checkStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // operational, degraded, outage
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

// Ready reports 503 when any dependency check fails.
func (h *SystemHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	ready := true
	statuses := make([]checkStatus, 0, len(h.checks))
	for _, c := range h.checks {
		start := time.Now()
		err := c.Ping(ctx)
		st := checkStatus{Name: c.Name, Status: "operational", LatencyMs: time.Since(start).Milliseconds()}
		switch {
		case err != nil:
			ready = false
			st.Status = "outage"
			st.Error = err.Error()
			h.logger.Error("Readiness check failed", map[string]interface{}{
				"check": c.Name,
				"error": err.Error(),
			})
		case st.LatencyMs > 200:
			st.Status = "degraded"
		}
		statuses = append(statuses, st)
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]interface{}{"ready": ready, "checks": statuses})
}
