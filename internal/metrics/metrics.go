// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"trimatrix/pkg/errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trimatrix"

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight   prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	placements     *prometheus.CounterVec
	deposits       *prometheus.CounterVec
	settlements    *prometheus.CounterVec
	settleDuration prometheus.Histogram
	conflicts      prometheus.Counter
	outboxPending  prometheus.Gauge
	eventsRelayed  *prometheus.CounterVec
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "path"}),
		placements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "allocation",
			Name:      "placements_total",
			Help:      "Placement requests by outcome.",
		}, []string{"outcome"}),
		deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deposit",
			Name:      "confirmations_total",
			Help:      "Deposit confirmations by outcome.",
		}, []string{"outcome"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "settlements_total",
			Help:      "Triangle settlements by outcome.",
		}, []string{"outcome"}),
		settleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "duration_seconds",
			Help:      "Duration of one triangle settlement unit.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "conflicts_total",
			Help:      "Storage conflicts that triggered a unit-of-work retry.",
		}),
		outboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "pending_events",
			Help:      "Events waiting for dispatch.",
		}),
		eventsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events_relayed_total",
			Help:      "Relay attempts by event type and result.",
		}, []string{"type", "result"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled job runs.",
		}, []string{"job", "success"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_run_duration_seconds",
			Help:      "Duration of scheduled job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"job"}),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.placements,
		m.deposits,
		m.settlements,
		m.settleDuration,
		m.conflicts,
		m.outboxPending,
		m.eventsRelayed,
		m.jobRuns,
		m.jobDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncrementInFlight() { m.httpInFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.httpInFlight.Dec() }

func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *Metrics) RecordPlacement(err error) {
	m.placements.WithLabelValues(Outcome(err)).Inc()
}

func (m *Metrics) RecordDeposit(err error, duplicate bool) {
	outcome := Outcome(err)
	if duplicate && err == nil {
		outcome = "duplicate"
	}
	m.deposits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordSettlement(duration time.Duration, err error) {
	m.settlements.WithLabelValues(Outcome(err)).Inc()
	m.settleDuration.Observe(duration.Seconds())
}

// RecordConflict matches repository.ConflictObserver.
func (m *Metrics) RecordConflict(attempt int, err error) {
	m.conflicts.Inc()
}

func (m *Metrics) SetOutboxPending(n int) {
	m.outboxPending.Set(float64(n))
}

func (m *Metrics) RecordRelay(eventType string, err error) {
	result := "dispatched"
	if err != nil {
		result = "failed"
	}
	m.eventsRelayed.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) RecordJob(job string, duration time.Duration, err error) {
	m.jobRuns.WithLabelValues(job, strconv.FormatBool(err == nil)).Inc()
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

var outcomes = []struct {
	err   error
	label string
}{
	{errors.ErrAlreadyPlaced, "already_placed"},
	{errors.ErrNoEligibleTier, "no_eligible_tier"},
	{errors.ErrInvalidReferrer, "invalid_referrer"},
	{errors.ErrUnknownDeposit, "unknown_deposit"},
	{errors.ErrUnderpaid, "underpaid"},
	{errors.ErrAssetMismatch, "asset_mismatch"},
	{errors.ErrDuplicateExternalRef, "duplicate_external_ref"},
	{errors.ErrInvalidState, "invalid_state"},
	{errors.ErrStorageConflict, "storage_conflict"},
}

// Outcome maps an engine error onto a bounded label value.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	for _, o := range outcomes {
		if errors.Is(err, o.err) {
			return o.label
		}
	}
	return "error"
}
