// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures request latency in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// ActiveConnections tracks current active connections.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Number of active connections",
		},
	)

	// VerdictsTotal counts admission decisions by outcome.
	VerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_verdicts_total",
			Help: "Total number of rate limit verdicts by outcome",
		},
		[]string{"outcome"},
	)

	// UnauthenticatedTotal counts rejected credentials by reason.
	UnauthenticatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_unauthenticated_total",
			Help: "Total number of requests rejected before the rate limiter",
		},
		[]string{"reason"},
	)

	// StoreOpDuration measures counter store command latency.
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "counter_store_op_duration_seconds",
			Help:    "Counter store command duration in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"op"},
	)

	// StoreErrorsTotal counts failed counter store commands.
	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "counter_store_errors_total",
			Help: "Total number of failed counter store commands",
		},
		[]string{"op"},
	)

	// UsageFlushesTotal counts usage ledger flushes by result.
	UsageFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_flushes_total",
			Help: "Total number of usage ledger flushes",
		},
		[]string{"result"},
	)

	// UsageDroppedTotal counts verdicts the usage ledger could not buffer.
	UsageDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usage_dropped_total",
			Help: "Total number of verdicts dropped by the usage ledger",
		},
	)
)

// Verdict outcomes.
const (
	OutcomeAllowed     = "allowed"
	OutcomeDenied      = "denied"
	OutcomeUnavailable = "unavailable"
	OutcomeFailOpen    = "fail_open"
	OutcomeError       = "error"
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records an HTTP request metric.
func RecordRequest(method, path string, status int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordVerdict records an admission decision.
func RecordVerdict(outcome string) {
	VerdictsTotal.WithLabelValues(outcome).Inc()
}

// RecordUnauthenticated records a rejected credential.
func RecordUnauthenticated(reason string) {
	UnauthenticatedTotal.WithLabelValues(reason).Inc()
}

// RecordStoreOp records a counter store command and whether it failed.
func RecordStoreOp(op string, duration time.Duration, failed bool) {
	StoreOpDuration.WithLabelValues(op).Observe(duration.Seconds())
	if failed {
		StoreErrorsTotal.WithLabelValues(op).Inc()
	}
}

// RecordUsageFlush records a usage ledger flush.
func RecordUsageFlush(failed bool) {
	result := "ok"
	if failed {
		result = "error"
	}
	UsageFlushesTotal.WithLabelValues(result).Inc()
}

// RecordUsageDropped records a verdict the usage ledger dropped.
func RecordUsageDropped() {
	UsageDroppedTotal.Inc()
}
