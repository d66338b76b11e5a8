// Package metrics defines the Prometheus collectors used by the pipeline and
// exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	WebhookDeliveries *prometheus.CounterVec
	QueueLength       prometheus.Gauge
	QueueEvents       *prometheus.CounterVec

	CollectionRuns      *prometheus.CounterVec
	CollectionDuration  prometheus.Histogram
	SourceFailures      *prometheus.CounterVec
	LockContention      *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	PoolSizeUSD *prometheus.GaugeVec
}

// New creates and registers all collectors with reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		WebhookDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ris_webhook_deliveries_total",
				Help: "Webhook deliveries by event type and outcome (queued, installation, ignored, rejected).",
			},
			[]string{"event_type", "outcome"},
		),
		QueueLength: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ris_webhook_queue_length",
				Help: "Events waiting in the webhook queue after the last drain.",
			},
		),
		QueueEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ris_webhook_queue_events_total",
				Help: "Dequeued webhook events by result (applied, duplicate, failed).",
			},
			[]string{"result"},
		),
		CollectionRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ris_collection_runs_total",
				Help: "Baseline collections by final status.",
			},
			[]string{"status"},
		),
		CollectionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ris_collection_duration_seconds",
				Help:    "Duration of one library's baseline collection.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		SourceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ris_source_failures_total",
				Help: "Failed source fetches by source.",
			},
			[]string{"source"},
		),
		LockContention: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ris_lock_contention_total",
				Help: "Lock acquisitions refused because the lock was held, by scope (global, library).",
			},
			[]string{"scope"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		PoolSizeUSD: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ris_pool_size_usd",
				Help: "Last computed quarterly pool size by category (total, ris, cis, cois).",
			},
			[]string{"pool"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.WebhookDeliveries,
		m.QueueLength,
		m.QueueEvents,
		m.CollectionRuns,
		m.CollectionDuration,
		m.SourceFailures,
		m.LockContention,
		m.CircuitBreakerState,
		m.PoolSizeUSD,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
