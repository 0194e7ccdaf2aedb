// Package metrics provides Prometheus metrics for the administration engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	// ScansTotal counts medication scans by outcome (success, warning,
	// error, blocked, danger).
	ScansTotal *prometheus.CounterVec
	// ScanDuration measures time from scan request to classification.
	ScanDuration prometheus.Histogram
	// OpenWorkflows tracks sessions waiting on a medication scan.
	OpenWorkflows prometheus.Gauge
	// ParseFallbacks counts periodicity strings that fell back to the
	// default interval.
	ParseFallbacks prometheus.Counter
	// ProtocolBlocks counts scans refused by the follow-up protocol gate.
	ProtocolBlocks prometheus.Counter
	// AssessmentPrompts counts pain-assessment prompts requested.
	AssessmentPrompts prometheus.Counter
	// EventsPublished counts stream events published by the relay.
	EventsPublished prometheus.Counter
	// EventsConsumed counts stream events handled by the dispatcher.
	EventsConsumed prometheus.Counter
	// OutboxPending gauges unpublished outbox entries.
	OutboxPending prometheus.Gauge
	// CircuitBreakerState exposes breaker state (0=closed, 1=open,
	// 2=half-open) per collaborator.
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		ScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mar_scans_total",
			Help: "Medication scans by outcome",
		}, []string{"outcome"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mar_scan_duration_seconds",
			Help:    "Scan classification duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		OpenWorkflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mar_open_workflows",
			Help: "Sessions with a patient scanned and no medication decision yet",
		}),
		ParseFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mar_periodicity_fallbacks_total",
			Help: "Periodicity strings that fell back to the default interval",
		}),
		ProtocolBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mar_protocol_blocks_total",
			Help: "Scans refused by the follow-up protocol gate",
		}),
		AssessmentPrompts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mar_assessment_prompts_total",
			Help: "Pain assessment prompts requested",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mar_events_published_total",
			Help: "Stream events published",
		}),
		EventsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mar_events_consumed_total",
			Help: "Stream events consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mar_outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mar_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.ScansTotal,
		m.ScanDuration,
		m.OpenWorkflows,
		m.ParseFallbacks,
		m.ProtocolBlocks,
		m.AssessmentPrompts,
		m.EventsPublished,
		m.EventsConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveScan records one scan outcome.
func (m *Metrics) ObserveScan(outcome string, seconds float64) {
	m.ScansTotal.WithLabelValues(outcome).Inc()
	m.ScanDuration.Observe(seconds)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
