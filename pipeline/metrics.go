package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the pipeline.
type Metrics struct {
	Registry       *prometheus.Registry
	SearchesTotal  *prometheus.CounterVec
	CooldownsTotal *prometheus.CounterVec
	OutcomesTotal  *prometheus.CounterVec
	ErrorsTotal    *prometheus.CounterVec
	FetchDuration  prometheus.Histogram
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	searches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_searches_total",
			Help: "Search queries issued, by backend.",
		},
		[]string{"backend"},
	)
	cooldowns := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_backend_cooldowns_total",
			Help: "Times a backend was put into cooldown.",
		},
		[]string{"backend"},
	)
	outcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_identifiers_total",
			Help: "Identifier outcomes by class.",
		},
		[]string{"outcome"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_errors_total",
			Help: "Errors encountered, by type.",
		},
		[]string{"error_type"},
	)
	fetchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_fetch_duration_seconds",
			Help:    "Product-page fetch latency.",
			Buckets: prometheus.DefBuckets,
		},
	)

	registry.MustRegister(searches, cooldowns, outcomes, errorsTotal, fetchDuration)

	return &Metrics{
		Registry:       registry,
		SearchesTotal:  searches,
		CooldownsTotal: cooldowns,
		OutcomesTotal:  outcomes,
		ErrorsTotal:    errorsTotal,
		FetchDuration:  fetchDuration,
	}
}

// IncSearch counts one query against a backend.
func (m *Metrics) IncSearch(backend string) {
	if m == nil {
		return
	}
	m.SearchesTotal.WithLabelValues(backend).Inc()
}

// IncCooldown counts a backend entering cooldown.
func (m *Metrics) IncCooldown(backend string) {
	if m == nil {
		return
	}
	m.CooldownsTotal.WithLabelValues(backend).Inc()
}

// IncOutcome counts a terminal identifier outcome.
func (m *Metrics) IncOutcome(outcome string) {
	if m == nil {
		return
	}
	m.OutcomesTotal.WithLabelValues(outcome).Inc()
}

// IncError counts an error by classified type.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// ObserveFetch records a product-page fetch duration.
func (m *Metrics) ObserveFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.Observe(d.Seconds())
}
