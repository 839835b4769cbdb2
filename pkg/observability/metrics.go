// Package observability holds the Prometheus metrics and OpenTelemetry spans of a
// scrape run.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "nls"

// Persist outcomes used as the status label of nls_persist_total.
const (
	PersistStatusOK     = "ok"
	PersistStatusFailed = "failed"
	PersistStatusFatal  = "fatal"
)

// Run outcomes used as the status label of nls_runs_total.
const (
	RunStatusCompleted = "completed"
	RunStatusAborted   = "aborted"
	RunStatusCancelled = "cancelled"
)

// Metrics holds all Prometheus metrics of the harvester.
type Metrics struct {
	// Fetch metrics
	FetchRequestsTotal *prometheus.CounterVec
	FetchSeconds       prometheus.Histogram
	FetchInflight      prometheus.Gauge
	FetchFiltered      prometheus.Counter

	// Persistence metrics
	PersistTotal   *prometheus.CounterVec
	PersistSeconds prometheus.Histogram

	// Run metrics
	RunsTotal   *prometheus.CounterVec
	RunCities   *prometheus.GaugeVec
	LastRunTime prometheus.Gauge
}

// NewMetrics registers the harvester metrics on reg. A nil reg yields metrics
// that are recorded but never exported.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FetchRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "fetch_requests_total",
				Help:      "Detail page requests by result kind",
			},
			[]string{"kind"},
		),
		FetchSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Detail page fetch and extraction latency",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		),
		FetchInflight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "fetch_inflight",
				Help:      "Detail page requests currently unresolved",
			},
		),
		FetchFiltered: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "fetch_filtered_total",
				Help:      "Listing references dropped before any request",
			},
		),

		PersistTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "persist_total",
				Help:      "Records handed to the upsert engine by outcome",
			},
			[]string{"status"},
		),
		PersistSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "persist_duration_seconds",
				Help:      "Time to persist one record",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
		),

		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "runs_total",
				Help:      "Scrape runs by final status",
			},
			[]string{"status"},
		),
		RunCities: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "last_run_cities",
				Help:      "City counters of the most recent run",
			},
			[]string{"outcome"},
		),
		LastRunTime: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "last_run_completed_timestamp_seconds",
				Help:      "Unix time the most recent run completed",
			},
		),
	}
}

// NewNopMetrics returns metrics bound to a private registry.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// RecordFetch records one resolved detail request.
func (m *Metrics) RecordFetch(kind string, seconds float64) {
	m.FetchRequestsTotal.WithLabelValues(kind).Inc()
	m.FetchSeconds.Observe(seconds)
}

// RecordPersist records one persisted (or rejected) record.
func (m *Metrics) RecordPersist(status string, seconds float64) {
	m.PersistTotal.WithLabelValues(status).Inc()
	m.PersistSeconds.Observe(seconds)
}

// RecordRun records the outcome and counters of a finished run.
func (m *Metrics) RecordRun(status string, total, successes, failures, empty int, completedUnix float64) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunCities.WithLabelValues("total").Set(float64(total))
	m.RunCities.WithLabelValues("success").Set(float64(successes))
	m.RunCities.WithLabelValues("failure").Set(float64(failures))
	m.RunCities.WithLabelValues("empty").Set(float64(empty))
	m.LastRunTime.Set(completedUnix)
}
