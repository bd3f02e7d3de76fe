// Package metrics records store round trips and run operations with
// Prometheus. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the collectors curate records into
type Metrics struct {
	Registry *prometheus.Registry

	aggregations        *prometheus.CounterVec
	aggregationDuration *prometheus.HistogramVec
	aggregationErrors   *prometheus.CounterVec
	runOperations       *prometheus.CounterVec
}

// Config configures New
type Config struct {
	// EnableDefaultCollectors adds the Go runtime and process collectors
	EnableDefaultCollectors bool
}

// New creates a registry with every curate collector registered
func New(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()
	if cfg.EnableDefaultCollectors {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		Registry: registry,
		aggregations: createCounterVec(
			"curate_aggregations_total",
			"Number of aggregation requests sent to the backing store",
			[]string{"operation"},
		),
		aggregationDuration: createHistogramVec(
			"curate_aggregation_duration_seconds",
			"Time to open an aggregation cursor",
			[]string{"operation"},
			prometheus.DefBuckets,
		),
		aggregationErrors: createCounterVec(
			"curate_aggregation_errors_total",
			"Number of aggregation requests that failed",
			[]string{"operation"},
		),
		runOperations: createCounterVec(
			"curate_run_operations_total",
			"Number of run framework operations",
			[]string{"kind", "operation"},
		),
	}
	registry.MustRegister(m.aggregations, m.aggregationDuration, m.aggregationErrors, m.runOperations)
	return m
}

// ObserveAggregation records one aggregation round trip
func (m *Metrics) ObserveAggregation(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.aggregations.WithLabelValues(operation).Inc()
	m.aggregationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		m.aggregationErrors.WithLabelValues(operation).Inc()
	}
}

// RunOperation records a run framework operation
func (m *Metrics) RunOperation(kind, operation string) {
	if m == nil {
		return
	}
	m.runOperations.WithLabelValues(kind, operation).Inc()
}

func createCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
}

func createHistogramVec(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: buckets,
		},
		labels,
	)
}
