// Package observability provides Prometheus metrics for the activation
// pipeline.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// namespace is the Prometheus metric namespace prefix.
	namespace = "appliance_db_init"
)

// Metrics holds all Prometheus metrics for the provisioning workflow.
type Metrics struct {
	registry *prometheus.Registry

	// Stage metrics
	stagesTotal   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec

	// Activation outcome metrics
	activationsTotal *prometheus.CounterVec

	// Post-activation service metrics
	dependentServicesTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
// Uses a custom registry to avoid panics on re-run (not DefaultRegistry).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		stagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stages_total",
				Help:      "Total number of executed pipeline stages by stage and status",
			},
			[]string{"stage", "status"},
		),

		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"stage"},
		),

		activationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activations_total",
				Help:      "Total number of activation runs by status",
			},
			[]string{"status"},
		),

		dependentServicesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dependent_services_total",
				Help:      "Post-activation dependent service starts by status",
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(
		m.stagesTotal,
		m.stageDuration,
		m.activationsTotal,
		m.dependentServicesTotal,
	)

	return m
}

// RecordStage records one stage execution with its outcome and duration.
func (m *Metrics) RecordStage(stage, status string, duration time.Duration) {
	m.stagesTotal.WithLabelValues(stage, status).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordActivation records the outcome of an activation run.
func (m *Metrics) RecordActivation(status string) {
	m.activationsTotal.WithLabelValues(status).Inc()
}

// RecordDependentService records a post-activation service start outcome.
func (m *Metrics) RecordDependentService(status string) {
	m.dependentServicesTotal.WithLabelValues(status).Inc()
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the metric registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
