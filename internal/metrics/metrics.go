// Package metrics exposes Prometheus instrumentation for the pipeline.
// Recording is fire-and-forget: nothing here returns an error and nothing
// here may fail the operation being measured.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles all pipeline metrics behind one Prometheus registry so
// callers can run more than one instance in tests without collisions.
type Registry struct {
	reg *prometheus.Registry

	Deployments        *prometheus.CounterVec
	Rollbacks          *prometheus.CounterVec
	Validations        *prometheus.CounterVec
	CircuitTransitions *prometheus.CounterVec
	IncidentsOpen      prometheus.Gauge
	DispatchLatency    *prometheus.HistogramVec
	SandboxDuration    prometheus.Histogram
}

// New constructs a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		Deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capsmith_deployments_total",
			Help: "Deployment attempts by outcome.",
		}, []string{"outcome"}),
		Rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capsmith_rollbacks_total",
			Help: "Rollbacks by reason.",
		}, []string{"reason"}),
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capsmith_validations_total",
			Help: "Validation pipeline runs by outcome.",
		}, []string{"outcome"}),
		CircuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capsmith_circuit_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"route", "to"}),
		IncidentsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capsmith_incidents_open",
			Help: "Currently open incidents.",
		}),
		DispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capsmith_dispatch_duration_seconds",
			Help:    "Latency of dynamically dispatched capability calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		SandboxDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "capsmith_sandbox_duration_seconds",
			Help:    "Wall-clock duration of sandbox executions.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		r.Deployments, r.Rollbacks, r.Validations, r.CircuitTransitions,
		r.IncidentsOpen, r.DispatchLatency, r.SandboxDuration,
	)
	return r
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
