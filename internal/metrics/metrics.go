// Package metrics holds the Prometheus collectors of the synchronizer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pushwatch"

// Metrics groups the collectors registered on one registry
type Metrics struct {
	registry *prometheus.Registry

	Notifications   *prometheus.CounterVec
	BackendRequests *prometheus.CounterVec
	JobsApplied     *prometheus.CounterVec
	PushesLoaded    *prometheus.CounterVec
	JobPollers      *prometheus.GaugeVec
	JobsUnavailable *prometheus.CounterVec
}

// New creates the collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Job notifications received, by repository and queue outcome.",
		}, []string{"repo", "outcome"}),
		BackendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Backend API calls, by operation and result.",
		}, []string{"op", "result"}),
		JobsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_applied_total",
			Help:      "Jobs created or merged into the repository map.",
		}, []string{"repo"}),
		PushesLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_loaded_total",
			Help:      "Pushes added to the repository map.",
		}, []string{"repo"}),
		JobPollers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_pollers",
			Help:      "Pushes currently registered with the job poller.",
		}, []string{"repo"}),
		JobsUnavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_unavailable_total",
			Help:      "Job guids the backend did not return after a retry.",
		}, []string{"repo"}),
	}

	reg.MustRegister(
		m.Notifications,
		m.BackendRequests,
		m.JobsApplied,
		m.PushesLoaded,
		m.JobPollers,
		m.JobsUnavailable,
		collectors.NewGoCollector(),
	)
	return m
}

// ObserveRequest counts one backend call
func (m *Metrics) ObserveRequest(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BackendRequests.WithLabelValues(op, result).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
