// Package metrics exposes Prometheus collectors for the bus, the job store,
// and the pipeline stages. Every method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docqa"

// Metrics owns a private registry so that several instances can coexist
// within one process (tests construct one per case).
type Metrics struct {
	registry *prometheus.Registry

	messages        *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	activeLanes     prometheus.Gauge
}

// New creates and registers all collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_total",
			Help:      "Messages delivered by the bus, by type.",
		}, []string{"type"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_handler_failures_total",
			Help:      "Handler failures captured as agent errors.",
		}, []string{"handler", "kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job status transitions, by job kind and target status.",
		}, []string{"kind", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages (extract, embed, index, retrieve, generate).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		activeLanes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_active_lanes",
			Help:      "Trace lanes currently draining.",
		}),
	}
	m.registry.MustRegister(
		m.messages, m.handlerFailures, m.transitions, m.stageDuration, m.activeLanes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) MessageDelivered(msgType string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(msgType).Inc()
}

func (m *Metrics) HandlerFailed(handler, kind string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(handler, kind).Inc()
}

func (m *Metrics) JobTransition(kind, status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, status).Inc()
}

// ObserveStage records how long a stage took since start.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (m *Metrics) LaneOpened() {
	if m == nil {
		return
	}
	m.activeLanes.Inc()
}

func (m *Metrics) LaneClosed() {
	if m == nil {
		return
	}
	m.activeLanes.Dec()
}
