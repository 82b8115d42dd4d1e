// Package metrics exposes decoy activity as prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "honeyhive"

type Metrics struct {
	registry *prometheus.Registry

	connections     *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	activeSessions  *prometheus.GaugeVec
	sessionDuration *prometheus.HistogramVec
	events          *prometheus.CounterVec
	detections      *prometheus.CounterVec
	running         prometheus.Gauge
	apiRequests     *prometheus.CounterVec
	apiDuration     *prometheus.HistogramVec
}

// New builds the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "listener",
				Name:      "connections_total",
				Help:      "Accepted attacker connections.",
			},
			[]string{"instance", "type"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "listener",
				Name:      "rejected_total",
				Help:      "Connections closed because the instance was at its connection cap.",
			},
			[]string{"instance", "type"},
		),
		activeSessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "listener",
				Name:      "active_sessions",
				Help:      "Sessions currently open.",
			},
			[]string{"instance", "type"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "listener",
				Name:      "session_duration_seconds",
				Help:      "Attacker session duration in seconds.",
				Buckets:   []float64{0.1, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"instance", "type"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "recorded_total",
				Help:      "Events written to instance logs.",
			},
			[]string{"instance", "category"},
		),
		detections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "detections_total",
				Help:      "Events tagged by the detection rules.",
			},
			[]string{"instance", "tag"},
		),
		running: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "supervisor",
				Name:      "running_instances",
				Help:      "Instances with a live listener.",
			},
		),
		apiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total management API requests.",
			},
			[]string{"method", "path", "status"},
		),
		apiDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Management API request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}

	m.registry.MustRegister(
		m.connections, m.rejected, m.activeSessions, m.sessionDuration,
		m.events, m.detections, m.running, m.apiRequests, m.apiDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened(instanceID, typeID string) {
	m.connections.WithLabelValues(instanceID, typeID).Inc()
	m.activeSessions.WithLabelValues(instanceID, typeID).Inc()
}

func (m *Metrics) ConnectionClosed(instanceID, typeID string, d time.Duration) {
	m.activeSessions.WithLabelValues(instanceID, typeID).Dec()
	m.sessionDuration.WithLabelValues(instanceID, typeID).Observe(d.Seconds())
}

func (m *Metrics) ConnectionRejected(instanceID, typeID string) {
	m.rejected.WithLabelValues(instanceID, typeID).Inc()
}

func (m *Metrics) EventRecorded(instanceID, category, tag string) {
	m.events.WithLabelValues(instanceID, category).Inc()
	if tag != "" {
		m.detections.WithLabelValues(instanceID, tag).Inc()
	}
}

func (m *Metrics) SetRunning(n int) {
	m.running.Set(float64(n))
}

// Forget drops the per-instance series of a deleted instance.
func (m *Metrics) Forget(instanceID string) {
	labels := prometheus.Labels{"instance": instanceID}
	m.connections.DeletePartialMatch(labels)
	m.rejected.DeletePartialMatch(labels)
	m.activeSessions.DeletePartialMatch(labels)
	m.sessionDuration.DeletePartialMatch(labels)
	m.events.DeletePartialMatch(labels)
	m.detections.DeletePartialMatch(labels)
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.apiRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.apiDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
