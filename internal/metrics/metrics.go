// Package metrics holds the prometheus collectors for the workspace server.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devspace"

// Metrics groups every collector the server exports.
type Metrics struct {
	registry *prometheus.Registry

	connections         prometheus.Gauge
	connectionsRejected *prometheus.CounterVec
	terminalSessions    prometheus.Gauge
	runningProcesses    prometheus.Gauge
	allocatedPorts      prometheus.Gauge
	eventsPublished     *prometheus.CounterVec
	subscribersDropped  *prometheus.CounterVec
	commandDuration     *prometheus.HistogramVec
}

// New builds a Metrics with its own registry, including Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Open realtime connections",
		}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connections_rejected_total",
			Help:      "Realtime connections rejected during authentication",
		}, []string{"reason"}),
		terminalSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "terminal",
			Name:      "sessions",
			Help:      "Live terminal sessions",
		}),
		runningProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "running",
			Help:      "Dev server processes in the running state",
		}),
		allocatedPorts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "allocated_ports",
			Help:      "Ports currently allocated from the pool",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published to the broker",
		}, []string{"type"}),
		subscribersDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "subscribers_dropped_total",
			Help:      "Subscriptions dropped because their buffer was full",
		}, []string{"project"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "command_duration_seconds",
			Help:      "Duration of one-shot commands",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.connectionsRejected,
		m.terminalSessions,
		m.runningProcesses,
		m.allocatedPorts,
		m.eventsPublished,
		m.subscribersDropped,
		m.commandDuration,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) ConnectionRejected(reason string) {
	if m != nil {
		m.connectionsRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.terminalSessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.terminalSessions.Dec()
	}
}

func (m *Metrics) ProcessRunning() {
	if m != nil {
		m.runningProcesses.Inc()
	}
}

func (m *Metrics) ProcessStopped() {
	if m != nil {
		m.runningProcesses.Dec()
	}
}

func (m *Metrics) SetAllocatedPorts(n int) {
	if m != nil {
		m.allocatedPorts.Set(float64(n))
	}
}

func (m *Metrics) EventPublished(eventType string) {
	if m != nil {
		m.eventsPublished.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) SubscriberDropped(projectID string) {
	if m != nil {
		m.subscribersDropped.WithLabelValues(projectID).Inc()
	}
}

func (m *Metrics) ObserveCommand(outcome string, seconds float64) {
	if m != nil {
		m.commandDuration.WithLabelValues(outcome).Observe(seconds)
	}
}
