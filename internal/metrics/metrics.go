// Package metrics provides Prometheus instrumentation for the connection
// core. Every method is safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Frame directions.
const (
	Inbound  = "in"
	Outbound = "out"
)

// Metrics holds the server's collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec
	Units              *prometheus.CounterVec
	WebSocketFrames    *prometheus.CounterVec
	SendErrors         prometheus.Counter
	JournalWrites      *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, so several servers (or
// tests) can coexist in one process.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "cogserver"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently registered connections",
			},
			[]string{"mode"},
		),
		TotalConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of connections by outcome",
			},
			[]string{"mode", "status"},
		),
		ConnectionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Connection lifetime in seconds",
				Buckets:   []float64{.01, .1, 1, 10, 60, 300, 1800, 3600, 86400},
			},
			[]string{"mode"},
		),
		Units: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_total",
				Help:      "Total number of decoded lines or text messages delivered to handlers",
			},
			[]string{"mode"},
		),
		WebSocketFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "websocket_frames_total",
				Help:      "Total number of WebSocket frames by opcode",
			},
			[]string{"opcode", "direction"},
		),
		SendErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "send_errors_total",
				Help:      "Total number of failed writes to clients",
			},
		),
		JournalWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "journal_writes_total",
				Help:      "Total number of journal writes by backend and outcome",
			},
			[]string{"backend", "status"},
		),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ConnectionOpened(mode string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(mode).Inc()
}

// ConnectionClosed records the end of a connection. status is "ok" for a
// normal departure and "error" otherwise.
func (m *Metrics) ConnectionClosed(mode, status string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(mode).Dec()
	m.TotalConnections.WithLabelValues(mode, status).Inc()
	m.ConnectionDuration.WithLabelValues(mode).Observe(lifetime.Seconds())
}

// ConnectionRejected counts a connection refused before it was registered.
func (m *Metrics) ConnectionRejected(mode string) {
	if m == nil {
		return
	}
	m.TotalConnections.WithLabelValues(mode, "rejected").Inc()
}

func (m *Metrics) Unit(mode string) {
	if m == nil {
		return
	}
	m.Units.WithLabelValues(mode).Inc()
}

func (m *Metrics) Frame(opcode, direction string) {
	if m == nil {
		return
	}
	m.WebSocketFrames.WithLabelValues(opcode, direction).Inc()
}

func (m *Metrics) SendError() {
	if m == nil {
		return
	}
	m.SendErrors.Inc()
}

func (m *Metrics) JournalWrite(backend string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.JournalWrites.WithLabelValues(backend, status).Inc()
}
