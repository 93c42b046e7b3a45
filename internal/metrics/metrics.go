// Package metrics holds the Prometheus collectors for the daemon. All methods
// are safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vcd"

type Metrics struct {
	registry *prometheus.Registry

	runs            *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	approvals       *prometheus.CounterVec
	summaries       *prometheus.CounterVec
	summaryDuration *prometheus.HistogramVec
	messages        *prometheus.CounterVec
	connections     prometheus.Gauge
	ptyRunning      prometheus.Gauge
}

// New registers every collector on a fresh registry, together with the Go
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Subprocess runs by entry point and outcome.",
		}, []string{"source", "outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of subprocess runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"source"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Approval requests by resolution.",
		}, []string{"outcome"}),
		summaries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_total",
			Help:      "Summarization passes by engine and outcome.",
		}, []string{"engine", "outcome"}),
		summaryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "summary_duration_seconds",
			Help:      "Wall time of summarization passes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"engine"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Inbound websocket messages by type.",
		}, []string{"type"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open websocket connections.",
		}),
		ptyRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pty_running",
			Help:      "1 while the shared terminal session is running.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs, m.runDuration, m.approvals, m.summaries, m.summaryDuration,
		m.messages, m.connections, m.ptyRunning,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRun(source, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(source, outcome).Inc()
	m.runDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) ObserveApproval(outcome string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSummary(engine, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.summaries.WithLabelValues(engine, outcome).Inc()
	m.summaryDuration.WithLabelValues(engine).Observe(d.Seconds())
}

func (m *Metrics) CountMessage(msgType string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(msgType).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) SetPTYRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.ptyRunning.Set(1)
	} else {
		m.ptyRunning.Set(0)
	}
}
