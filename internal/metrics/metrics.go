// Package metrics: prometheus collectors for the dispatch agent.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes (status label).
const (
	StatusOK        = "ok"
	StatusBadFrame  = "bad_frame"
	StatusHandler   = "handler_error"
	StatusInternal  = "internal_error"
	StatusTransport = "transport_error"
)

// Metrics: one registry per agent so tests and multiple agents do not collide.
type Metrics struct {
	reg      *prometheus.Registry
	requests *prometheus.CounterVec
	faults   *prometheus.CounterVec
	sessions prometheus.Gauge
	duration prometheus.Histogram
}

// New registers collectors; node is attached as a constant label.
func New(node string) *Metrics {
	labels := prometheus.Labels{}
	if node != "" {
		labels["node"] = node
	}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "shadownet_requests_total",
			Help:        "Dispatch requests handled, by outcome",
			ConstLabels: labels,
		}, []string{"status"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "shadownet_fault_total",
			Help:        "Fault replies sent, by code",
			ConstLabels: labels,
		}, []string{"code"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "shadownet_sessions_active",
			Help:        "Open client connections",
			ConstLabels: labels,
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "shadownet_request_duration_seconds",
			Help:        "Time from request read to reply written",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
	m.reg.MustRegister(m.requests, m.faults, m.sessions, m.duration,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Request records one request outcome and its latency.
func (m *Metrics) Request(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(status).Inc()
	m.duration.Observe(d.Seconds())
}

// Fault counts a fault reply.
func (m *Metrics) Fault(code string) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(code).Inc()
}

// SessionOpened / SessionClosed track active connections.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

// Registry for exposition and tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves /metrics for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
