package codeassist

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tool call outcomes recorded by Metrics.ToolCall.
const (
	ToolOutcomeOK       = "ok"
	ToolOutcomeFallback = "fallback"
	ToolOutcomeError    = "error"
)

// Metrics instruments the server with Prometheus collectors. All methods are
// nil-safe: a nil *Metrics disables instrumentation, so call sites never need
// a guard.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	toolCalls        *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	sessionsReaped   prometheus.Counter
	transportClients *prometheus.GaugeVec
}

// NewMetrics creates the server's collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codeassist_requests_total",
			Help: "Total protocol requests by method and status",
		}, []string{"method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codeassist_request_duration_seconds",
			Help:    "Request handling duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~32s
		}, []string{"method"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codeassist_tool_calls_total",
			Help: "Total tool invocations by tool and outcome",
		}, []string{"tool", "outcome"}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "codeassist_sessions_active",
			Help: "Session contexts currently resident in memory",
		}),
		sessionsReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "codeassist_sessions_reaped_total",
			Help: "Total session contexts removed by expiry",
		}),
		transportClients: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "codeassist_transport_clients",
			Help: "Connected clients by transport",
		}, []string{"transport"}),
	}
}

// RequestObserved records one handled request.
func (m *Metrics) RequestObserved(method, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, status).Inc()
	m.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ToolCall records one tool invocation and its outcome.
func (m *Metrics) ToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
}

// SessionOpened records a session context entering the memory tier.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionClosed records a session context leaving the memory tier.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// SessionsReaped records sessions removed by an expiry sweep.
func (m *Metrics) SessionsReaped(n int) {
	if m == nil {
		return
	}
	m.sessionsReaped.Add(float64(n))
}

// ClientConnected records a client attaching to a transport.
func (m *Metrics) ClientConnected(transport string) {
	if m == nil {
		return
	}
	m.transportClients.WithLabelValues(transport).Inc()
}

// ClientDisconnected records a client detaching from a transport.
func (m *Metrics) ClientDisconnected(transport string) {
	if m == nil {
		return
	}
	m.transportClients.WithLabelValues(transport).Dec()
}
