package codeassist_test

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	codeassist "github.com/MegaGrindStone/go-codeassist"
)

func TestMetrics_RequestObserved(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := codeassist.NewMetrics(reg)

	m.RequestObserved("tools/call", "ok", 5*time.Millisecond)
	m.RequestObserved("tools/call", "ok", 8*time.Millisecond)
	m.RequestObserved("tools/list", "error", time.Millisecond)

	expected := `
# HELP codeassist_requests_total Total protocol requests by method and status
# TYPE codeassist_requests_total counter
codeassist_requests_total{method="tools/call",status="ok"} 2
codeassist_requests_total{method="tools/list",status="error"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"codeassist_requests_total"); err != nil {
		t.Errorf("unexpected request counters:\n%v", err)
	}

	// One histogram series per observed method.
	count, err := testutil.GatherAndCount(reg, "codeassist_request_duration_seconds")
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if count != 2 {
		t.Errorf("duration series = %d, want 2", count)
	}
}

func TestMetrics_ToolCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := codeassist.NewMetrics(reg)

	m.ToolCall("code_completion", codeassist.ToolOutcomeOK)
	m.ToolCall("code_completion", codeassist.ToolOutcomeOK)
	m.ToolCall("code_completion", codeassist.ToolOutcomeFallback)
	m.ToolCall("debug_assistance", codeassist.ToolOutcomeError)

	expected := `
# HELP codeassist_tool_calls_total Total tool invocations by tool and outcome
# TYPE codeassist_tool_calls_total counter
codeassist_tool_calls_total{outcome="error",tool="debug_assistance"} 1
codeassist_tool_calls_total{outcome="fallback",tool="code_completion"} 1
codeassist_tool_calls_total{outcome="ok",tool="code_completion"} 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"codeassist_tool_calls_total"); err != nil {
		t.Errorf("unexpected tool counters:\n%v", err)
	}
}

func TestMetrics_SessionGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := codeassist.NewMetrics(reg)

	m.SessionOpened()
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.SessionsReaped(2)

	expected := `
# HELP codeassist_sessions_active Session contexts currently resident in memory
# TYPE codeassist_sessions_active gauge
codeassist_sessions_active 2
# HELP codeassist_sessions_reaped_total Total session contexts removed by expiry
# TYPE codeassist_sessions_reaped_total counter
codeassist_sessions_reaped_total 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"codeassist_sessions_active", "codeassist_sessions_reaped_total"); err != nil {
		t.Errorf("unexpected session metrics:\n%v", err)
	}
}

func TestMetrics_TransportClients(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := codeassist.NewMetrics(reg)

	m.ClientConnected("sse")
	m.ClientConnected("sse")
	m.ClientConnected("websocket")
	m.ClientDisconnected("sse")

	expected := `
# HELP codeassist_transport_clients Connected clients by transport
# TYPE codeassist_transport_clients gauge
codeassist_transport_clients{transport="sse"} 1
codeassist_transport_clients{transport="websocket"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"codeassist_transport_clients"); err != nil {
		t.Errorf("unexpected transport gauges:\n%v", err)
	}
}

func TestMetrics_NilReceiverSafe(t *testing.T) {
	var m *codeassist.Metrics

	// Every method must be callable without a guard at the call site.
	m.RequestObserved("tools/call", "ok", time.Millisecond)
	m.ToolCall("code_completion", codeassist.ToolOutcomeOK)
	m.SessionOpened()
	m.SessionClosed()
	m.SessionsReaped(3)
	m.ClientConnected("sse")
	m.ClientDisconnected("sse")
}
