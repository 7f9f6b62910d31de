// Package metrics holds the process-wide Prometheus instruments,
// exposed on the gateway's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turns counts completed agent turns, labelled by outcome
	// (ok, truncated, fault).
	Turns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_agent_turns_total",
		Help: "Completed agent turns by outcome.",
	}, []string{"agent", "outcome"})

	// ToolCalls counts dispatched tool invocations by tool name.
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_tool_calls_total",
		Help: "Tool invocations dispatched by the registry.",
	}, []string{"tool"})

	// ProviderFaults counts aborted provider streams.
	ProviderFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_provider_faults_total",
		Help: "Provider streams that ended in a transport fault.",
	}, []string{"provider"})

	// BusMessages counts send_message outcomes
	// (delivered, denied, dropped).
	BusMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_bus_messages_total",
		Help: "Inter-agent bus sends by outcome.",
	}, []string{"outcome"})

	// EventsDropped counts events discarded for slow WebSocket clients.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_ws_events_dropped_total",
		Help: "Outbound events dropped because a client could not keep up.",
	})
)
