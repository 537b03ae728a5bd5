// Package metrics provides Prometheus instrumentation for the realtime
// tunnel. It exposes gauges for connection and typing-record counts, counters
// for token and message throughput, and a histogram for fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TunnelConnections tracks the current number of active tunnel connections.
	TunnelConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_tunnel_connections",
		Help: "Current number of active tunnel connections",
	})

	// TypingRecords tracks the current number of live typing records across
	// all conversations.
	TypingRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_typing_records",
		Help: "Current number of live typing records",
	})

	// TokensTotal counts token service operations, labeled by outcome:
	// "issued", "verified", or "rejected".
	TokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_tokens_total",
		Help: "Total number of tunnel token operations",
	}, []string{"outcome"}) // outcome = "issued", "verified", "rejected"

	// TypingEventsTotal counts typing mutations, labeled by kind:
	// "start" or "stop".
	TypingEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_typing_events_total",
		Help: "Total number of typing start/stop events processed",
	}, []string{"kind"})

	// MessagesTotal counts tunnel messages processed, labeled by type:
	// "sent", "received", or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_messages_total",
		Help: "Total number of tunnel messages processed",
	}, []string{"type"})

	// FanoutLatency records the latency from a typing mutation to listener
	// delivery in seconds.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "realtime_fanout_latency_seconds",
		Help:    "Latency from typing mutation to listener delivery in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		TunnelConnections,
		TypingRecords,
		TokensTotal,
		TypingEventsTotal,
		MessagesTotal,
		FanoutLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
