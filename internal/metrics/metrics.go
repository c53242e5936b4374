// Package metrics holds the prometheus collectors shared across the
// subscriber and dispatcher. Counters are registered once at import time
// and are cheap to increment from the hot path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "printbridge_events_received_total",
		Help: "Events received from the event bus, including redeliveries.",
	})

	DispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "printbridge_dispatch_outcomes_total",
		Help: "Terminal dispatch results by outcome.",
	}, []string{"outcome"})

	DispatchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "printbridge_dispatch_retries_total",
		Help: "Printer transport write attempts beyond the first.",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "printbridge_stream_reconnects_total",
		Help: "Subscriber reconnect attempts.",
	})

	TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "printbridge_token_refreshes_total",
		Help: "Access token refreshes performed.",
	})

	CapabilityQueries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "printbridge_capability_queries_total",
		Help: "Synchronous printer capability queries (cache misses).",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "printbridge_intake_queue_depth",
		Help: "Events accepted from the stream and not yet terminal.",
	})
)
