package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesPersisted counts appended conversation messages by author.
	MessagesPersisted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatflow_messages_persisted_total",
		Help: "Messages appended to the conversation log.",
	}, []string{"author"})

	// StreamChunks counts relayed generation fragments.
	StreamChunks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatflow_stream_chunks_relayed_total",
		Help: "Incremental AI fragments relayed to senders.",
	})

	// GenerationFailures counts sends whose generation could not open or
	// errored before producing output.
	GenerationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatflow_generation_failures_total",
		Help: "AI generations that failed to open.",
	})

	// ActiveConnections tracks currently open websocket connections.
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatflow_ws_connections",
		Help: "Open websocket connections.",
	})
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		MessagesPersisted,
		StreamChunks,
		GenerationFailures,
		ActiveConnections,
	)
}

// Handler serves the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
