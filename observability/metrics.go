package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vizrpc",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Dispatched calls by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vizrpc",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vizrpc",
			Subsystem: "server",
			Name:      "connections_active",
			Help:      "Connections currently open.",
		},
	)
	fragments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vizrpc",
			Subsystem: "chunking",
			Name:      "fragments_total",
			Help:      "Fragments sent and received.",
		},
		[]string{"direction"},
	)
	streamsAborted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vizrpc",
			Subsystem: "chunking",
			Name:      "streams_aborted_total",
			Help:      "Inbound chunk streams aborted by ordering violations or connection close.",
		},
	)
	responsesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vizrpc",
			Subsystem: "rpc",
			Name:      "responses_dropped_total",
			Help:      "Responses dropped because their call was cancelled or already resolved.",
		},
	)
)

// RegisterMetrics registers the collectors with the default registry. Safe to
// call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(rpcCalls, rpcDuration, connectionsActive, fragments, streamsAborted, responsesDropped)
	})
}

// RecordCall counts one dispatched call. outcome is "ok" or an error kind.
func RecordCall(method, outcome string, duration time.Duration) {
	RegisterMetrics()
	rpcCalls.WithLabelValues(method, outcome).Inc()
	rpcDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func ConnectionOpened() {
	RegisterMetrics()
	connectionsActive.Inc()
}

func ConnectionClosed() {
	RegisterMetrics()
	connectionsActive.Dec()
}

// RecordFragments counts n fragments in direction "in" or "out".
func RecordFragments(direction string, n int) {
	RegisterMetrics()
	fragments.WithLabelValues(direction).Add(float64(n))
}

func RecordStreamsAborted(n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	streamsAborted.Add(float64(n))
}

func RecordResponseDropped() {
	RegisterMetrics()
	responsesDropped.Inc()
}
