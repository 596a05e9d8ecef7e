package metrics

import "github.com/prometheus/client_golang/prometheus"

// Aggregator Prometheus metrics.
var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vecmerge",
			Name:      "shard_messages_total",
			Help:      "Shard result messages by handling outcome",
		},
		[]string{"outcome"}, // dropped / pending / delivered / duplicate / failed
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vecmerge",
			Name:      "notifications_total",
			Help:      "Answers published to clients",
		},
		[]string{"status"}, // "ok" / "error"
	)

	ResolveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vecmerge",
			Name:      "resolve_duration_seconds",
			Help:      "Time to resolve the top-k documents of a completed query",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	DocCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vecmerge",
			Name:      "doc_cache_total",
			Help:      "Document content cache hits and misses",
		},
		[]string{"result"}, // "hit" / "miss"
	)

	LiveStates = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vecmerge",
			Name:      "live_aggregation_states",
			Help:      "Query texts currently holding aggregation state",
		},
	)

	PayloadBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vecmerge",
			Name:      "shard_payload_bytes",
			Help:      "Size of incoming shard result payloads",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		},
		[]string{"transport"}, // "pubsub" / "http"
	)
)

var aggMetricsRegistered bool

// RegisterAggregatorMetrics registers the aggregator metrics. Must be called once from main.
func RegisterAggregatorMetrics() {
	if aggMetricsRegistered {
		return
	}
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(NotificationsTotal)
	prometheus.MustRegister(ResolveDuration)
	prometheus.MustRegister(DocCacheTotal)
	prometheus.MustRegister(LiveStates)
	prometheus.MustRegister(PayloadBytes)
	aggMetricsRegistered = true
}
