package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedUsers tracks live websocket connections on this instance.
	ConnectedUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wavechat_connected_users",
			Help: "Number of authenticated websocket connections",
		},
	)

	// MessagesProcessed counts chat messages handled by type (text|file|system|ai).
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wavechat_messages_total",
			Help: "Total number of chat messages processed",
		},
		[]string{"type"},
	)

	// CacheRequests counts cache lookups by entity and outcome (hit|miss|error).
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wavechat_cache_requests_total",
			Help: "Total number of cache lookups",
		},
		[]string{"entity", "result"},
	)

	// HistoryLoadDuration measures paginated history query latency.
	HistoryLoadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wavechat_history_load_seconds",
			Help:    "Message history load latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	// DuplicateSessions counts duplicate-login resolutions by origin (local|remote).
	DuplicateSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wavechat_duplicate_sessions_total",
			Help: "Total number of duplicate sessions resolved",
		},
		[]string{"origin"},
	)

	// StreamSessions tracks in-flight AI streaming sessions.
	StreamSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wavechat_stream_sessions",
			Help: "Number of active AI streaming sessions",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wavechat_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
