package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "germify_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "germify_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Chat metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "germify_messages_sent_total",
			Help: "Total chat messages committed",
		},
		[]string{"chat_kind"}, // "dm" or "group"
	)

	ConversationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "germify_conversations_created_total",
			Help: "Total conversations created",
		},
		[]string{"chat_kind"},
	)

	// Realtime metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "germify_ws_connections_active",
			Help: "Live WebSocket connections held by this process",
		},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "germify_ws_connections_rejected_total",
			Help: "WebSocket connections closed before registration",
		},
		[]string{"reason"},
	)

	EventsPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "germify_events_pushed_total",
			Help: "Events handed to the broker per recipient",
		},
		[]string{"type"},
	)

	DeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "germify_delivery_failures_total",
			Help: "Failed deliveries by stage",
		},
		[]string{"stage"}, // "render", "snapshot", "publish", "send"
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "germify_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "germify_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Infrastructure metrics
	BrokerLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "germify_broker_publish_latency_seconds",
			Help:    "Broker publish latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)
)
