package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 当前打开的订阅数
	SubscriptionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_subscriptions_open",
			Help: "Live store subscriptions currently held by the fan-out manager",
		},
		[]string{"kind"}, // kind: projects, suggestions, replies, clients
	)

	SubscriptionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_subscription_events_total",
			Help: "Subscription lifecycle events",
		},
		[]string{"kind", "event"}, // event: opened, closed, stale, retry
	)

	SnapshotsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_snapshots_applied_total",
			Help: "Snapshots written into the entity cache",
		},
		[]string{"kind"},
	)

	StaleSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_stale_subscriptions",
			Help: "Subscriptions that lost their connection and have not resynced",
		},
	)

	// 写操作延迟（秒）
	MutationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_mutation_duration_seconds",
			Help:    "Workflow mutation latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"op", "status"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"operation", "table"},
	)

	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Queries slower than the tracer threshold",
		},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{"routing_key", "queue"},
	)

	ActivityEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activity_events_total",
			Help: "Workflow activity events consumed by the worker",
		},
		[]string{"type", "status"}, // status: processed, duplicate, invalid
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activity_events_published_total",
			Help: "Workflow activity events published to the broker",
		},
		[]string{"type", "status"},
	)
)

func SubscriptionOpened(kind string) {
	SubscriptionsOpen.WithLabelValues(kind).Inc()
	SubscriptionEvents.WithLabelValues(kind, "opened").Inc()
}

func SubscriptionClosed(kind string) {
	SubscriptionsOpen.WithLabelValues(kind).Dec()
	SubscriptionEvents.WithLabelValues(kind, "closed").Inc()
}

func IncrementSubscriptionEvent(kind, event string) {
	SubscriptionEvents.WithLabelValues(kind, event).Inc()
}

func IncrementSnapshotApplied(kind string) {
	SnapshotsApplied.WithLabelValues(kind).Inc()
}

func SetStaleSubscriptions(n int) {
	StaleSubscriptions.Set(float64(n))
}

// RecordMutation 记录写操作延迟
func RecordMutation(op, status string, duration time.Duration) {
	MutationDuration.WithLabelValues(op, status).Observe(duration.Seconds())
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

func IncrementSlowQuery() {
	SlowQueryCount.Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

func IncrementActivity(eventType, status string) {
	ActivityEvents.WithLabelValues(eventType, status).Inc()
}

func IncrementPublished(eventType, status string) {
	EventsPublished.WithLabelValues(eventType, status).Inc()
}
