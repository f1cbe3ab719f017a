package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_http_requests_total",
			Help: "Total number of HTTP requests processed by the inbox sync service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inbox_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "inbox_ws_active_connections",
			Help: "Number of UI clients connected to the push websocket.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_ws_events_total",
			Help: "Total number of push websocket events.",
		},
		[]string{"event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inbox_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	syncEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_sync_events_total",
			Help: "Sync events handled by the engine, by source and outcome.",
		},
		[]string{"source", "outcome"},
	)
	sendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_sends_total",
			Help: "Outbound send attempts by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
	rateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_rate_limit_rejections_total",
			Help: "Outbound sends rejected by the local rate limiter.",
		},
		[]string{"reason"},
	)
	chatsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "inbox_chats_tracked",
			Help: "Number of chats held in the in-memory state table.",
		},
	)
	pollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inbox_poll_duration_seconds",
			Help:    "Duration of reconciliation poll fetches.",
			Buckets: prometheus.DefBuckets,
		},
	)
	lockChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_lock_checks_total",
			Help: "Conversation lock checks by observed state.",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		syncEventsTotal,
		sendsTotal,
		rateLimitRejectionsTotal,
		chatsTracked,
		pollDuration,
		lockChecksTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

func IncSyncEvent(source, outcome string) {
	syncEventsTotal.WithLabelValues(source, outcome).Inc()
}

func IncSend(channel, outcome string) {
	sendsTotal.WithLabelValues(channel, outcome).Inc()
}

func IncRateLimitRejection(reason string) {
	rateLimitRejectionsTotal.WithLabelValues(reason).Inc()
}

func SetChatsTracked(n int) {
	chatsTracked.Set(float64(n))
}

func ObservePoll(d time.Duration) {
	pollDuration.Observe(d.Seconds())
}

func IncLockCheck(state string) {
	lockChecksTotal.WithLabelValues(state).Inc()
}
