package observ

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podsync_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "podsync_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podsync_transitions_total",
			Help: "Pod transitions by kind and outcome (applied, noop, rejected, failed).",
		},
		[]string{"kind", "outcome"},
	)
	messagesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podsync_messages_published_total",
			Help: "Messages accepted by the bus.",
		},
		[]string{"type"},
	)
	activeSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "podsync_active_subscribers",
			Help: "Open pod subscriptions on this node.",
		},
	)
	subscriberEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podsync_subscriber_evictions_total",
			Help: "Subscriptions closed by the bus, by reason.",
		},
		[]string{"reason"},
	)
	eventSinkErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podsync_event_sink_errors_total",
			Help: "Lifecycle events a sink failed to deliver.",
		},
		[]string{"sink"},
	)
	hookFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podsync_transition_hook_failures_total",
			Help: "Applied transitions whose SYSTEM message or fan-out failed.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podsync_ws_events_total",
			Help: "Websocket connects, disconnects and rejected client frames.",
		},
		[]string{"event"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		transitionsTotal,
		messagesPublishedTotal,
		activeSubscribers,
		subscriberEvictionsTotal,
		eventSinkErrorsTotal,
		hookFailuresTotal,
		wsEventsTotal,
	)
}

// MetricsHandler serves the default registry for scraping.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncTransition(kind, outcome string) {
	transitionsTotal.WithLabelValues(kind, outcome).Inc()
}

func IncHookFailure(kind string) {
	hookFailuresTotal.WithLabelValues(kind).Inc()
}

func IncMessagePublished(messageType string) {
	messagesPublishedTotal.WithLabelValues(messageType).Inc()
}

func IncSubscribers() {
	activeSubscribers.Inc()
}

func DecSubscribers() {
	activeSubscribers.Dec()
}

func IncEviction(reason string) {
	subscriberEvictionsTotal.WithLabelValues(reason).Inc()
}

func IncSinkError(sink string) {
	eventSinkErrorsTotal.WithLabelValues(sink).Inc()
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}
