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
			Name: "chatsync_http_requests_total",
			Help: "Total number of HTTP requests processed by the gateway.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatsync_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	changesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_changes_total",
			Help: "Row-change notifications received from the store.",
		},
		[]string{"table", "op"},
	)
	optimisticSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_optimistic_sends_total",
			Help: "Optimistic message placeholders by outcome.",
		},
		[]string{"outcome"},
	)
	reconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_reconciliations_total",
			Help: "Remote notifications merged into local message state.",
		},
		[]string{"kind"},
	)
	remoteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_remote_duration_seconds",
			Help:    "Latency of remote store operations issued by sync components.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component", "op"},
	)
	uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_uploads_total",
			Help: "Media uploads by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		changesTotal,
		optimisticSendsTotal,
		reconciliationsTotal,
		remoteDuration,
		uploadsTotal,
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

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

func IncChange(table, op string) {
	changesTotal.WithLabelValues(table, op).Inc()
}

// IncOptimisticSend counts placeholder outcomes: pending, confirmed, rolled_back.
func IncOptimisticSend(outcome string) {
	optimisticSendsTotal.WithLabelValues(outcome).Inc()
}

func IncReconciliation(kind string) {
	reconciliationsTotal.WithLabelValues(kind).Inc()
}

// ObserveRemote records the latency of a remote call started at start.
func ObserveRemote(component, op string, start time.Time) {
	remoteDuration.WithLabelValues(component, op).Observe(time.Since(start).Seconds())
}

func IncUpload(outcome string) {
	uploadsTotal.WithLabelValues(outcome).Inc()
}
