package monitoring

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Sale and review lifecycle
	SaleTransitions  *prometheus.CounterVec
	ReviewsSubmitted *prometheus.CounterVec

	// Outbox and notifications
	OutboxBacklog       prometheus.Gauge
	OutboxPublished     *prometheus.CounterVec
	NotificationsTotal  *prometheus.CounterVec
	NotificationLatency *prometheus.HistogramVec

	// Rate limiting metrics
	RateLimitHits *prometheus.CounterVec

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Background jobs
	JobRuns *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

var (
	metrics  *Metrics
	initOnce sync.Once
)

// Init initializes all Prometheus metrics
func Init() *Metrics {
	initOnce.Do(func() {
		metrics = &Metrics{
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
				},
				[]string{"method", "path"},
			),
			HTTPRequestsInFlight: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "http_requests_in_flight",
					Help: "Number of HTTP requests currently being processed",
				},
			),

			SaleTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sale_transitions_total",
					Help: "Sale state transitions by transition and outcome",
				},
				[]string{"transition", "outcome"},
			),
			ReviewsSubmitted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "reviews_submitted_total",
					Help: "Review submissions by outcome",
				},
				[]string{"outcome"},
			),

			OutboxBacklog: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "outbox_backlog",
					Help: "Events claimed by the last relay pass",
				},
			),
			OutboxPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "outbox_published_total",
					Help: "Outbox events handed to the message bus",
				},
				[]string{"event_type", "status"},
			),
			NotificationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "notifications_total",
					Help: "Notification deliveries by event type and status",
				},
				[]string{"event_type", "status"},
			),
			NotificationLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "notification_delivery_seconds",
					Help:    "Time spent delivering a notification",
					Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
				},
				[]string{"event_type"},
			),

			RateLimitHits: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rate_limit_hits_total",
					Help: "Total number of rate limit hits",
				},
				[]string{"bucket"},
			),

			CacheHits: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cache_hits_total",
					Help: "Total number of cache hits",
				},
				[]string{"cache_type"},
			),
			CacheMisses: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cache_misses_total",
					Help: "Total number of cache misses",
				},
				[]string{"cache_type"},
			),

			JobRuns: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "job_runs_total",
					Help: "Background job runs by job and status",
				},
				[]string{"job", "status"},
			),

			CircuitBreakerState: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "circuit_breaker_state",
					Help: "Circuit breaker state (0=closed, 1=open, 0.5=half-open)",
				},
				[]string{"name"},
			),
		}
	})
	return metrics
}

// Get returns the global metrics instance
func Get() *Metrics {
	return Init()
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// MetricsMiddleware is a Gin middleware for collecting HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// RecordSaleTransition records a sale transition attempt
func RecordSaleTransition(transition, outcome string) {
	Get().SaleTransitions.WithLabelValues(transition, outcome).Inc()
}

// RecordReviewSubmitted records a review submission attempt
func RecordReviewSubmitted(outcome string) {
	Get().ReviewsSubmitted.WithLabelValues(outcome).Inc()
}

// SetOutboxBacklog sets the number of events claimed by the relay
func SetOutboxBacklog(n int) {
	Get().OutboxBacklog.Set(float64(n))
}

// RecordOutboxPublish records an outbox publish attempt
func RecordOutboxPublish(eventType, status string) {
	Get().OutboxPublished.WithLabelValues(eventType, status).Inc()
}

// RecordNotification records a notification delivery
func RecordNotification(eventType, status string, duration time.Duration) {
	m := Get()
	m.NotificationsTotal.WithLabelValues(eventType, status).Inc()
	m.NotificationLatency.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordRateLimitHit records a rate limit hit
func RecordRateLimitHit(bucket string) {
	Get().RateLimitHits.WithLabelValues(bucket).Inc()
}

// RecordCacheHit records a cache hit
func RecordCacheHit(cacheType string) {
	Get().CacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss
func RecordCacheMiss(cacheType string) {
	Get().CacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordJobRun records a background job run
func RecordJobRun(job, status string) {
	Get().JobRuns.WithLabelValues(job, status).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state
// state: 0=closed, 1=open, 0.5=half-open
func SetCircuitBreakerState(name string, state float64) {
	Get().CircuitBreakerState.WithLabelValues(name).Set(state)
}
