package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/aiennonprofit/pumpkin-voting/pkg/voting"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace     = "pumpkin_voting"
	unmatchedPath = "unmatched"
)

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry         *prometheus.Registry
	operations       *prometheus.CounterVec
	operationRetries *prometheus.CounterVec
	feedSubscribers  prometheus.Gauge
	httpInFlight     prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

var _ voting.OperationLogger = (*Metrics)(nil)

// New registers every collector on a fresh registry.
func New() *Metrics {
	metrics := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "voting",
				Name:      "operations_total",
				Help:      "Voting operations by outcome.",
			},
			[]string{"operation", "status"},
		),
		operationRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "voting",
				Name:      "operation_retries_total",
				Help:      "Transaction attempts beyond the first, per operation.",
			},
			[]string{"operation"},
		),
		feedSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "feed",
				Name:      "subscribers",
				Help:      "Live gallery subscribers.",
			},
		),
		httpInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "inflight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
			},
			[]string{"method", "path"},
		),
	}
	metrics.registry.MustRegister(
		metrics.operations,
		metrics.operationRetries,
		metrics.feedSubscribers,
		metrics.httpInFlight,
		metrics.httpRequests,
		metrics.httpDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return metrics
}

// Registry exposes the underlying registry.
func (metrics *Metrics) Registry() *prometheus.Registry {
	return metrics.registry
}

// LogOperation counts the operation by outcome.
func (metrics *Metrics) LogOperation(_ context.Context, entry voting.OperationLog) {
	metrics.operations.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Attempts > 1 {
		metrics.operationRetries.WithLabelValues(entry.Operation).Add(float64(entry.Attempts - 1))
	}
}

// ObserveSubscribers records the live subscriber count reported by the feed.
func (metrics *Metrics) ObserveSubscribers(count int) {
	metrics.feedSubscribers.Set(float64(count))
}

// Handler serves the registry in the Prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency by route template.
func (metrics *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = unmatchedPath
		}
		start := time.Now()
		metrics.httpInFlight.Inc()
		defer metrics.httpInFlight.Dec()

		c.Next()

		metrics.httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
