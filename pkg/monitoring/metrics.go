// Package monitoring carries the operational surface both binaries
// expose: Prometheus metrics, the aggregate health endpoint, and the
// store watchdog.
package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector owns a service's instruments. Every metric it mints
// is prefixed with the service name and registered on the default
// registry, which is what the /metrics handler serves.
type MetricsCollector struct {
	serviceName string

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	activeConnections   prometheus.Gauge
	serviceInfo         *prometheus.GaugeVec

	customMetrics map[string]prometheus.Collector
}

// NewMetricsCollector creates the collector and registers the standard
// HTTP instruments. Hyphens in the service name become underscores so
// the prefix is a legal metric name.
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	prefix := strings.ReplaceAll(serviceName, "-", "_")
	mc := &MetricsCollector{
		serviceName:   prefix,
		customMetrics: make(map[string]prometheus.Collector),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_active_connections",
			Help: "Number of in-flight HTTP requests",
		}),
		serviceInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_service_info",
			Help: "Build identity, always 1",
		}, []string{"version", "commit"}),
	}

	prometheus.MustRegister(mc.httpRequestsTotal, mc.httpRequestDuration, mc.activeConnections, mc.serviceInfo)
	mc.serviceInfo.WithLabelValues(version, commit).Set(1)

	return mc
}

// RegisterCustomMetric registers a collector built elsewhere under the
// service's bookkeeping.
func (mc *MetricsCollector) RegisterCustomMetric(name string, metric prometheus.Collector) {
	mc.customMetrics[name] = metric
	prometheus.MustRegister(metric)
}

// MetricsMiddleware records request count, duration and the in-flight
// gauge for every request.
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		mc.activeConnections.Inc()
		defer mc.activeConnections.Dec()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		mc.httpRequestsTotal.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		mc.httpRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the default registry, which holds everything this
// collector registered plus package-level instruments.
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// NewCounter mints a service-prefixed counter and registers it.
func (mc *MetricsCollector) NewCounter(name, help string, labels []string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: mc.serviceName + "_" + name, Help: help}, labels)
	mc.RegisterCustomMetric(name, counter)
	return counter
}

// NewGauge mints a service-prefixed gauge and registers it.
func (mc *MetricsCollector) NewGauge(name, help string, labels []string) *prometheus.GaugeVec {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: mc.serviceName + "_" + name, Help: help}, labels)
	mc.RegisterCustomMetric(name, gauge)
	return gauge
}

// NewHistogram mints a service-prefixed histogram and registers it.
// Nil buckets fall back to the Prometheus defaults.
func (mc *MetricsCollector) NewHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    mc.serviceName + "_" + name,
		Help:    help,
		Buckets: buckets,
	}, labels)
	mc.RegisterCustomMetric(name, histogram)
	return histogram
}

// CreateDispatchMetrics mints the instrument set the notification
// dispatcher reports: events by channel and outcome, handling
// latency, and listener reconnects.
func (mc *MetricsCollector) CreateDispatchMetrics() (
	*prometheus.CounterVec, // dispatch_events_total
	*prometheus.HistogramVec, // dispatch_duration_seconds
	*prometheus.CounterVec, // dispatch_reconnects_total
) {
	events := mc.NewCounter("dispatch_events_total", "Total notification events processed", []string{"channel", "status"})
	duration := mc.NewHistogram("dispatch_duration_seconds", "Notification handling duration", []string{"channel"}, nil)
	reconnects := mc.NewCounter("dispatch_reconnects_total", "Notification listener reconnects", []string{"reason"})

	return events, duration, reconnects
}
