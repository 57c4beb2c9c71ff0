package middleware

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
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	ordersCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Total number of orders created",
		},
	)

	stockRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stock_rejections_total",
			Help: "Order mutations rejected for insufficient stock",
		},
	)

	orderNumberRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "order_number_retries_total",
			Help: "Order creations retried after an order number conflict",
		},
	)

	lowStockAlertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "low_stock_alerts_total",
			Help: "Low stock alerts emitted by the stock ledger",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(ordersCreatedTotal)
	prometheus.MustRegister(stockRejectionsTotal)
	prometheus.MustRegister(orderNumberRetriesTotal)
	prometheus.MustRegister(lowStockAlertsTotal)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func CountOrderCreated()     { ordersCreatedTotal.Inc() }
func CountStockRejection()   { stockRejectionsTotal.Inc() }
func CountOrderNumberRetry() { orderNumberRetriesTotal.Inc() }
func CountLowStockAlert()    { lowStockAlertsTotal.Inc() }
