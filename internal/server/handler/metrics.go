package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	glGiftsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftledger_gifts_total",
		Help: "Total gift ingestion outcomes by status and risk flag.",
	}, []string{"status", "risky"})

	glRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	glRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "giftledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	glLedgerEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "giftledger_ledger_entries_total",
		Help: "Total ledger entries appended.",
	})

	glSettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "giftledger_settlements_total",
		Help: "Total sessions settled.",
	})

	glSnapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "giftledger_snapshots_total",
		Help: "Total Merkle snapshots published.",
	})

	glAuditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftledger_ledger_audits_total",
		Help: "Total periodic ledger chain audits by result.",
	}, []string{"result"})

	glWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftledger_webhook_deliveries_total",
		Help: "Total webhook deliveries by success status.",
	}, []string{"status"})

	glRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftledger_rate_limited_total",
		Help: "Requests rejected by the per-client rate limiter.",
	}, []string{"path"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		glRequestsTotal.WithLabelValues(method, path, status).Inc()
		glRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordGift records a gift ingestion outcome.
func RecordGift(status string, risky bool) {
	glGiftsTotal.WithLabelValues(status, strconv.FormatBool(risky)).Inc()
}

// RecordLedgerAppend records a ledger entry append.
func RecordLedgerAppend() {
	glLedgerEntriesTotal.Inc()
}

// RecordSettlement records a completed session settlement.
func RecordSettlement() {
	glSettlementsTotal.Inc()
}

// RecordSnapshot records a published Merkle snapshot.
func RecordSnapshot() {
	glSnapshotsTotal.Inc()
}

// RecordAudit records a periodic chain audit result.
func RecordAudit(success bool) {
	if success {
		glAuditsTotal.WithLabelValues("success").Inc()
	} else {
		glAuditsTotal.WithLabelValues("failure").Inc()
	}
}

// RecordRateLimited records a request rejected by the rate limiter.
func RecordRateLimited(path string) {
	glRateLimitedTotal.WithLabelValues(path).Inc()
}

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		glWebhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		glWebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}
