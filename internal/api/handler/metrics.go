package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/govledger/internal/auditledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "govledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ledgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govledger_ledger_appends_total",
		Help: "Total ledger entries appended by action.",
	}, []string{"action"})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govledger_verifications_total",
		Help: "Total chain verifications by result.",
	}, []string{"result"})

	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govledger_tool_calls_total",
		Help: "Total tool-call evaluations by outcome.",
	}, []string{"outcome"})

	chainValid = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "govledger_chain_valid",
		Help: "1 if the scope's chain verified at the last integrity audit, 0 otherwise.",
	}, []string{"scope"})

	alertDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govledger_alert_deliveries_total",
		Help: "Total alert webhook deliveries by success status.",
	}, []string{"status"})

	streamSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "govledger_stream_subscribers",
		Help: "Open websocket subscribers by scope.",
	}, []string{"scope"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		// Unmatched paths are collapsed so scanners cannot explode label cardinality.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// CountLedgerAppend counts an appended entry. Register it with
// Ledger.OnAppend so appends from every transport are counted.
func CountLedgerAppend(_ string, e auditledger.Entry) {
	ledgerAppendsTotal.WithLabelValues(e.Action).Inc()
}

// RecordVerification records a chain verification result.
func RecordVerification(valid bool) {
	verificationsTotal.WithLabelValues(resultLabel(valid, "valid", "invalid")).Inc()
}

// RecordToolCall records a tool-call evaluation.
func RecordToolCall(allowed bool) {
	toolCallsTotal.WithLabelValues(resultLabel(allowed, "allowed", "blocked")).Inc()
}

// SetChainValid records the integrity auditor's verdict for a scope.
func SetChainValid(scope string, valid bool) {
	v := 0.0
	if valid {
		v = 1
	}
	chainValid.WithLabelValues(scope).Set(v)
}

// RecordAlertDelivery records an alert webhook delivery attempt.
func RecordAlertDelivery(success bool) {
	alertDeliveriesTotal.WithLabelValues(resultLabel(success, "success", "failure")).Inc()
}

// SetStreamSubscribers records the number of open stream subscribers of a scope.
func SetStreamSubscribers(scope string, n int) {
	streamSubscribers.WithLabelValues(scope).Set(float64(n))
}

func resultLabel(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
