// Package metrics provides Prometheus instrumentation for the clearinghouse.
package metrics

import (
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis402",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aegis402",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SubscriptionsTotal counts Subscribe calls by outcome.
	SubscriptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis402",
			Name:      "subscriptions_total",
			Help:      "Total merchant subscribe attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// QuotesTotal counts Quote calls.
	QuotesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aegis402",
		Name:      "quotes_total",
		Help:      "Total quote requests served.",
	})

	// PaymentsDetectedTotal counts Transfer events observed for watched merchants.
	PaymentsDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis402",
			Name:      "payments_detected_total",
			Help:      "Total payments detected by outcome (recorded, dropped_duplicate, dropped_unknown, ledger_error).",
		},
		[]string{"outcome"},
	)

	// SettlementsTotal counts Settle calls by outcome.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis402",
			Name:      "settlements_total",
			Help:      "Total settle attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// SlashesTotal counts Slash calls by outcome.
	SlashesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis402",
			Name:      "slashes_total",
			Help:      "Total slash attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// ExpirationsTotal counts payments expired by the deadline sweep.
	ExpirationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aegis402",
		Name:      "expirations_total",
		Help:      "Total payments expired by the deadline tick.",
	})

	// RecoveryMerchantsLoaded tracks merchants seeded during startup recovery.
	RecoveryMerchantsLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegis402",
		Name:      "recovery_merchants_loaded",
		Help:      "Number of merchants seeded from Subscribed events on last recovery run.",
	})

	// RecoveryPaymentsLoaded tracks pending payments seeded during startup recovery.
	RecoveryPaymentsLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegis402",
		Name:      "recovery_payments_loaded",
		Help:      "Number of pending payments seeded from ExposureIncreased events on last recovery run.",
	})

	// RecoveryErrorsTotal counts errors encountered during recovery (non-fatal).
	RecoveryErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aegis402",
		Name:      "recovery_errors_total",
		Help:      "Total errors encountered during startup recovery.",
	})

	// ActiveWebSocketClients tracks connected feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "aegis402",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected feed WebSocket clients.",
		},
	)

	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegis402", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SubscriptionsTotal,
		QuotesTotal,
		PaymentsDetectedTotal,
		SettlementsTotal,
		SlashesTotal,
		ExpirationsTotal,
		RecoveryMerchantsLoaded,
		RecoveryPaymentsLoaded,
		RecoveryErrorsTotal,
		ActiveWebSocketClients,
		GoroutineCount,
	)
}

// StartGoroutineCollector periodically samples the runtime goroutine count
// into a Prometheus gauge. Call in a goroutine; exits when ctx is done.
func StartGoroutineCollector(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
