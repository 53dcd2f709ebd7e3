// Package metrics provides Prometheus instrumentation for the Drillcore service.
package metrics

import (
	"context"
	"database/sql"
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
			Namespace: "drillcore",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "drillcore",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// MiningActionsTotal counts completed mining actions across all players.
	MiningActionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "drillcore",
		Name:      "mining_actions_total",
		Help:      "Total mining actions settled by the accrual processor.",
	})

	// DiamondsMinedTotal counts diamonds minted under the daily cap.
	DiamondsMinedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "drillcore",
		Name:      "diamonds_mined_total",
		Help:      "Total diamonds credited to player ledgers.",
	})

	// DiamondOverflowTotal counts diamond drops converted to oil over the cap.
	DiamondOverflowTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "drillcore",
		Name:      "diamond_overflow_total",
		Help:      "Total diamond drops converted to oil over the daily cap.",
	})

	// CashoutTokensSubmitted counts diamonds submitted for redemption.
	CashoutTokensSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "drillcore",
		Name:      "cashout_tokens_submitted_total",
		Help:      "Total diamonds submitted to cashout rounds.",
	})

	// CashoutRoundsClosed counts settled cashout rounds.
	CashoutRoundsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "drillcore",
		Name:      "cashout_rounds_closed_total",
		Help:      "Total cashout rounds closed.",
	})

	// PurchasesRecorded counts verified oil purchases.
	PurchasesRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "drillcore",
		Name:      "purchases_recorded_total",
		Help:      "Total verified oil purchases recorded.",
	})

	// ExchangesCompleted counts exchange requests settled within bound.
	ExchangesCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "drillcore",
		Name:      "exchanges_completed_total",
		Help:      "Total auto-exchange requests completed.",
	})

	// ExchangeFallbacks counts exchange requests parked for manual review.
	ExchangeFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "drillcore",
		Name:      "exchange_fallbacks_total",
		Help:      "Total auto-exchange requests routed to the fallback queue.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "drillcore", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "drillcore", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "drillcore", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "drillcore", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "drillcore", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "drillcore", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		MiningActionsTotal,
		DiamondsMinedTotal,
		DiamondOverflowTotal,
		CashoutTokensSubmitted,
		CashoutRoundsClosed,
		PurchasesRecorded,
		ExchangesCompleted,
		ExchangeFallbacks,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
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
