// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts executed trades, partitioned by side and direction.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moonbet_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side", "direction"})

	// TradeLatency tracks trade execution latency.
	TradeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "moonbet_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SettlementPayouts counts balance credited by market settlements.
	SettlementPayouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moonbet_settlement_payout_total",
		Help: "Total balance credited at settlement",
	})

	// SlotSpinsTotal counts slot spins, partitioned by win/lose.
	SlotSpinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moonbet_slot_spins_total",
		Help: "Total slot machine spins",
	}, []string{"result"})

	// SlotPayoutTotal counts balance paid out by the slot machine.
	SlotPayoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moonbet_slot_payout_total",
		Help: "Total slot machine payout",
	})

	// LootBoxOpensTotal counts loot box opens, partitioned by rarity.
	LootBoxOpensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moonbet_lootbox_opens_total",
		Help: "Total loot boxes opened",
	}, []string{"rarity"})

	// RateLimitRejections counts operations rejected by the rate limiter.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moonbet_rate_limit_rejections_total",
		Help: "Operations rejected by the rate limiter",
	}, []string{"operation"})

	// AuditWriteFailures counts audit events that could not be persisted.
	AuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moonbet_audit_write_failures_total",
		Help: "Audit events that failed to persist",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moonbet_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "moonbet_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
