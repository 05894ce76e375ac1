// Package metrics provides Prometheus instrumentation for the trade engine.
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
	// TradesOpened counts trades accepted by the engine, by market.
	TradesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_trades_opened_total",
		Help: "Total number of trades opened",
	}, []string{"market"})

	// TradesSettled counts settlements by result and trigger (timer/override).
	TradesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_trades_settled_total",
		Help: "Total number of trades settled",
	}, []string{"result", "trigger"})

	// SettlementLatency tracks time from open to settlement.
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_settlement_latency_seconds",
		Help:    "Time between trade open and settlement",
		Buckets: []float64{1, 5, 30, 60, 300, 900, 1800, 3600},
	})

	// RiskRejections counts trades rejected by the risk gate, per check.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_risk_rejections_total",
		Help: "Trades rejected by the risk gate",
	}, []string{"check"})

	// RateLimitRejections counts requests rejected by the rate limiter.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_rate_limit_rejections_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"action"})

	// WithdrawalsByStatus counts withdrawal requests per resulting status.
	WithdrawalsByStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_withdrawals_total",
		Help: "Withdrawal requests by resulting status",
	}, []string{"status"})

	// SettlementCreditsPending counts settlement payouts that could not be
	// delivered to the wallet and await reconciliation replay.
	SettlementCreditsPending = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_settlement_credits_pending_total",
		Help: "Settlement credits awaiting reconciliation replay",
	})

	// WebSocketClients tracks connected admin stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_websocket_clients",
		Help: "Number of connected admin stream clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
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

		// Use the raw path for the label; route cardinality is low here.
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
