// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StakesCreated counts stakes opened, partitioned by plan and initial status.
	StakesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_stakes_created_total",
		Help: "Total number of stakes created",
	}, []string{"plan_id", "status"})

	// StakeTransitions counts lifecycle transitions by target status.
	StakeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_stake_transitions_total",
		Help: "Stake lifecycle transitions",
	}, []string{"to"})

	// AccrualSteps counts payment rows written.
	AccrualSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_accrual_steps_total",
		Help: "Accrual steps applied",
	})

	// AccrualConflicts counts compare-and-set writes lost to another worker.
	AccrualConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_accrual_conflicts_total",
		Help: "Accrual steps that lost a concurrent write",
	})

	// StakesHeld counts stakes removed from processing for reconciliation.
	StakesHeld = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_stakes_held_total",
		Help: "Stakes placed on hold after an inconsistency",
	})

	// PayoutVolume tracks cumulative payout amount.
	PayoutVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_payout_volume_total",
		Help: "Cumulative amount credited by accrual",
	})

	// ReferralCredits counts referral commissions paid.
	ReferralCredits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_referral_credits_total",
		Help: "Referral commissions credited",
	})

	// SchedulerPassDuration tracks how long a background pass takes.
	SchedulerPassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_scheduler_pass_seconds",
		Help:    "Background pass duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"scheduler"})

	// DepositTransitions counts deposit status changes by target status.
	DepositTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_deposit_transitions_total",
		Help: "Deposit request status transitions",
	}, []string{"to"})

	// LateConfirmations counts gateway confirmations that arrived after expiry.
	LateConfirmations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_deposit_late_confirmations_total",
		Help: "Gateway confirmations rejected because the request had expired",
	})

	// GatewayErrors counts failed gateway calls by operation.
	GatewayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_gateway_errors_total",
		Help: "Payment gateway call failures",
	}, []string{"op"})

	// BalanceRepairs counts materialized balances rewritten from the ledger.
	BalanceRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_balance_repairs_total",
		Help: "Materialized balances that drifted from the ledger and were repaired",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for the path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
