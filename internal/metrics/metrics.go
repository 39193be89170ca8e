// Package metrics provides Prometheus instrumentation for the trading engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CyclesTotal counts decision cycles by result (ok, feed_error, skipped).
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polytrader_cycles_total",
		Help: "Decision cycles executed",
	}, []string{"result"})

	// CycleDuration tracks how long one decision cycle takes.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polytrader_cycle_duration_seconds",
		Help:    "Decision cycle duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// OpportunitiesScored counts scored opportunities with a positive edge.
	OpportunitiesScored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polytrader_opportunities_scored_total",
		Help: "Opportunities scored with positive expected return",
	})

	// GateRejections counts candidates rejected by the gate or sizer, by reason.
	GateRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polytrader_rejections_total",
		Help: "Candidates rejected before opening, by reason",
	}, []string{"reason"})

	// PositionsOpened counts positions opened, by horizon.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polytrader_positions_opened_total",
		Help: "Paper positions opened",
	}, []string{"horizon"})

	// PositionsClosed counts positions closed, by close reason.
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polytrader_positions_closed_total",
		Help: "Paper positions closed",
	}, []string{"reason"})

	// LedgerConflicts counts invariant violations reported by the ledger.
	LedgerConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polytrader_ledger_conflicts_total",
		Help: "Ledger conflicts (insufficient cash, double close, unknown trade)",
	}, []string{"op"})

	// CashBalance is the current paper cash balance in USDC.
	CashBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polytrader_cash_balance_usdc",
		Help: "Current cash balance",
	})

	// Equity is cash plus mark-to-market value of open positions.
	Equity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polytrader_equity_usdc",
		Help: "Cash plus mark-to-market value of open positions",
	})

	// OpenPositions tracks the number of OPEN positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polytrader_open_positions",
		Help: "Number of open positions",
	})

	// BreakerTripped is 1 while the circuit breaker blocks new entries.
	BreakerTripped = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polytrader_breaker_tripped",
		Help: "1 if the circuit breaker is tripped",
	})

	// AnomalyAlerts counts emitted anomaly alerts by metric and severity.
	AnomalyAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polytrader_anomaly_alerts_total",
		Help: "Anomaly alerts emitted",
	}, []string{"metric", "severity"})

	// SyncErrors counts failed push/pull rounds against the shared store.
	SyncErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polytrader_sync_errors_total",
		Help: "Shared store sync rounds that failed after retries",
	})

	// NotificationsDropped counts notifications dropped because the queue was full.
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polytrader_notifications_dropped_total",
		Help: "Notifications dropped by the async dispatcher",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polytrader_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polytrader_http_request_duration_seconds",
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

		// patrón de ruta de chi para no disparar la cardinalidad con trade ids
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
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
