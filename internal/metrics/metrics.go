// Package metrics provides Prometheus instrumentation for the ledger engine.
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
	// PositionOps counts ledger operations by executor, operation, and result.
	PositionOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_position_ops_total",
		Help: "Total number of position operations",
	}, []string{"executor", "op", "result"})

	// OpLatency tracks ledger operation latency.
	OpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_op_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"executor", "op"})

	// DelegatedAccounts tracks the number of records held by each executor.
	DelegatedAccounts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_delegated_accounts",
		Help: "Number of records currently delegated to an executor",
	}, []string{"executor"})

	// Commits counts checkpoints pushed to the base ledger, partitioned by
	// whether the state had changed.
	Commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_commits_total",
		Help: "Commits of delegated records to the base ledger",
	}, []string{"executor", "outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// MicroVolume tracks cumulative traded notional in micro-units per asset.
	MicroVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_volume_micro_total",
		Help: "Cumulative traded notional in micro-units",
	}, []string{"asset"})
)

// ObserveOp records the outcome and latency of a ledger operation.
func ObserveOp(executor, op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	PositionOps.WithLabelValues(executor, op, result).Inc()
	OpLatency.WithLabelValues(executor, op).Observe(time.Since(start).Seconds())
}

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

		// Use the route pattern for path label to avoid high cardinality.
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
