// Package metrics provides Prometheus instrumentation for the settlement
// service.
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
	// SettlementsTotal counts applied transitions by outcome and reason.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betsettle_settlements_total",
		Help: "Total number of bets settled",
	}, []string{"status", "reason"})

	// SettlementConflicts counts transitions lost to a concurrent settler.
	SettlementConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "betsettle_settlement_conflicts_total",
		Help: "Transitions rejected because the bet was already settled",
	})

	// SettlementFailures counts failed settlement attempts by stage
	// (quote, evaluate, apply, publish).
	SettlementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betsettle_settlement_failures_total",
		Help: "Failed settlement attempts",
	}, []string{"stage"})

	// EvaluateLatency tracks the pure decision step per bet.
	EvaluateLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "betsettle_evaluate_latency_seconds",
		Help:    "Evaluate latency in seconds",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
	})

	// ApplyLatency tracks ApplyTransition duration.
	ApplyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "betsettle_apply_latency_seconds",
		Help:    "ApplyTransition latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
	})

	// SweepDuration tracks one full pass over active bets.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "betsettle_sweep_duration_seconds",
		Help:    "Duration of one settlement sweep",
		Buckets: prometheus.DefBuckets,
	})

	// ActiveBets is the number of active bets seen by the last sweep.
	ActiveBets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "betsettle_active_bets",
		Help: "Number of active bets at the last sweep",
	})

	// BetsPlaced counts accepted bets by kind.
	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betsettle_bets_placed_total",
		Help: "Total bets placed",
	}, []string{"kind"})

	// PlacementRejections counts rejected placements by reason.
	PlacementRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betsettle_placement_rejections_total",
		Help: "Bet placements rejected",
	}, []string{"reason"})

	// QuoteIngestErrors counts quote messages that could not be ingested.
	QuoteIngestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betsettle_quote_ingest_errors_total",
		Help: "Quote ingest failures by stage",
	}, []string{"stage"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "betsettle_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betsettle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "betsettle_http_request_duration_seconds",
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels by chi route pattern (/api/v1/bets/{betID}) rather
// than the raw path, to keep label cardinality bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack passes through to the underlying writer so WebSocket upgrades work
// behind this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
