// Package metrics provides Prometheus instrumentation for the settlement
// back-office.
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
	// OrdersSubmitted counts orders accepted for submission, by side and asset type.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spad_orders_submitted_total",
		Help: "Total number of orders submitted to the broker",
	}, []string{"side", "asset_type"})

	// OrdersFinalized counts orders reaching a terminal status.
	OrdersFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spad_orders_finalized_total",
		Help: "Total number of orders reaching a terminal status",
	}, []string{"status"})

	// SettlementLatency tracks fill settlement duration by side.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spad_settlement_latency_seconds",
		Help:    "Fill settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// BrokerCallDuration tracks broker round trips by operation and outcome.
	BrokerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spad_broker_call_duration_seconds",
		Help:    "Broker API call duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"operation", "outcome"})

	// FeeMargin accumulates platform margin in dollars.
	FeeMargin = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spad_fee_margin_dollars_total",
		Help: "Cumulative platform fee margin in USD",
	})

	// LedgerEntries counts ledger postings by entry type.
	LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spad_ledger_entries_total",
		Help: "Total ledger entries posted",
	}, []string{"entry_type"})

	// PositionLimitRejections counts orders rejected by the exposure limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spad_position_limit_rejections_total",
		Help: "Orders rejected by the exposure limiter",
	})

	// UnconfirmedOrders tracks orders waiting on an uncertain broker outcome.
	UnconfirmedOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spad_unconfirmed_orders",
		Help: "Pending orders whose broker submission outcome is unknown",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spad_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spad_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spad_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveBroker records one broker call started at start.
func ObserveBroker(operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	BrokerCallDuration.WithLabelValues(operation, outcome).Observe(time.Since(start).Seconds())
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
