// Package metrics provides Prometheus instrumentation for the state service.
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
	// ResourceOps counts resource store operations by outcome
	// (ok, invalid, error).
	ResourceOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradestate_resource_ops_total",
		Help: "Resource store operations",
	}, []string{"resource", "op", "outcome"})

	// ResourceLatency tracks store round trips per resource operation.
	ResourceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradestate_resource_latency_seconds",
		Help:    "Resource store operation latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"resource", "op"})

	// FanoutEvents counts engine events re-emitted by the fan-out layer.
	FanoutEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradestate_fanout_events_total",
		Help: "Engine events re-emitted by the asset fan-out",
	}, []string{"asset", "kind"})

	// ActiveEngines tracks engines currently trading.
	ActiveEngines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradestate_active_engines",
		Help: "Number of asset engines currently trading",
	})

	// PersistFailures counts listener writes that failed and were dropped.
	PersistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradestate_persist_failures_total",
		Help: "Engine event writes that failed",
	}, []string{"resource", "asset"})

	// WebSocketClients tracks connected stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradestate_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradestate_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradestate_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveResource records one store operation.
func ObserveResource(resource, op, outcome string, started time.Time) {
	ResourceOps.WithLabelValues(resource, op, outcome).Inc()
	ResourceLatency.WithLabelValues(resource, op).Observe(time.Since(started).Seconds())
}

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

		HTTPRequestsTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, routePattern(r)).Observe(time.Since(start).Seconds())
	})
}

// routePattern keeps label cardinality bounded: the matched chi pattern,
// never the raw path.
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

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack is required by the WebSocket upgrade on /api/stream.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: underlying writer cannot hijack")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
