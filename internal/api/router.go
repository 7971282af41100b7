// Package api exposes the resource stores and the engine fan-out over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/polyflip/tradestate/internal/fanout"
	"github.com/polyflip/tradestate/internal/logger"
	"github.com/polyflip/tradestate/internal/metrics"
	"github.com/polyflip/tradestate/internal/resource"
)

// Deps is everything the router serves. Nil Stores means the backend was
// not configured: every data request then fails with NotConfigured.
type Deps struct {
	Stores        *resource.Stores
	NotConfigured *resource.ConfigurationError
	Engines       *fanout.Manager
	Stream        http.Handler
	Ping          func(context.Context) error
	Log           *zap.Logger

	SharedKey      string
	MaxBodyBytes   int64
	RequestTimeout time.Duration
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 1 << 20
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 30 * time.Second
	}
	if d.Stores == nil && d.NotConfigured == nil {
		d.NotConfigured = &resource.ConfigurationError{Msg: "Database not configured."}
	}

	data := &dataHandler{
		stores:        d.Stores,
		notConfigured: d.NotConfigured,
		log:           logger.Component(d.Log, "data"),
		maxBody:       d.MaxBodyBytes,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger.Component(d.Log, "http")))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", healthHandler(d.Ping))
	r.Handle("/metrics", metrics.Handler())

	authLog := logger.Component(d.Log, "auth")
	r.Route("/api", func(r chi.Router) {
		if d.Stream != nil {
			r.With(requireKey(d.SharedKey, true, authLog)).Get("/stream", d.Stream.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(requireKey(d.SharedKey, false, authLog))
			r.Use(middleware.Timeout(d.RequestTimeout))

			if d.Engines != nil {
				eng := &engineHandler{fan: d.Engines, log: logger.Component(d.Log, "engines"), maxBody: d.MaxBodyBytes}
				r.Route("/engines", eng.routes)
			}

			r.HandleFunc("/data", data.serveCatchAll)
			r.HandleFunc("/data/*", data.serveCatchAll)
			r.HandleFunc("/{resource}", data.serveAlias)
			r.HandleFunc("/{resource}/*", data.serveAlias)
		})
	})

	return r
}

func healthHandler(ping func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]string{"status": "ok", "service": "tradestate"}
		status := http.StatusOK
		switch {
		case ping == nil:
			body["store"] = "not configured"
		default:
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				body["status"] = "degraded"
				body["store"] = err.Error()
				status = http.StatusServiceUnavailable
			} else {
				body["store"] = "ok"
			}
		}
		writeJSON(w, status, body)
	}
}
