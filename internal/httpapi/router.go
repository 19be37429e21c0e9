// Package httpapi builds the default application handler hosted by the
// embedded server: health probes, Prometheus exposition, CORS and access
// logging.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cory-johannsen/deskserve/internal/config"
)

// Options configures the router.
type Options struct {
	Health config.HealthConfig
	// Metrics controls the Prometheus endpoint. Gatherer is required when enabled.
	Metrics  config.MetricsConfig
	Gatherer prometheus.Gatherer
	// CORS is the cross-origin policy applied ahead of routing, so preflights
	// succeed for any path.
	CORS config.CORSConfig
	// ReadinessChecks are evaluated on every GET /healthz/ready, keyed by name.
	ReadinessChecks map[string]healthcheck.Check
}

// NewRouter returns the application handler.
//
// Precondition: logger must be non-nil; opts.Gatherer must be non-nil when metrics are enabled.
// Postcondition: Returns a handler serving /healthz/live, /healthz/ready and, if enabled, the metrics path.
func NewRouter(logger *zap.Logger, opts Options) http.Handler {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(opts.Health.GoroutineThreshold))
	for name, check := range opts.ReadinessChecks {
		health.AddReadinessCheck(name, healthcheck.Timeout(check, opts.Health.CheckTimeout))
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(logger))
	if opts.CORS.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORS.AllowedOrigins,
			AllowedMethods: opts.CORS.AllowedMethods,
			AllowedHeaders: opts.CORS.AllowedHeaders,
			MaxAge:         int(opts.CORS.MaxAge.Seconds()),
		}))
	}
	r.Use(middleware.Recoverer)

	r.Get("/healthz/live", health.LiveEndpoint)
	r.Get("/healthz/ready", health.ReadyEndpoint)

	if opts.Metrics.Enabled {
		r.Handle(opts.Metrics.Path, promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// accessLog logs one line per request after the response is written.
func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Debug("request served",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("elapsed", time.Since(start)),
			)
		})
	}
}
