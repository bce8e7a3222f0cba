// Package httpapi exposes the coordination core over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vnykmshr/gatekeep/pkg/lock"
	"github.com/vnykmshr/gatekeep/pkg/login"
	"github.com/vnykmshr/gatekeep/pkg/metrics"
	"github.com/vnykmshr/gatekeep/pkg/ratelimit/adaptive"
	"github.com/vnykmshr/gatekeep/pkg/ratelimit/concurrency"
	"github.com/vnykmshr/gatekeep/pkg/rules"
)

// Coordinator is the part of the coordination core served over HTTP.
type Coordinator interface {
	TryAcquireLock(ctx context.Context, resource string, ttl, maxWait time.Duration) (*lock.Lease, error)
	ReleaseLock(ctx context.Context, resource, token string) (bool, error)
	ExtendLock(ctx context.Context, resource, token string, ttl time.Duration) (bool, error)
	CheckRate(ctx context.Context, identifier, category string) (adaptive.Result, error)
	RecordLoginFailure(ctx context.Context, identifier string) (login.Status, error)
	RecordLoginSuccess(ctx context.Context, identifier string) error
	IsLocked(ctx context.Context, identifier string) (login.Status, error)
	ValidateRules() rules.Validation
	EvaluateRules(ctx context.Context, snap rules.Snapshot) (rules.Evaluation, error)
	SampleSnapshot(ctx context.Context) rules.Snapshot
	Ping(ctx context.Context) error
}

// ServerOption configures the HTTP server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	logger   *zap.Logger
	metrics  *metrics.Registry
	gatherer prometheus.Gatherer
	inflight *concurrency.Limiter
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) ServerOption {
	return func(cfg *serverConfig) { cfg.logger = l }
}

// WithMetrics records request counts and latency into m.
func WithMetrics(m *metrics.Registry) ServerOption {
	return func(cfg *serverConfig) { cfg.metrics = m }
}

// WithGatherer serves g on /metrics (default prometheus.DefaultGatherer).
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(cfg *serverConfig) { cfg.gatherer = g }
}

// WithInFlight tracks /v1 requests in l. Requests beyond its capacity get 503.
func WithInFlight(l *concurrency.Limiter) ServerOption {
	return func(cfg *serverConfig) { cfg.inflight = l }
}

type server struct {
	coord  Coordinator
	logger *zap.Logger
}

// NewServer builds the router.
func NewServer(coord Coordinator, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		logger:   zap.NewNop(),
		metrics:  metrics.Discard(),
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &server{coord: coord, logger: cfg.logger.Named("http")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(instrument(s.logger, cfg.metrics))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		if cfg.inflight != nil {
			r.Use(trackInFlight(cfg.inflight))
		}

		r.Post("/locks/{resource}", s.acquireLock)
		r.Delete("/locks/{resource}", s.releaseLock)
		r.Patch("/locks/{resource}", s.extendLock)

		r.Post("/ratelimit/{category}/{identifier}", s.checkRate)

		r.Post("/login/{identifier}/failure", s.loginFailure)
		r.Post("/login/{identifier}/success", s.loginSuccess)
		r.Get("/login/{identifier}", s.loginStatus)

		r.Get("/rules/validation", s.rulesValidation)
		r.Post("/rules/evaluate", s.evaluateRules)
	})

	return r
}

// instrument logs each request and records it by route pattern.
func instrument(logger *zap.Logger, m *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
			m.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())

			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

func trackInFlight(l *concurrency.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Acquire() {
				w.Header().Set("Retry-After", "1")
				writeError(w, "server busy", http.StatusServiceUnavailable)
				return
			}
			defer func() { _ = l.Release() }()
			next.ServeHTTP(w, r)
		})
	}
}
