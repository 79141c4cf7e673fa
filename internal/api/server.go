// Package api provides the HTTP server that hosts the git endpoints and the
// operational routes around them.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tinyflake/git-server/internal/api/common"
	"github.com/tinyflake/git-server/internal/versions"
)

// GitPrefix is where the git smart HTTP routes are mounted
const GitPrefix = "/git"

// ReadinessCheck reports whether the server can serve git requests
type ReadinessCheck func(ctx context.Context) error

// ServerOption configures the git API server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares    []func(http.Handler) http.Handler
	readiness      ReadinessCheck
	metricsHandler http.Handler
	requestTimeout time.Duration
	gitVersion     string
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithReadinessCheck sets the check behind /readiness
func WithReadinessCheck(check ReadinessCheck) ServerOption {
	return func(cfg *serverConfig) {
		cfg.readiness = check
	}
}

// WithMetricsHandler serves handler on /metrics
func WithMetricsHandler(handler http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.metricsHandler = handler
	}
}

// WithRequestTimeout bounds the operational routes. Git routes stream for as
// long as the transfer takes and are never subject to it.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		cfg.requestTimeout = d
	}
}

// WithGitVersion reports v as git_version on /version
func WithGitVersion(v string) ServerOption {
	return func(cfg *serverConfig) {
		cfg.gitVersion = v
	}
}

// NewServer creates the HTTP router with the git handler mounted under GitPrefix
func NewServer(git http.Handler, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		middlewares: []func(http.Handler) http.Handler{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Group(func(r chi.Router) {
		if cfg.requestTimeout > 0 {
			r.Use(middleware.Timeout(cfg.requestTimeout))
		}
		r.Get("/health", healthHandler)
		r.Get("/readiness", readinessHandler(cfg.readiness))
		r.Get("/version", versionHandler(cfg.gitVersion))
		if cfg.metricsHandler != nil {
			r.Method(http.MethodGet, "/metrics", cfg.metricsHandler)
		}
	})

	r.Mount(GitPrefix, git)

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.DebugContext(r.Context(), "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, HealthResponse{Status: "healthy"}, http.StatusOK)
}

func readinessHandler(check ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				slog.Warn("Readiness check failed", "error", err)
				common.WriteErrorResponse(w, "Server not ready: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		common.WriteJSONResponse(w, ReadinessResponse{Status: "ready"}, http.StatusOK)
	}
}

func versionHandler(gitVersion string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		info := versions.GetVersionInfo()
		common.WriteJSONResponse(w, VersionResponse{
			Version:    info.Version,
			Commit:     info.Commit,
			BuildDate:  info.BuildDate,
			GoVersion:  info.GoVersion,
			Platform:   info.Platform,
			GitVersion: gitVersion,
		}, http.StatusOK)
	}
}
