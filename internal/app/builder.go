package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/tinyflake/git-server/internal/api"
	"github.com/tinyflake/git-server/internal/auth"
	"github.com/tinyflake/git-server/internal/config"
	"github.com/tinyflake/git-server/internal/githttp"
	"github.com/tinyflake/git-server/internal/oplog"
	"github.com/tinyflake/git-server/internal/repository"
	"github.com/tinyflake/git-server/internal/telemetry"
	"github.com/tinyflake/git-server/internal/versions"
)

// GitCheckFunc verifies the git binary and returns its version
type GitCheckFunc func(ctx context.Context, binary string) (string, error)

// GitServerAppOptions is a function that configures the git server app builder
type GitServerAppOptions func(*gitServerAppConfig) error

// gitServerAppConfig collects the inputs of NewGitServerApp.
// Component overrides are primarily for testing.
type gitServerAppConfig struct {
	config *config.Config

	authenticator auth.Authenticator
	resolver      repository.Resolver
	store         oplog.Store
	storeSet      bool
	telemetry     *telemetry.Telemetry
	gitCheck      GitCheckFunc

	address     string
	middlewares []func(http.Handler) http.Handler
}

func baseConfig(opts ...GitServerAppOptions) (*gitServerAppConfig, error) {
	cfg := &gitServerAppConfig{
		gitCheck: versions.CheckGit,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.address == "" {
		cfg.address = cfg.config.Server.GetAddress()
	}

	return cfg, nil
}

// NewGitServerApp builds every component from the configuration
func NewGitServerApp(
	ctx context.Context,
	opts ...GitServerAppOptions,
) (*GitServerApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}
	c := cfg.config

	gitVersion, err := cfg.gitCheck(ctx, c.Git.GetBinary())
	if err != nil {
		return nil, fmt.Errorf("git is not usable: %w", err)
	}
	slog.Info("Found git", "binary", c.Git.GetBinary(), "version", gitVersion)

	appCtx, cancel := context.WithCancel(ctx)
	components := &AppComponents{GitVersion: gitVersion}

	// Ensure cleanup happens on error
	cleanupNeeded := true
	defer func() {
		if !cleanupNeeded {
			return
		}
		cancel()
		if components.Store != nil {
			_ = components.Store.Close()
		}
		if components.Telemetry != nil {
			_ = components.Telemetry.Shutdown(context.Background())
		}
	}()

	if components.Telemetry, err = buildTelemetry(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to build telemetry: %w", err)
	}

	if components.Authenticator, err = buildAuthenticator(appCtx, cfg); err != nil {
		return nil, fmt.Errorf("failed to build authenticator: %w", err)
	}

	components.Resolver = cfg.resolver
	if components.Resolver == nil {
		components.Resolver = repository.NewFileResolver(c.Repositories.ConfigFile)
	}

	if components.Store, err = buildStore(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to open operation log: %w", err)
	}
	if components.Store != nil {
		components.Recorder = oplog.NewAsyncRecorder(components.Store,
			oplog.WithQueueSize(c.OperationLog.GetQueueSize()))
	}

	gitMetrics := components.Telemetry.GitMetrics()
	components.Manager = githttp.NewManager(
		githttp.WithBinary(c.Git.GetBinary()),
		githttp.WithMaxDuration(c.Git.GetMaxProcessDuration()),
		githttp.WithTerminateGrace(c.Git.GetTerminateGrace()),
		githttp.WithProcessMetrics(gitMetrics),
		githttp.WithTracer(components.Telemetry.Tracer(telemetry.TracerName)),
	)

	httpServer, err := buildHTTPServer(cfg, components)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	// Cleanup is now handled by the app, not in defer
	cleanupNeeded = false

	return &GitServerApp{
		config:     c,
		components: components,
		httpServer: httpServer,
		ctx:        appCtx,
		cancelFunc: cancel,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) GitServerAppOptions {
	return func(cfg *gitServerAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address, overriding server.address
func WithAddress(addr string) GitServerAppOptions {
	return func(cfg *gitServerAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, ok := strings.Cut(addr, ":")
		if !ok || port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares replaces the default HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) GitServerAppOptions {
	return func(cfg *gitServerAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithAuthenticator injects the credential store (for testing)
func WithAuthenticator(a auth.Authenticator) GitServerAppOptions {
	return func(cfg *gitServerAppConfig) error {
		cfg.authenticator = a
		return nil
	}
}

// WithResolver injects the repository resolver (for testing)
func WithResolver(r repository.Resolver) GitServerAppOptions {
	return func(cfg *gitServerAppConfig) error {
		cfg.resolver = r
		return nil
	}
}

// WithStore injects the operation log store. A nil store disables persistence.
func WithStore(s oplog.Store) GitServerAppOptions {
	return func(cfg *gitServerAppConfig) error {
		cfg.store = s
		cfg.storeSet = true
		return nil
	}
}

// WithTelemetry injects telemetry providers. Stop shuts them down.
func WithTelemetry(t *telemetry.Telemetry) GitServerAppOptions {
	return func(cfg *gitServerAppConfig) error {
		cfg.telemetry = t
		return nil
	}
}

// WithGitCheck replaces the startup git version check
func WithGitCheck(check GitCheckFunc) GitServerAppOptions {
	return func(cfg *gitServerAppConfig) error {
		if check == nil {
			return errors.New("git check cannot be nil")
		}
		cfg.gitCheck = check
		return nil
	}
}

func buildTelemetry(ctx context.Context, b *gitServerAppConfig) (*telemetry.Telemetry, error) {
	if b.telemetry != nil {
		return b.telemetry, nil
	}
	return telemetry.New(ctx, telemetry.WithTelemetryConfig(b.config.Telemetry))
}

func buildAuthenticator(ctx context.Context, b *gitServerAppConfig) (auth.Authenticator, error) {
	if b.authenticator != nil {
		return b.authenticator, nil
	}
	return auth.NewAuthenticator(ctx, b.config.Auth)
}

func buildStore(ctx context.Context, b *gitServerAppConfig) (oplog.Store, error) {
	if b.storeSet {
		return b.store, nil
	}
	if b.config.OperationLog == nil {
		slog.Warn("No operation log configured, git operations will not be persisted")
		return nil, nil
	}
	return oplog.OpenStore(ctx, b.config.OperationLog)
}

// buildHTTPServer builds the HTTP server with router and middleware
func buildHTTPServer(b *gitServerAppConfig, c *AppComponents) (*http.Server, error) {
	slog.Info("Initializing HTTP server")
	cfg := b.config

	// Use default middlewares if not provided
	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			api.LoggingMiddleware,
		}
	}

	// Telemetry wraps everything so rejected requests are measured too
	metricsMiddleware, err := telemetry.MetricsMiddleware(c.Telemetry.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics middleware: %w", err)
	}
	telemetryMiddlewares := []func(http.Handler) http.Handler{
		telemetry.TracingMiddleware(c.Telemetry.TracerProvider()),
	}
	if metricsMiddleware != nil {
		telemetryMiddlewares = append(telemetryMiddlewares, metricsMiddleware)
	}
	middlewares := append(telemetryMiddlewares, b.middlewares...)

	var recorder oplog.Recorder = oplog.Tee{
		asRecorder(c.Recorder),
		oplog.NewMetricsRecorder(c.Telemetry.GitMetrics()),
	}

	routes := githttp.NewRoutes(c.Resolver, c.Authenticator, recorder,
		githttp.WithManager(c.Manager),
		githttp.WithRealm(cfg.Git.GetRealm()),
		githttp.WithMaxPushBytes(cfg.Git.GetMaxPushBytes()),
		githttp.WithDebug(cfg.Git != nil && cfg.Git.EnableDebug),
	)

	router := api.NewServer(githttp.Router(routes),
		api.WithMiddlewares(middlewares...),
		api.WithRequestTimeout(cfg.Server.GetRequestTimeout()),
		api.WithMetricsHandler(c.Telemetry.PrometheusHandler()),
		api.WithReadinessCheck(readinessCheck(c.Resolver)),
		api.WithGitVersion(c.GitVersion),
	)

	// No read or write timeout: pushes and clones stream for as long as they take
	server := &http.Server{
		Addr:              b.address,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.GetReadHeaderTimeout(),
		IdleTimeout:       cfg.Server.GetIdleTimeout(),
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server, nil
}

// asRecorder keeps a nil *AsyncRecorder from becoming a non-nil interface
func asRecorder(r *oplog.AsyncRecorder) oplog.Recorder {
	if r == nil {
		return nil
	}
	return r
}

// readinessCheck reports ready once the repository list can be loaded
func readinessCheck(resolver repository.Resolver) api.ReadinessCheck {
	lister, ok := resolver.(interface{ Names() ([]string, error) })
	if !ok {
		return nil
	}
	return func(context.Context) error {
		_, err := lister.Names()
		return err
	}
}
