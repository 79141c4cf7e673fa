package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry owns the tracer and meter providers, the git instruments built
// on top of them and, when enabled, the Prometheus registry behind /metrics.
type Telemetry struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	promRegistry   *prometheus.Registry
	gitMetrics     *GitMetrics
}

// Option configures New
type Option func(*telemetryConfig)

type telemetryConfig struct {
	config    *Config
	providers []ProviderOption
}

// WithTelemetryConfig sets the telemetry configuration
func WithTelemetryConfig(cfg *Config) Option {
	return func(tc *telemetryConfig) {
		tc.config = cfg
	}
}

// WithProviderOptions passes extra options to both providers, after the
// ones derived from the configuration
func WithProviderOptions(opts ...ProviderOption) Option {
	return func(tc *telemetryConfig) {
		tc.providers = append(tc.providers, opts...)
	}
}

// New builds the providers described by the configuration. A nil or
// disabled configuration yields no-op providers and nil GitMetrics.
// The caller must call Shutdown.
func New(ctx context.Context, opts ...Option) (*Telemetry, error) {
	tc := &telemetryConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	cfg := tc.config

	if cfg == nil || !cfg.Enabled {
		slog.Debug("Telemetry disabled")
		return &Telemetry{
			tracerProvider: mustNoop(NewTracerProvider(ctx)),
			meterProvider:  mustNoop(NewMeterProvider(ctx)),
		}, nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	slog.Info("Initializing telemetry",
		"service_name", cfg.GetServiceName(),
		"service_version", cfg.GetServiceVersion(),
	)

	common := []ProviderOption{
		WithService(cfg.GetServiceName(), cfg.GetServiceVersion()),
		WithResourceAttributes(cfg.ResourceAttributes),
		WithEndpoint(cfg.GetEndpoint(), cfg.Insecure),
		WithOTLPMetrics(cfg.ExportsOTLPMetrics()),
	}

	var registry *prometheus.Registry
	if cfg.PrometheusEnabled() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		common = append(common, WithPrometheusRegisterer(registry))
	}
	common = append(common, tc.providers...)

	tracerProvider, err := NewTracerProvider(ctx, append(common, WithTracing(cfg.Tracing))...)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer provider: %w", err)
	}
	t := &Telemetry{tracerProvider: tracerProvider, promRegistry: registry}

	if t.meterProvider, err = NewMeterProvider(ctx, append(common, WithMetrics(cfg.Metrics))...); err != nil {
		_ = t.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create meter provider: %w", err)
	}

	if cfg.MetricsEnabled() {
		if t.gitMetrics, err = NewGitMetrics(t.meterProvider); err != nil {
			_ = t.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create git metrics: %w", err)
		}
	}

	slog.Info("Telemetry initialized successfully")
	return t, nil
}

// mustNoop unwraps a provider constructor that cannot fail without options
func mustNoop[P any](p P, err error) P {
	if err != nil {
		panic(err)
	}
	return p
}

// GitMetrics returns the git operation instruments, nil unless metrics are enabled
func (t *Telemetry) GitMetrics() *GitMetrics {
	return t.gitMetrics
}

// PrometheusHandler serves the Prometheus exposition format, nil unless
// Prometheus metrics are enabled
func (t *Telemetry) PrometheusHandler() http.Handler {
	if t.promRegistry == nil {
		return nil
	}
	return promhttp.HandlerFor(t.promRegistry, promhttp.HandlerOpts{})
}

// TracerProvider returns the tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Tracer returns a named tracer
func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return t.tracerProvider.Tracer(name, opts...)
}

// Shutdown flushes and stops the SDK providers
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if tp, ok := t.tracerProvider.(*sdktrace.TracerProvider); ok {
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
	}
	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	slog.Debug("Telemetry shutdown complete")
	return nil
}
