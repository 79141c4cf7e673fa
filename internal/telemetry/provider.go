package telemetry

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderOption configures NewTracerProvider and NewMeterProvider
type ProviderOption func(*providerConfig)

type providerConfig struct {
	serviceName    string
	serviceVersion string
	attributes     map[string]string

	endpoint    string
	insecure    bool
	otlpMetrics bool

	tracing *TracingConfig
	metrics *MetricsConfig

	registerer    prometheus.Registerer
	metricReaders []sdkmetric.Reader
	spanExporter  sdktrace.SpanExporter
}

func newProviderConfig(opts []ProviderOption) *providerConfig {
	cfg := &providerConfig{
		serviceName:    DefaultServiceName,
		serviceVersion: "unknown",
		endpoint:       DefaultEndpoint,
		otlpMetrics:    true,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithService names the service on the exported resource
func WithService(name, version string) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.serviceName = name
		cfg.serviceVersion = version
	}
}

// WithResourceAttributes adds attrs to the exported resource
func WithResourceAttributes(attrs map[string]string) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.attributes = attrs
	}
}

// WithEndpoint sets the OTLP/HTTP collector address
func WithEndpoint(endpoint string, insecure bool) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.endpoint = endpoint
		cfg.insecure = insecure
	}
}

// WithOTLPMetrics turns the OTLP metric push on or off
func WithOTLPMetrics(enabled bool) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.otlpMetrics = enabled
	}
}

// WithTracing enables tracing as described by tc
func WithTracing(tc *TracingConfig) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.tracing = tc
	}
}

// WithMetrics enables metrics as described by mc
func WithMetrics(mc *MetricsConfig) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.metrics = mc
	}
}

// WithPrometheusRegisterer is where the Prometheus exporter registers when
// MetricsConfig.Prometheus is set
func WithPrometheusRegisterer(reg prometheus.Registerer) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.registerer = reg
	}
}

// WithMetricReader adds a reader, typically a ManualReader in tests
func WithMetricReader(reader sdkmetric.Reader) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.metricReaders = append(cfg.metricReaders, reader)
	}
}

// WithSpanExporter replaces the OTLP span exporter, typically with an
// in-memory exporter in tests
func WithSpanExporter(exporter sdktrace.SpanExporter) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.spanExporter = exporter
	}
}

// resource builds the resource shared by both providers. resource.New is
// used instead of resource.Default to avoid schema URL conflicts.
func (cfg *providerConfig) resource(ctx context.Context) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.serviceName),
		semconv.ServiceVersion(cfg.serviceVersion),
	}
	for _, key := range slices.Sorted(maps.Keys(cfg.attributes)) {
		attrs = append(attrs, attribute.String(key, cfg.attributes[key]))
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}
