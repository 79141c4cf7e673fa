package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewMeterProvider returns an SDK meter provider when metrics are enabled
// and a no-op provider otherwise. Readers are attached for the OTLP push,
// the Prometheus exporter and any WithMetricReader readers. The SDK provider
// is installed globally; the caller must shut it down.
func NewMeterProvider(ctx context.Context, opts ...ProviderOption) (metric.MeterProvider, error) {
	cfg := newProviderConfig(opts)

	if cfg.metrics == nil || !cfg.metrics.Enabled {
		slog.Info("Metrics disabled, using no-op meter provider")
		return noop.NewMeterProvider(), nil
	}

	res, err := cfg.resource(ctx)
	if err != nil {
		return nil, err
	}

	readers, err := cfg.readers(ctx)
	if err != nil {
		return nil, err
	}

	providerOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, reader := range readers {
		providerOpts = append(providerOpts, sdkmetric.WithReader(reader))
	}

	mp := sdkmetric.NewMeterProvider(providerOpts...)
	otel.SetMeterProvider(mp)

	slog.Info("Metrics initialized",
		"otlp", cfg.otlpMetrics,
		"prometheus", cfg.metrics.Prometheus,
		"readers", len(readers),
	)
	return mp, nil
}

func (cfg *providerConfig) readers(ctx context.Context) ([]sdkmetric.Reader, error) {
	var readers []sdkmetric.Reader

	if cfg.otlpMetrics {
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.endpoint)}
		if cfg.insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(cfg.metrics.GetExportInterval())))
	}

	if cfg.metrics.Prometheus {
		if cfg.registerer == nil {
			return nil, errors.New("prometheus metrics enabled without a registerer")
		}
		exporter, err := otelprom.New(otelprom.WithRegisterer(cfg.registerer))
		if err != nil {
			return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
		}
		readers = append(readers, exporter)
	}

	return append(readers, cfg.metricReaders...), nil
}
