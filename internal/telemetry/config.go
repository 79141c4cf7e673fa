// Package telemetry provides OpenTelemetry instrumentation for the git server.
// Traces and metrics go to an OTLP collector, and metrics can additionally be
// scraped from /metrics in the Prometheus format.
package telemetry

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultServiceName identifies the server when serviceName is unset
	DefaultServiceName = "git-server"

	// DefaultEndpoint is the OTLP/HTTP collector address
	DefaultEndpoint = "localhost:4318"

	// DefaultSampling samples 5% of new traces
	DefaultSampling = 0.05

	// DefaultExportInterval is how often metrics are pushed over OTLP
	DefaultExportInterval = 60 * time.Second
)

// Config is the telemetry section of the server configuration
type Config struct {
	// Enabled turns telemetry on. Nothing is exported while it is false.
	Enabled bool `yaml:"enabled"`

	ServiceName    string `yaml:"serviceName,omitempty"`
	ServiceVersion string `yaml:"serviceVersion,omitempty"`

	// Endpoint is an OTLP/HTTP "host:port". The /v1/traces and /v1/metrics
	// paths are appended by the exporters.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure sends OTLP over plain HTTP. Development only.
	Insecure bool `yaml:"insecure,omitempty"`

	// ResourceAttributes are added to every exported span and metric,
	// e.g. deployment.environment.
	ResourceAttributes map[string]string `yaml:"resourceAttributes,omitempty"`

	Tracing *TracingConfig `yaml:"tracing,omitempty"`
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig controls span export
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Sampling is the ratio of new traces to keep, 0 < s <= 1. Requests that
	// arrive with a sampled parent are always kept.
	Sampling float64 `yaml:"sampling,omitempty"`
}

// MetricsConfig controls metric export
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Prometheus serves metrics on /metrics. Without an explicit endpoint
	// this disables the OTLP push.
	Prometheus bool `yaml:"prometheus,omitempty"`

	// ExportInterval is a Go duration for the OTLP push period
	ExportInterval string `yaml:"exportInterval,omitempty"`
}

// GetServiceName returns ServiceName or DefaultServiceName
func (c *Config) GetServiceName() string {
	if c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// GetServiceVersion returns ServiceVersion or "unknown"
func (c *Config) GetServiceVersion() string {
	if c.ServiceVersion == "" {
		return "unknown"
	}
	return c.ServiceVersion
}

// GetEndpoint returns Endpoint or DefaultEndpoint
func (c *Config) GetEndpoint() string {
	if c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

// TracingEnabled reports whether spans are exported
func (c *Config) TracingEnabled() bool {
	return c != nil && c.Enabled && c.Tracing != nil && c.Tracing.Enabled
}

// MetricsEnabled reports whether metrics are collected at all
func (c *Config) MetricsEnabled() bool {
	return c != nil && c.Enabled && c.Metrics != nil && c.Metrics.Enabled
}

// PrometheusEnabled reports whether /metrics should be served
func (c *Config) PrometheusEnabled() bool {
	return c.MetricsEnabled() && c.Metrics.Prometheus
}

// ExportsOTLPMetrics reports whether metrics are pushed to the OTLP endpoint
func (c *Config) ExportsOTLPMetrics() bool {
	if !c.MetricsEnabled() {
		return false
	}
	return !c.Metrics.Prometheus || c.Endpoint != ""
}

// GetSampling returns Sampling, treating the zero value as DefaultSampling
func (c *TracingConfig) GetSampling() float64 {
	if c == nil || c.Sampling == 0 {
		return DefaultSampling
	}
	return c.Sampling
}

// GetExportInterval returns ExportInterval or DefaultExportInterval.
// Validate rejects unparsable values.
func (c *MetricsConfig) GetExportInterval() time.Duration {
	if c == nil || c.ExportInterval == "" {
		return DefaultExportInterval
	}
	d, err := time.ParseDuration(c.ExportInterval)
	if err != nil || d <= 0 {
		return DefaultExportInterval
	}
	return d
}

// Validate checks the enabled parts of the configuration. A nil or disabled
// config is valid.
func (c *Config) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	var errs []error
	for key := range c.ResourceAttributes {
		if key == "" {
			errs = append(errs, errors.New("resourceAttributes: empty attribute name"))
		}
	}
	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}
	if err := c.Metrics.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	}
	return errors.Join(errs...)
}

// Validate checks the sampling ratio
func (c *TracingConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}
	if c.Sampling < 0 || c.Sampling > 1.0 {
		return fmt.Errorf("sampling must be between 0.0 and 1.0, got %f", c.Sampling)
	}
	return nil
}

// Validate checks the export interval
func (c *MetricsConfig) Validate() error {
	if c == nil || !c.Enabled || c.ExportInterval == "" {
		return nil
	}
	d, err := time.ParseDuration(c.ExportInterval)
	if err != nil {
		return fmt.Errorf("exportInterval: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("exportInterval must be positive, got %s", c.ExportInterval)
	}
	return nil
}
