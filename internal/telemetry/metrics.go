package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// GitMetricsMeterName is the name used for the git operation metrics meter
	GitMetricsMeterName = "github.com/tinyflake/git-server/git"
)

// GitOperation is one completed git request as seen by the metrics layer
type GitOperation struct {
	Operation  string
	Repository string
	Success    bool
	Duration   time.Duration
	BytesIn    int64
	BytesOut   int64
}

// GitMetrics holds the OpenTelemetry instruments for git operations
type GitMetrics struct {
	operationsTotal   metric.Int64Counter
	operationDuration metric.Float64Histogram
	bytesReceived     metric.Int64Counter
	bytesSent         metric.Int64Counter
	activeProcesses   metric.Int64UpDownCounter
}

// NewGitMetrics creates a new GitMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewGitMetrics(provider metric.MeterProvider) (*GitMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(GitMetricsMeterName)

	operationsTotal, err := meter.Int64Counter(
		"git_server_operations_total",
		metric.WithDescription("Total number of git operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	operationDuration, err := meter.Float64Histogram(
		"git_server_operation_duration_seconds",
		metric.WithDescription("Duration of git operations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900),
	)
	if err != nil {
		return nil, err
	}

	bytesReceived, err := meter.Int64Counter(
		"git_server_received_bytes_total",
		metric.WithDescription("Bytes read from clients and written to git processes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	bytesSent, err := meter.Int64Counter(
		"git_server_sent_bytes_total",
		metric.WithDescription("Bytes read from git processes and written to clients"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	activeProcesses, err := meter.Int64UpDownCounter(
		"git_server_active_processes",
		metric.WithDescription("Number of running git subprocesses"),
		metric.WithUnit("{process}"),
	)
	if err != nil {
		return nil, err
	}

	return &GitMetrics{
		operationsTotal:   operationsTotal,
		operationDuration: operationDuration,
		bytesReceived:     bytesReceived,
		bytesSent:         bytesSent,
		activeProcesses:   activeProcesses,
	}, nil
}

// RecordOperation records a completed git operation
func (m *GitMetrics) RecordOperation(ctx context.Context, op GitOperation) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", op.Operation),
		attribute.String("repository", op.Repository),
		attribute.Bool("success", op.Success),
	)

	m.operationsTotal.Add(ctx, 1, attrs)
	m.operationDuration.Record(ctx, op.Duration.Seconds(), attrs)
	if op.BytesIn > 0 {
		m.bytesReceived.Add(ctx, op.BytesIn, attrs)
	}
	if op.BytesOut > 0 {
		m.bytesSent.Add(ctx, op.BytesOut, attrs)
	}
}

// ProcessStarted increments the running subprocess gauge for service
func (m *GitMetrics) ProcessStarted(ctx context.Context, service string) {
	if m == nil {
		return
	}
	m.activeProcesses.Add(ctx, 1, metric.WithAttributes(attribute.String("service", service)))
}

// ProcessExited decrements the running subprocess gauge for service
func (m *GitMetrics) ProcessExited(ctx context.Context, service string) {
	if m == nil {
		return
	}
	m.activeProcesses.Add(ctx, -1, metric.WithAttributes(attribute.String("service", service)))
}
