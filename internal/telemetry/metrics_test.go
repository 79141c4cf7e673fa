package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// collectGitMetrics returns the metrics of the git scope keyed by name
func collectGitMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		if scope.Scope.Name != GitMetricsMeterName {
			continue
		}
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestNewGitMetrics(t *testing.T) {
	t.Parallel()

	t.Run("returns nil when provider is nil", func(t *testing.T) {
		t.Parallel()

		metrics, err := NewGitMetrics(nil)
		require.NoError(t, err)
		assert.Nil(t, metrics)
	})

	t.Run("creates metrics with SDK provider", func(t *testing.T) {
		t.Parallel()

		mp := sdkmetric.NewMeterProvider()
		defer func() { _ = mp.Shutdown(context.Background()) }()

		metrics, err := NewGitMetrics(mp)
		require.NoError(t, err)
		require.NotNil(t, metrics)
		assert.NotNil(t, metrics.operationsTotal)
		assert.NotNil(t, metrics.operationDuration)
	})
}

func TestGitMetrics_RecordOperation(t *testing.T) {
	t.Parallel()

	t.Run("no-op when metrics is nil", func(t *testing.T) {
		t.Parallel()

		var metrics *GitMetrics
		metrics.RecordOperation(context.Background(), GitOperation{Operation: "clone"})
		metrics.ProcessStarted(context.Background(), "git-upload-pack")
		metrics.ProcessExited(context.Background(), "git-upload-pack")
	})

	t.Run("records counters and histogram", func(t *testing.T) {
		t.Parallel()

		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer func() { _ = mp.Shutdown(context.Background()) }()

		metrics, err := NewGitMetrics(mp)
		require.NoError(t, err)

		ctx := context.Background()
		metrics.RecordOperation(ctx, GitOperation{
			Operation: "clone", Repository: "demo", Success: true,
			Duration: 2 * time.Second, BytesIn: 100, BytesOut: 4096,
		})
		metrics.RecordOperation(ctx, GitOperation{
			Operation: "push", Repository: "demo", Success: false,
			Duration: 10 * time.Millisecond,
		})

		got := collectGitMetrics(t, reader)

		total, ok := got["git_server_operations_total"].Data.(metricdata.Sum[int64])
		require.True(t, ok, "expected int64 sum")
		var count int64
		for _, dp := range total.DataPoints {
			count += dp.Value
		}
		assert.Equal(t, int64(2), count)

		hist, ok := got["git_server_operation_duration_seconds"].Data.(metricdata.Histogram[float64])
		require.True(t, ok, "expected histogram")
		assert.Len(t, hist.DataPoints, 2)

		sent, ok := got["git_server_sent_bytes_total"].Data.(metricdata.Sum[int64])
		require.True(t, ok)
		require.Len(t, sent.DataPoints, 1)
		assert.Equal(t, int64(4096), sent.DataPoints[0].Value)
	})

	t.Run("tracks active processes", func(t *testing.T) {
		t.Parallel()

		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer func() { _ = mp.Shutdown(context.Background()) }()

		metrics, err := NewGitMetrics(mp)
		require.NoError(t, err)

		ctx := context.Background()
		metrics.ProcessStarted(ctx, "git-upload-pack")
		metrics.ProcessStarted(ctx, "git-upload-pack")
		metrics.ProcessExited(ctx, "git-upload-pack")

		active, ok := collectGitMetrics(t, reader)["git_server_active_processes"].Data.(metricdata.Sum[int64])
		require.True(t, ok)
		require.Len(t, active.DataPoints, 1)
		assert.Equal(t, int64(1), active.DataPoints[0].Value)
	})
}
