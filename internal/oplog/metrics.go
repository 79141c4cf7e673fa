package oplog

import (
	"context"

	"github.com/tinyflake/git-server/internal/telemetry"
)

// MetricsRecorder turns records into OpenTelemetry measurements
type MetricsRecorder struct {
	metrics *telemetry.GitMetrics
}

// NewMetricsRecorder returns nil when metrics is nil so callers can skip it in a Tee
func NewMetricsRecorder(metrics *telemetry.GitMetrics) Recorder {
	if metrics == nil {
		return nil
	}
	return &MetricsRecorder{metrics: metrics}
}

// Record implements Recorder
func (m *MetricsRecorder) Record(ctx context.Context, rec Record) {
	m.metrics.RecordOperation(ctx, telemetry.GitOperation{
		Operation:  string(rec.Operation),
		Repository: rec.Repository,
		Success:    rec.Success,
		Duration:   rec.Duration(),
		BytesIn:    rec.BytesIn,
		BytesOut:   rec.BytesOut,
	})
}
