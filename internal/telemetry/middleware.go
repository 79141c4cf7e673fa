package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HTTPMetricsMeterName is the meter behind the HTTP request metrics
const HTTPMetricsMeterName = "github.com/tinyflake/git-server/http"

// HTTPMetrics instruments every request, git and operational alike. Each
// measurement carries the git service so clone, fetch and push traffic can
// be told apart without a per-repository label.
type HTTPMetrics struct {
	requestDuration metric.Float64Histogram
	requestsTotal   metric.Int64Counter
	activeRequests  metric.Int64UpDownCounter
	responseBytes   metric.Int64Counter
}

// NewHTTPMetrics creates the instruments on provider. A nil provider yields
// nil metrics, whose Middleware passes requests through.
func NewHTTPMetrics(provider metric.MeterProvider) (*HTTPMetrics, error) {
	if provider == nil {
		return nil, nil
	}
	meter := provider.Meter(HTTPMetricsMeterName)

	m := &HTTPMetrics{}
	var err error

	// Buckets reach well past typical API latencies because a clone of a
	// large repository is a single request.
	if m.requestDuration, err = meter.Float64Histogram(
		"git_server_http_request_duration_seconds",
		metric.WithDescription("Duration of HTTP requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.25, 1, 2.5, 10, 30, 60, 300, 900),
	); err != nil {
		return nil, err
	}
	if m.requestsTotal, err = meter.Int64Counter(
		"git_server_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.activeRequests, err = meter.Int64UpDownCounter(
		"git_server_http_active_requests",
		metric.WithDescription("Number of in-flight HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.responseBytes, err = meter.Int64Counter(
		"git_server_http_response_bytes_total",
		metric.WithDescription("Bytes written in HTTP response bodies"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Middleware records one measurement per request
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// r.Context() may be cancelled by the time the handler returns
		ctx := r.Context()
		start := time.Now()
		service := attribute.String("git_service", gitService(r))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		m.activeRequests.Add(ctx, 1, metric.WithAttributes(service))
		defer m.activeRequests.Add(ctx, -1, metric.WithAttributes(service))

		next.ServeHTTP(ww, r)

		attrs := metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", getRoutePattern(r)),
			attribute.String("status_code", strconv.Itoa(ww.Status())),
			service,
		)
		m.requestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		m.requestsTotal.Add(ctx, 1, attrs)
		if n := ww.BytesWritten(); n > 0 {
			m.responseBytes.Add(ctx, int64(n), attrs)
		}
	})
}

// MetricsMiddleware combines NewHTTPMetrics and Middleware
func MetricsMiddleware(provider metric.MeterProvider) (func(http.Handler) http.Handler, error) {
	metrics, err := NewHTTPMetrics(provider)
	if err != nil {
		return nil, err
	}
	return metrics.Middleware, nil
}
