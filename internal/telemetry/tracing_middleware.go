package telemetry

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	gitotel "github.com/tinyflake/git-server/internal/otel"
)

const (
	// TracerName is the tracer used for request spans and the git process spans under them
	TracerName = "github.com/tinyflake/git-server/http"

	// MaxUserAgentLength caps the user agent recorded on spans
	MaxUserAgentLength = 256
)

// untracedPaths are probe and scrape endpoints
var untracedPaths = map[string]struct{}{
	"/health":    {},
	"/readiness": {},
	"/metrics":   {},
}

// TracingMiddleware starts a server span per request. Git requests carry the
// service and, once routed, the repository name. A nil provider disables it.
func TracingMiddleware(provider trace.TracerProvider) func(http.Handler) http.Handler {
	if provider == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	tracer := provider.Tracer(TracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := untracedPaths[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			opts := []trace.SpanStartOption{
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.UserAgentOriginal(truncateUserAgent(r.UserAgent())),
				),
			}
			if svc := gitService(r); svc != serviceNone {
				opts = append(opts, trace.WithAttributes(gitotel.AttrService.String(svc)))
			}

			// Renamed after routing, when the pattern is known
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path, opts...)
			defer span.End()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			route := getRoutePattern(r)
			span.SetName(r.Method + " " + route)
			span.SetAttributes(
				semconv.HTTPRouteKey.String(route),
				semconv.HTTPResponseStatusCode(ww.Status()),
			)
			if repo := repositoryParam(r); repo != "" {
				span.SetAttributes(gitotel.AttrRepository.String(repo))
			}

			// 4xx leaves the status unset: a 401 is how every push starts
			switch status := ww.Status(); {
			case status >= http.StatusInternalServerError:
				span.SetStatus(codes.Error, http.StatusText(status))
			case status < http.StatusBadRequest:
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

func truncateUserAgent(ua string) string {
	if len(ua) <= MaxUserAgentLength {
		return ua
	}
	return ua[:MaxUserAgentLength]
}
