// Package otel holds the span helpers and attribute keys shared by the HTTP
// middleware and the git process manager.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for git operations
const (
	AttrRepository = attribute.Key("git.repository")
	AttrService    = attribute.Key("git.service")
	AttrOperation  = attribute.Key("git.operation")
	AttrUser       = attribute.Key("git.user")
	AttrExitCode   = attribute.Key("git.exit_code")
	AttrBytesIn    = attribute.Key("git.bytes_in")
	AttrBytesOut   = attribute.Key("git.bytes_out")
	AttrProcessPID = attribute.Key("process.pid")
)

// StartSpan starts an internal span carrying attrs. With a nil tracer it
// returns ctx unchanged and the span already in it, which may be a no-op.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	attrs ...attribute.KeyValue,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// Annotate adds attrs to the recording span in ctx, if there is one
func Annotate(ctx context.Context, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks span as failed. The status description stays generic
// so git stderr and paths only show up in the recorded event.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}

// SetOutcome records err, or marks span Ok when err is nil
func SetOutcome(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		RecordError(span, err)
		return
	}
	span.SetStatus(codes.Ok, "")
}
