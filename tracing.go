package streamstore

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "streamstore"

// Span attribute keys. Installing a trace provider is the host application's
// concern; without one these spans are no-ops.
const (
	attrStream          = "streamstore.stream"
	attrDirection       = "streamstore.direction"
	attrFromVersion     = "streamstore.from_version"
	attrFromPosition    = "streamstore.from_position"
	attrMaxCount        = "streamstore.max_count"
	attrExpectedVersion = "streamstore.expected_version"
	attrMessageCount    = "streamstore.message_count"
)

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	span.SetAttributes(attrs...)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
