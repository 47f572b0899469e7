package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for smile spans.
var (
	AttrTutorial      = attribute.Key("smile.tutorial")
	AttrIteration     = attribute.Key("smile.loop.iteration")
	AttrLoopStatus    = attribute.Key("smile.loop.status")
	AttrStudentStatus = attribute.Key("smile.student.status")
	AttrProvider      = attribute.Key("smile.llm.provider")
	AttrContainerID   = attribute.Key("smile.container.id")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound callback or API request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
