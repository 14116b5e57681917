// Package trace wraps OpenTelemetry span creation for streaming turns.
//
// The tracer uses the global OpenTelemetry tracer provider. Configure it
// in your main() before connecting:
//
//	tp := sdktrace.NewTracerProvider(
//	    sdktrace.WithBatcher(exporter),
//	    sdktrace.WithResource(resource.NewWithAttributes(
//	        semconv.SchemaURL,
//	        semconv.ServiceName("relay"),
//	    )),
//	)
//	otel.SetTracerProvider(tp)
package trace

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Default tracer name for relay sessions.
const defaultTracerName = "relay"

// TurnResult labels the outcome of a streaming turn on its span.
type TurnResult string

const (
	ResultCompleted TurnResult = "completed"
	ResultCancelled TurnResult = "cancelled"
	ResultAbandoned TurnResult = "abandoned"
)

// TurnTracer opens one span per streaming turn, from the first stream
// fragment to finalization.
type TurnTracer struct {
	sessionID string
	tracer    trace.Tracer
}

// Option configures a TurnTracer.
type Option func(*TurnTracer)

// WithTracerName sets the tracer name (default: "relay").
func WithTracerName(name string) Option {
	return func(t *TurnTracer) {
		t.tracer = otel.Tracer(name)
	}
}

// NewTurnTracer resolves a tracer from the global provider. With no SDK
// configured the spans are no-ops, so construction is always safe.
func NewTurnTracer(sessionID string, opts ...Option) *TurnTracer {
	t := &TurnTracer{
		sessionID: sessionID,
		tracer:    otel.Tracer(defaultTracerName),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartTurn opens a span for the given stream id.
func (t *TurnTracer) StartTurn(ctx context.Context, streamID string) (context.Context, trace.Span) {
	if t == nil {
		return otel.Tracer(defaultTracerName).Start(ctx, "relay.turn")
	}
	return t.tracer.Start(ctx, "relay.turn",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithTimestamp(time.Now()),
		trace.WithAttributes(
			attribute.String("relay.session_id", t.sessionID),
			attribute.String("relay.stream_id", streamID),
		),
	)
}

// EndTurn records the outcome and closes the span.
func (t *TurnTracer) EndTurn(span trace.Span, result TurnResult, contentLen int) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String("relay.turn_result", string(result)),
		attribute.Int("relay.content_length", contentLen),
	)
	if result == ResultAbandoned {
		span.SetStatus(codes.Error, "turn abandoned")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
