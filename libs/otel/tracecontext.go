package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TraceContext is the propagation data persisted next to an outbox record
// (traceparent, tracestate, baggage).
type TraceContext map[string]string

// CaptureTraceContext serializes the span context of ctx with the global propagator.
// It returns nil when there is nothing to propagate.
func CaptureTraceContext(ctx context.Context) TraceContext {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return TraceContext(carrier)
}

// ContextWithTraceContext restores a previously captured trace context as the remote parent of ctx.
func ContextWithTraceContext(ctx context.Context, tc TraceContext) context.Context {
	if len(tc) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(tc))
}
