// Package tracing wraps OTel span creation for consensus cycles and
// action execution. OTLP export is compiled behind the 'otel' build
// tag; without it spans go to the default no-op provider.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/nextlevelbuilder/quorum"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartCycle opens a span for one consensus cycle.
func StartCycle(ctx context.Context, agentID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "consensus.cycle",
		trace.WithAttributes(attribute.String("agent.id", agentID)))
}

// StartAction opens a span for one action execution.
func StartAction(ctx context.Context, agentID, actionType, actionID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "action."+actionType,
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("action.id", actionID),
		))
}

// RecordError attaches a failure reason code to the span as the
// error.code attribute. The span status is left unchanged.
func RecordError(span trace.Span, code string) {
	span.SetAttributes(attribute.String("error.code", code))
}
