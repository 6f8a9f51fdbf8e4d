package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentforge"

// StartDispatchSpan starts a span for one task dispatch attempt.
func StartDispatchSpan(ctx context.Context, taskID, taskType, agentID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.type", taskType),
			attribute.String("agent.id", agentID),
		),
	)
}

// StartStrategySpan starts a span covering a full strategy execution.
func StartStrategySpan(ctx context.Context, taskID, strategy string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "strategy",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("strategy", strategy),
		),
	)
}
