package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "codegate"

// Tracer wraps OpenTelemetry tracing for the gateway.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("codegate.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for gateway tracing.
var (
	AttrJobID      = attribute.Key("codegate.job.id")
	AttrLanguage   = attribute.Key("codegate.language")
	AttrOutcome    = attribute.Key("codegate.outcome")
	AttrPrincipal  = attribute.Key("codegate.principal")
	AttrExitCode   = attribute.Key("codegate.exit_code")
	AttrDurationMS = attribute.Key("codegate.duration_ms")
)
