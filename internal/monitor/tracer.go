package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agent-exec-sandbox"

// Tracer wraps OpenTelemetry tracing for the execution service.
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
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("exec.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for execution tracing. Code travels as a hash;
// raw program text never lands in telemetry.
var (
	AttrExecID     = attribute.Key("exec.id")
	AttrLanguage   = attribute.Key("exec.language")
	AttrCodeHash   = attribute.Key("exec.code_hash")
	AttrSandboxID  = attribute.Key("exec.sandbox_id")
	AttrStatus     = attribute.Key("exec.status")
	AttrExitCode   = attribute.Key("exec.exit_code")
	AttrDurationMS = attribute.Key("exec.duration_ms")
)
