package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// tracerName identifies this module's spans in any collector's UI.
const tracerName = "flanes"

// NewTracerProvider builds a trace provider exporting to stdout by default,
// so a caller gets working spans without configuring a real collector; swap
// the exporter for a real one (OTLP, Jaeger) by constructing a
// *trace.TracerProvider directly and calling otel.SetTracerProvider.
func NewTracerProvider() (*trace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := trace.NewTracerProvider(trace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartSpan opens a span for one of the repository core's externally
// callable operations (Checkpoint, Accept, Reject, Promote, GC), so a
// caller can wire a real collector without touching core logic.
func StartSpan(ctx context.Context, operation string) (context.Context, oteltrace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, operation)
}
