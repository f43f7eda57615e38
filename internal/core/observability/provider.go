package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SetupTracing installs a process-wide tracer provider so request
// handlers produce trace/span ids that audit events can attach. No
// exporter is wired by default; spans exist for id propagation and for
// whatever exporter the embedding process registers.
func SetupTracing() func(context.Context) error {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}
