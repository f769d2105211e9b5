// Package telemetry bootstraps tracing and structured logging for the server
// process. The tracer setup is a direct generalization of the teacher CLI's
// logging/open-telemetry.go (InitTracer): a stdout exporter wrapped in a
// TracerProvider, registered globally via otel.SetTracerProvider.
//
// The teacher's own logging/printtelemetry.go hand-rolls "dump this value as
// indented JSON" with fmt.Println; no structured logging library is imported
// anywhere in the retrieval pack with enough fit to displace that idiom, so this
// package keeps it, but promotes it from ad hoc printf-debugging into a proper
// leveled log/slog handler (see DESIGN.md).
package telemetry

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// ServiceName identifies this process in exported trace resources.
const ServiceName = "go-mcp-usa"

// InitTracer wires a stdout span exporter into a global TracerProvider, exactly
// as the teacher CLI's InitTracer does, parameterized on the server's own name
// and version rather than the teacher's hardcoded "figaro".
func InitTracer(serverName, serverVersion string) (*trace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serverName),
		semconv.ServiceVersionKey.String(serverVersion),
	)

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// NewLogger returns the process-wide structured logger: JSON lines on stderr,
// the destination every server in the retrieval pack's corpus uses for
// operational logs (stdout is reserved for trace export and, historically, the
// teacher's own telemetry dumps).
func NewLogger(level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// Shutdown flushes and releases the tracer provider's exporter, for use from the
// process entry point's deferred cleanup.
func Shutdown(ctx context.Context, tp *trace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}
