package observability

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/atenova/sintesi/internal/platform/envutil"
	"github.com/atenova/sintesi/internal/platform/logger"
)

const serviceName = "sintesi"

// Setup installs a global tracer provider when OTEL_ENABLED=true. The
// returned shutdown flushes pending spans; it is a no-op when tracing is off.
func Setup(ctx context.Context, log *logger.Logger) (func(context.Context) error, error) {
	if envutil.GetEnv("OTEL_ENABLED", "false", log) != "true" {
		return func(context.Context) error { return nil }, nil
	}

	exporterKind := strings.ToLower(envutil.GetEnv("OTEL_EXPORTER", "otlp", log))
	var exporter sdktrace.SpanExporter
	var err error
	switch exporterKind {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		exporter, err = otlptracehttp.New(ctx)
	default:
		return nil, fmt.Errorf("unknown OTEL_EXPORTER %q", exporterKind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build %s trace exporter: %w", exporterKind, err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info("Tracing enabled", "exporter", exporterKind)
	return tp.Shutdown, nil
}
