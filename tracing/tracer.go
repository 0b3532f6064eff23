// Package tracing sets up the OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultServiceName = "shadow-bridge"
	tracerName         = "github.com/pilab-dev/shadow-bridge"
)

// Tracer is the application tracer. It falls back to the global provider
// until InitTracerProvider runs.
var Tracer trace.Tracer = otel.Tracer(tracerName)

// InitTracerProvider registers a global TracerProvider exporting to stdout.
// An empty serviceName falls back to OTEL_SERVICE_NAME, then to the default.
func InitTracerProvider(serviceName string) (*sdktrace.TracerProvider, error) {
	return InitTracerProviderTo(os.Stdout, serviceName)
}

// InitTracerProviderTo is InitTracerProvider with an explicit destination.
func InitTracerProviderTo(w io.Writer, serviceName string) (*sdktrace.TracerProvider, error) {
	if serviceName == "" {
		serviceName = os.Getenv("OTEL_SERVICE_NAME")
	}
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	Tracer = tp.Tracer(tracerName)

	return tp, nil
}
