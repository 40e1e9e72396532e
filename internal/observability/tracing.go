package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used across the service.
const TracerName = "climatescope"

// Tracer returns the global tracer for the service.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// SetupTracing installs a global tracer provider and W3C trace-context propagation.
// When zipkinURL is empty spans are recorded but not exported.
// The returned func flushes and stops the provider.
func SetupTracing(serviceName, zipkinURL string, sampleRatio float64) (func(context.Context) error, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	}
	if zipkinURL != "" {
		exp, err := zipkin.New(zipkinURL)
		if err != nil {
			return nil, fmt.Errorf("create zipkin exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}
