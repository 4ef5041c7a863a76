package telemetry

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Version is reported as service.version on every span.
const Version = "0.3.0"

// Shutdown flushes pending spans.
type Shutdown func(context.Context) error

// Noop is returned in place of a real Shutdown when tracing is off.
func Noop(context.Context) error { return nil }

// InitJaeger installs a global tracer provider exporting to a Jaeger
// collector. A ratio in (0,1) samples that fraction of new traces and
// follows the parent's decision otherwise; anything else samples all.
//
// Relay spans: one per HTTP request, one per cable connect, one per frame.
func InitJaeger(serviceName, endpoint string, ratio float64) (Shutdown, error) {
	if endpoint == "" {
		return Noop, nil
	}

	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(ratio)),
	)
	otel.SetTracerProvider(tp)

	log.Printf("✓ Jaeger tracing initialized: %s (sampling %.0f%%)", endpoint, clampRatio(ratio)*100)
	return tp.Shutdown, nil
}

// Sampler picks the sampling strategy for ratio: everything at 1 or
// above, parent-based ratio sampling below.
func Sampler(ratio float64) sdktrace.Sampler {
	ratio = clampRatio(ratio)
	if ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func clampRatio(ratio float64) float64 {
	switch {
	case ratio <= 0:
		return 1
	case ratio > 1:
		return 1
	}
	return ratio
}
