// Package telemetry configures OpenTelemetry tracing for the scrape service.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects whether spans are recorded and under which service name.
type Config struct {
	Enabled     bool
	ServiceName string
	// SampleRatio is the fraction of root spans kept. Zero keeps all of them.
	SampleRatio float64
}

// InitTracerProvider installs the global tracer provider and the W3C
// propagators used to carry trace context onto Pub/Sub messages.
func InitTracerProvider(ctx context.Context, cfg Config, opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "lensd"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	switch {
	case !cfg.Enabled:
		sampler = sdktrace.NeverSample()
	case cfg.SampleRatio > 0 && cfg.SampleRatio < 1:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}

	base := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	tp := sdktrace.NewTracerProvider(append(base, opts...)...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}
