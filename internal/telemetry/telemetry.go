package telemetry

import (
	"context"
	"fmt"
	"strings"

	"guardbridge/internal/config"
	"guardbridge/internal/version"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Init configures the OTLP trace exporter when enabled. It returns a
// shutdown function that flushes pending spans.
func Init(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	endpoint := strings.TrimSpace(cfg.Telemetry.OTLP.Endpoint)
	if !cfg.Telemetry.OTLP.Enabled || endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
	}
	if cfg.Telemetry.OTLP.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("init otlp exporter: %w", err)
	}

	ratio := cfg.Telemetry.OTLP.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String("guardbridge"),
			semconv.ServiceVersionKey.String(version.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("init otlp resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
