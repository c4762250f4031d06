package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type Options struct {
	ServiceName string
	RunID       string
	Environment string
	// Stdout, when set, receives pretty-printed spans.
	Stdout io.Writer
	// OTLPEndpoint, when set, exports spans over OTLP/gRPC (insecure).
	OTLPEndpoint string
}

// InitTracer installs a global tracer provider. Without any exporter the
// otel no-op provider stays in place and shutdown does nothing.
func InitTracer(ctx context.Context, opts Options) (func(context.Context) error, error) {
	var sdkOpts []sdktrace.TracerProviderOption

	if opts.Stdout != nil {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(opts.Stdout), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize stdout trace exporter: %w", err)
		}
		// synchronous so spans are flushed before a fast CLI exit
		sdkOpts = append(sdkOpts, sdktrace.WithSyncer(exp))
	}
	if opts.OTLPEndpoint != "" {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(opts.OTLPEndpoint),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
		sdkOpts = append(sdkOpts, sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(time.Second)))
	}
	if len(sdkOpts) == 0 {
		return func(context.Context) error { return nil }, nil
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", opts.ServiceName),
		attribute.String("deployment.environment", opts.Environment),
		attribute.String("lotadeploy.run_id", opts.RunID),
	)
	sdkOpts = append(sdkOpts, sdktrace.WithResource(res))

	tp := sdktrace.NewTracerProvider(sdkOpts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
