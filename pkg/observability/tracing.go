// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package observability

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials/insecure"
)

// TracerName is the instrumentation scope of all operator spans.
const TracerName = "go.opendefense.cloud/mlflow-operator"

// Identity names the process in exported telemetry.
type Identity struct {
	ServiceName    string
	ServiceVersion string
	// Namespace the operator runs in, exported as the deployment environment.
	Namespace string
}

func (id Identity) resource(ctx context.Context) (*resource.Resource, error) {
	if id.ServiceName == "" {
		return nil, errors.New("service name is required")
	}

	// Not merged with resource.Default() to avoid schema URL conflicts
	// between the SDK and the semconv version used here.
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(id.ServiceName),
			semconv.ServiceVersion(id.ServiceVersion),
			semconv.DeploymentEnvironment(id.Namespace),
		),
		resource.WithProcessRuntimeDescription(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
	)
}

// TracerConfig configures the OTLP span exporter.
type TracerConfig struct {
	Identity
	// Endpoint is the OTLP collector endpoint, e.g. "otel-collector:4317".
	Endpoint string
	Insecure bool
	// SamplingRatio is the fraction of passes to sample (0.0 to 1.0).
	SamplingRatio float64
}

// InitTracer installs a global TracerProvider exporting spans over OTLP/gRPC.
// The provider must be shut down on exit to flush pending spans.
func InitTracer(ctx context.Context, cfg TracerConfig) (*sdktrace.TracerProvider, error) {
	res, err := cfg.resource(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var opts []otlptracegrpc.Option
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}

	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SamplingRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio <= 0:
		return sdktrace.NeverSample()
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(ratio)
	}
}

// Tracer returns the operator tracer of the global TracerProvider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// TraceIDFromContext returns the trace id of ctx, or "" if there is no trace.
func TraceIDFromContext(ctx context.Context) string {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return ""
	}
	return spanCtx.TraceID().String()
}
