// Package tracing wires the OpenTelemetry SDK: OTLP export over gRPC, W3C
// trace context propagation, and ratio sampling.
package tracing

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/metadata"

	"github.com/policy-gate/policy-gate/internal/config"
)

// InitTracer initializes the global OpenTelemetry tracer provider from cfg
// and returns its shutdown function. Disabled tracing is a no-op with a
// no-op shutdown.
func InitTracer(cfg *config.TracingConfig) (func(), error) {
	ctx := context.Background()
	if cfg == nil || !cfg.Enabled {
		slog.InfoContext(ctx, "Tracing is disabled by configuration")
		return func() {}, nil
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "otel-collector:4317"
	}

	slog.InfoContext(ctx, "Initializing OTLP exporter", "endpoint", endpoint)

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	// Shut the exporter down on any failed init path.
	success := false
	defer func() {
		if !success {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := exporter.Shutdown(shutdownCtx); err != nil {
				slog.ErrorContext(shutdownCtx, "Error shutting down exporter on init failure", "error", err)
			}
		}
	}()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "policy-gate"
	}
	serviceVersion := cfg.ServiceVersion
	if serviceVersion == "" {
		serviceVersion = "1.0.0"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = time.Second
	}
	maxBatch := cfg.MaxExportBatchSize
	if maxBatch <= 0 {
		maxBatch = 512
	}

	samplingRate := cfg.SamplingRate
	if samplingRate <= 0.0 {
		samplingRate = 1.0
	}

	var sampler sdktrace.Sampler
	if samplingRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(samplingRate)
	}

	slog.InfoContext(ctx, "Using trace sampler", "sampling_rate", samplingRate)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(batchTimeout),
			sdktrace.WithMaxExportBatchSize(maxBatch),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.InfoContext(ctx, "OpenTelemetry tracer initialized successfully")

	success = true

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.ErrorContext(ctx, "Error shutting down tracer provider", "error", err)
		}
	}, nil
}

// ExtractTraceContext extracts W3C trace context from incoming gRPC metadata,
// so ext_proc stream spans join the trace Envoy started.
func ExtractTraceContext(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}

	carrier := propagation.MapCarrier{}
	for key, values := range md {
		lowerKey := strings.ToLower(key)
		if lowerKey == "traceparent" || lowerKey == "tracestate" {
			if len(values) > 0 {
				carrier.Set(lowerKey, values[0])
			}
		}
	}

	newCtx := otel.GetTextMapPropagator().Extract(ctx, carrier)

	if span := trace.SpanContextFromContext(newCtx); span.IsValid() {
		slog.DebugContext(ctx, "Joined incoming trace", "trace_id", span.TraceID().String())
	}

	return newCtx
}
