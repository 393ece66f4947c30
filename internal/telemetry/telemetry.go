package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/llm-duel/internal/domain"
)

const instrumentationName = "llm-duel"

var tracer trace.Tracer

// Init installs an OTLP gRPC exporter. With no endpoint, spans go to the
// no-op global provider and the returned shutdown does nothing.
func Init(ctx context.Context, serviceName, version, otlpEndpoint string) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		tracer = otel.Tracer(serviceName)
		slog.Info("telemetry disabled, no OTLP endpoint configured")
		return func(ctx context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer = tp.Tracer(serviceName)

	slog.Info("telemetry initialized", "endpoint", otlpEndpoint)

	return tp.Shutdown, nil
}

func Tracer() trace.Tracer {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return tracer
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

func AddComparisonAttributes(span trace.Span, mode domain.Mode, pairs int) {
	span.SetAttributes(
		attribute.String("comparison.mode", string(mode)),
		attribute.Int("comparison.pairs", pairs),
	)
}

func AddGenerationAttributes(span trace.Span, providerID, model string, mode domain.Mode) {
	span.SetAttributes(
		attribute.String("provider", providerID),
		attribute.String("model", model),
		attribute.String("mode", string(mode)),
	)
}

// AddResultAttributes annotates a generation span with its outcome. Failed
// results mark the span as errored without recording a Go error, since the
// adapter already flattened it into a message.
func AddResultAttributes(span trace.Span, result domain.GenerationResult) {
	span.SetAttributes(
		attribute.Int64("latency.ms", result.LatencyMs),
		attribute.Bool("result.contains_code", result.ContainsCode),
		attribute.Bool("result.contains_images", result.ContainsImages),
	)
	if result.TokensUsed != nil {
		span.SetAttributes(attribute.Int("tokens.total", *result.TokensUsed))
	}
	if result.CostUSD > 0 {
		span.SetAttributes(attribute.Float64("cost.usd", result.CostUSD))
	}
	if result.Failed {
		span.SetAttributes(attribute.String("error.kind", string(result.ErrorKind)))
		span.SetStatus(codes.Error, result.ErrorMessage)
	}
}

// GetTraceID returns the current trace id, or "" outside a recorded span.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
