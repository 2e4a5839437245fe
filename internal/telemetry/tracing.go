package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/fest-vibes/etl/internal/config"
)

const tracerName = "github.com/fest-vibes/etl/loader"

// Span attribute keys shared by the loader spans.
const (
	AttrRunID    = attribute.Key("fest.run_id")
	AttrRecords  = attribute.Key("fest.records")
	AttrBatch    = attribute.Key("fest.batch")
	AttrAttempts = attribute.Key("fest.attempts")
)

// Shutdown flushes buffered spans and stops the provider.
type Shutdown func(context.Context) error

func noShutdown(context.Context) error { return nil }

// Setup installs the global tracer provider. Disabled tracing leaves the
// default no-op provider in place.
func Setup(ctx context.Context, cfg config.TracingConfig, version string) (Shutdown, error) {
	if !cfg.Enabled {
		return noShutdown, nil
	}

	sampler, err := newSampler(cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return provider.Shutdown, nil
}

// newExporter picks the span exporter. The stdout exporter writes to
// stderr because stdout carries the run summary.
func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	case "otlp":
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		return exporter, nil
	case "none", "":
		return discardExporter{}, nil
	}
	return nil, fmt.Errorf("tracing exporter %q: want stdout, otlp or none", cfg.Exporter)
}

func newSampler(rate float64) (sdktrace.Sampler, error) {
	switch {
	case rate < 0 || rate > 1:
		return nil, fmt.Errorf("tracing sample rate %v outside [0, 1]", rate)
	case rate == 1:
		return sdktrace.AlwaysSample(), nil
	case rate == 0:
		return sdktrace.NeverSample(), nil
	}
	return sdktrace.TraceIDRatioBased(rate), nil
}

// StartRun opens the span covering one load run.
func StartRun(ctx context.Context, runID string, records int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "loader.Load", trace.WithAttributes(
		AttrRunID.String(runID),
		AttrRecords.Int(records),
	))
}

// StartBatch opens a child span for one batch transaction.
func StartBatch(ctx context.Context, index, records int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "loader.batch", trace.WithAttributes(
		AttrBatch.Int(index),
		AttrRecords.Int(records),
	))
}

// EndSpan marks the span failed when err is set, then ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
