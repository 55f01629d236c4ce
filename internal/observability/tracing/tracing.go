// Package tracing wraps job execution in OpenTelemetry spans and builds the
// process-wide tracer provider.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/target/mmk-queue/internal/domain/model"
)

// TracerName is the instrumentation scope for queue spans.
const TracerName = "github.com/target/mmk-queue"

// SpanJobProcess is the span wrapping one handler run.
const SpanJobProcess = "job.process"

// Exporter names accepted by Config.Exporter.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// Config selects the tracing exporter.
type Config struct {
	Exporter    string
	SampleRatio float64
}

// Setup installs a global tracer provider for cfg and returns its shutdown func.
// With no exporter the global no-op provider is left in place.
func Setup(cfg Config) (func(context.Context) error, error) {
	var opts []sdktrace.TracerProviderOption
	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case "", ExporterNone:
		return func(context.Context) error { return nil }, nil
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	opts = append(opts, sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))))

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the queue tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartJob opens a job.process span for j.
func StartJob(ctx context.Context, tracer trace.Tracer, j *model.Job) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = Tracer()
	}
	return tracer.Start(ctx, SpanJobProcess,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("mmkq.job.id", j.ID),
			attribute.String("mmkq.job.name", j.Name),
			attribute.String("mmkq.queue", j.Queue),
			attribute.Int("mmkq.attempt", j.AttemptsMade+1),
			attribute.Int("mmkq.max_attempts", j.MaxAttempts),
		),
	)
}

// EndJob records the handler outcome and ends span.
func EndJob(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("mmkq.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
