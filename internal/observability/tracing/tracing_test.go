package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/target/mmk-queue/internal/domain/model"
)

func setupTestTracer() (*tracetest.SpanRecorder, trace.Tracer) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, tp.Tracer("test")
}

func TestStartJob_Attributes(t *testing.T) {
	sr, tracer := setupTestTracer()
	j := &model.Job{ID: "job-1", Queue: "emails", Name: "send", AttemptsMade: 1, MaxAttempts: 3}

	_, span := StartJob(context.Background(), tracer, j)
	EndJob(span, "completed", nil)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, SpanJobProcess, spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "job-1", attrs["mmkq.job.id"].AsString())
	assert.Equal(t, "emails", attrs["mmkq.queue"].AsString())
	assert.Equal(t, int64(2), attrs["mmkq.attempt"].AsInt64())
	assert.Equal(t, "completed", attrs["mmkq.outcome"].AsString())
}

func TestEndJob_RecordsError(t *testing.T) {
	sr, tracer := setupTestTracer()
	_, span := StartJob(context.Background(), tracer, &model.Job{ID: "x"})
	EndJob(span, "retry", errors.New("boom"))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
}

func TestSetup(t *testing.T) {
	shutdown, err := Setup(Config{Exporter: "none"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = Setup(Config{Exporter: "jaeger"})
	require.Error(t, err)
}
