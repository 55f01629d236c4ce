package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-queue/internal/domain/model"
	"github.com/target/mmk-queue/internal/observability/statsd"
)

func TestEmitJobLifecycle(t *testing.T) {
	rec := &statsd.Recorder{}
	EmitJobLifecycle(rec, JobMetric{
		Queue:      "emails",
		Name:       "send",
		Transition: TransitionRetry,
		Result:     ResultError,
		Duration:   250 * time.Millisecond,
		Err:        model.NewTimeoutError(time.Second),
	})

	counts := rec.Named(JobTransition)
	require.Len(t, counts, 1)
	assert.Equal(t, map[string]string{
		"queue":       "emails",
		"name":        "send",
		"transition":  TransitionRetry,
		"result":      ResultError,
		"error_class": "timeout",
	}, counts[0].Tags)

	timings := rec.Named(JobDuration)
	require.Len(t, timings, 1)
	assert.InDelta(t, float64(250*time.Millisecond), timings[0].Value, 0)
}

func TestEmitJobLifecycle_SkipsDurationAndClass(t *testing.T) {
	rec := &statsd.Recorder{}
	EmitJobLifecycle(rec, JobMetric{Queue: "q", Name: "n", Transition: TransitionClaim, Result: ResultSuccess, Err: errors.New("ignored")})

	require.Len(t, rec.Metrics(), 1)
	assert.NotContains(t, rec.Metrics()[0].Tags, "error_class")

	EmitJobLifecycle(nil, JobMetric{})
}

func TestErrorClass(t *testing.T) {
	assert.Empty(t, ErrorClass(nil))
	assert.Empty(t, ErrorClass(context.Canceled))
	assert.Equal(t, "conflict", ErrorClass(model.ErrConflict))
}

func TestEmitQueueDepth(t *testing.T) {
	rec := &statsd.Recorder{}
	EmitQueueDepth(rec, "emails", model.QueueCounts{Waiting: 3, Failed: 1})

	gauges := rec.Named(QueueDepth)
	require.Len(t, gauges, len(model.AllJobStates()))
	byState := map[string]float64{}
	for _, g := range gauges {
		assert.Equal(t, "emails", g.Tags["queue"])
		byState[g.Tags["state"]] = g.Value
	}
	assert.InDelta(t, 3.0, byState["waiting"], 0)
	assert.InDelta(t, 1.0, byState["failed"], 0)
	assert.InDelta(t, 0.0, byState["active"], 0)
}

func TestEmitSchedulerTick(t *testing.T) {
	rec := &statsd.Recorder{}
	EmitSchedulerTick(rec, TickMetric{Promoted: 2, Failed: 1, Duration: time.Millisecond})

	ticks := rec.Named(SchedulerTick)
	require.Len(t, ticks, 1)
	assert.Equal(t, ResultSuccess, ticks[0].Tags["result"])

	moved := map[string]float64{}
	for _, m := range rec.Named(SchedulerMoved) {
		moved[m.Tags["action"]] = m.Value
	}
	assert.Equal(t, map[string]float64{TransitionPromote: 2, TransitionFail: 1}, moved)

	idle := &statsd.Recorder{}
	EmitSchedulerTick(idle, TickMetric{})
	assert.Equal(t, ResultNoop, idle.Named(SchedulerTick)[0].Tags["result"])
}

func TestEmitRetention(t *testing.T) {
	rec := &statsd.Recorder{}
	EmitRetention(rec, "emails", model.JobStateCompleted, 5, nil)
	EmitRetention(rec, "emails", model.JobStateFailed, 0, model.ErrConflict)

	runs := rec.Named(RetentionRun)
	require.Len(t, runs, 2)
	assert.Equal(t, ResultError, runs[1].Tags["result"])
	assert.Equal(t, "conflict", runs[1].Tags["error_class"])

	removed := rec.Named(RetentionRemoved)
	require.Len(t, removed, 1)
	assert.InDelta(t, 5.0, removed[0].Value, 0)
}

func TestCloneTags(t *testing.T) {
	assert.Nil(t, CloneTags(nil))
	src := map[string]string{"a": "b"}
	cp := CloneTags(src)
	cp["a"] = "c"
	assert.Equal(t, "b", src["a"])
}
