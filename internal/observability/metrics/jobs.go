// Package metrics names the queue's metrics and emits them through a statsd.Sink.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/target/mmk-queue/internal/domain/model"
	obserrors "github.com/target/mmk-queue/internal/observability/errors"
	"github.com/target/mmk-queue/internal/observability/statsd"
)

// Metric names.
const (
	JobTransition    = "job.transition"
	JobDuration      = "job.duration"
	QueueDepth       = "queue.depth"
	SchedulerTick    = "scheduler.tick"
	SchedulerMoved   = "scheduler.jobs"
	RetentionRemoved = "retention.removed"
	RetentionRun     = "retention.run"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// Transition constants for JobTransition.
const (
	TransitionEnqueue   = "enqueue"
	TransitionClaim     = "claim"
	TransitionComplete  = "complete"
	TransitionRetry     = "retry"
	TransitionFail      = "fail"
	TransitionAbandon   = "abandon"
	TransitionPromote   = "promote"
	TransitionStall     = "stall"
	TransitionCancel    = "cancel"
	TransitionHeartbeat = "heartbeat"
	TransitionRelease   = "release"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	Queue      string
	Name       string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"queue":      in.Queue,
		"name":       in.Name,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Result == ResultError {
		if class := ErrorClass(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count(JobTransition, 1, tags)
	if in.Duration > 0 {
		sink.Timing(JobDuration, in.Duration, CloneTags(tags))
	}
}

// ErrorClass classifies err for tagging. Context cancellation means shutdown
// and yields no class.
func ErrorClass(err error) string {
	if err == nil || errors.Is(err, context.Canceled) {
		return ""
	}
	return obserrors.Classify(err)
}

// EmitQueueDepth reports one gauge per state for queue.
func EmitQueueDepth(sink statsd.Sink, queue string, counts model.QueueCounts) {
	if sink == nil {
		return
	}
	for _, state := range model.AllJobStates() {
		sink.Gauge(QueueDepth, float64(counts.Get(state)), map[string]string{
			"queue": queue,
			"state": string(state),
		})
	}
}

// TickMetric summarises one scheduler tick.
type TickMetric struct {
	Promoted  int
	Recovered int
	Failed    int
	Duration  time.Duration
	Err       error
}

// EmitSchedulerTick emits the jobs moved by one scheduler tick.
func EmitSchedulerTick(sink statsd.Sink, in TickMetric) {
	if sink == nil {
		return
	}
	result := ResultSuccess
	if in.Err != nil {
		result = ResultError
	} else if in.Promoted+in.Recovered+in.Failed == 0 {
		result = ResultNoop
	}
	sink.Timing(SchedulerTick, in.Duration, map[string]string{"result": result})
	for action, n := range map[string]int{
		TransitionPromote: in.Promoted,
		TransitionStall:   in.Recovered,
		TransitionFail:    in.Failed,
	} {
		if n > 0 {
			sink.Count(SchedulerMoved, int64(n), map[string]string{"action": action})
		}
	}
}

// EmitRetention reports jobs removed from one queue/state by the sweeper.
func EmitRetention(sink statsd.Sink, queue string, state model.JobState, removed int, err error) {
	if sink == nil {
		return
	}
	tags := map[string]string{"queue": queue, "state": string(state), "result": ResultSuccess}
	if err != nil {
		tags["result"] = ResultError
		if class := ErrorClass(err); class != "" {
			tags["error_class"] = class
		}
	}
	sink.Count(RetentionRun, 1, tags)
	if removed > 0 {
		sink.Count(RetentionRemoved, int64(removed), map[string]string{"queue": queue, "state": string(state)})
	}
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
