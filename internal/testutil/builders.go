// Package testutil provides testing utilities and helpers for the job queue.
package testutil

import (
	"encoding/json"
	"time"

	"github.com/target/mmk-queue/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building EnqueueRequest values for testing.
type JobRequestBuilder struct {
	req model.EnqueueRequest
}

// NewJobRequest creates a new JobRequestBuilder with sensible defaults.
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{
		req: model.EnqueueRequest{
			Queue:   "default",
			Name:    "noop",
			Payload: json.RawMessage(`{"to":"someone@example.com"}`),
			Options: model.EnqueueOptions{MaxAttempts: 1},
		},
	}
}

// WithQueue sets the queue name.
func (b *JobRequestBuilder) WithQueue(queue string) *JobRequestBuilder {
	b.req.Queue = queue
	return b
}

// WithName sets the job name used for handler routing.
func (b *JobRequestBuilder) WithName(name string) *JobRequestBuilder {
	b.req.Name = name
	return b
}

// WithPriority sets the job priority.
func (b *JobRequestBuilder) WithPriority(priority int) *JobRequestBuilder {
	b.req.Options.Priority = priority
	return b
}

// WithPayloadString sets the job payload from a string.
func (b *JobRequestBuilder) WithPayloadString(payload string) *JobRequestBuilder {
	b.req.Payload = json.RawMessage(payload)
	return b
}

// WithDelay postpones the first attempt.
func (b *JobRequestBuilder) WithDelay(d time.Duration) *JobRequestBuilder {
	b.req.Options.Delay = d
	return b
}

// WithAttempts sets the maximum number of attempts.
func (b *JobRequestBuilder) WithAttempts(n int) *JobRequestBuilder {
	b.req.Options.MaxAttempts = n
	return b
}

// WithBackoff sets the retry backoff.
func (b *JobRequestBuilder) WithBackoff(kind model.BackoffType, delay time.Duration) *JobRequestBuilder {
	b.req.Options.Backoff = model.Backoff{Type: kind, Delay: delay}
	return b
}

// WithTimeout sets the per-attempt handler timeout.
func (b *JobRequestBuilder) WithTimeout(d time.Duration) *JobRequestBuilder {
	b.req.Options.Timeout = d
	return b
}

// Build returns the constructed request.
func (b *JobRequestBuilder) Build() model.EnqueueRequest {
	return b.req
}

// EmailJobRequest is a ready-made request on the "emails" queue.
func EmailJobRequest() model.EnqueueRequest {
	return NewJobRequest().WithQueue("emails").WithName("send").Build()
}

// RetryableJobRequest creates a request with fixed backoff and custom attempts.
func RetryableJobRequest(attempts int, delay time.Duration) model.EnqueueRequest {
	return NewJobRequest().WithAttempts(attempts).WithBackoff(model.BackoffFixed, delay).Build()
}
