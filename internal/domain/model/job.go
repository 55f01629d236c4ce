// Package model defines the core data types shared by the queue engine, stores and services.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// JobState represents where a job is in its lifecycle.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobState string

const (
	// JobStateWaiting indicates the job is ready to be claimed by a worker.
	JobStateWaiting JobState = "waiting"
	// JobStateDelayed indicates the job is not eligible before AvailableAt.
	JobStateDelayed JobState = "delayed"
	// JobStateActive indicates a worker holds the job lock.
	JobStateActive JobState = "active"
	// JobStateCompleted indicates the handler succeeded.
	JobStateCompleted JobState = "completed"
	// JobStateFailed indicates the job will not be retried.
	JobStateFailed JobState = "failed"
)

// AllJobStates lists every state in lifecycle order.
func AllJobStates() []JobState {
	return []JobState{JobStateWaiting, JobStateDelayed, JobStateActive, JobStateCompleted, JobStateFailed}
}

// TerminalJobStates lists the states a job never leaves.
func TerminalJobStates() []JobState {
	return []JobState{JobStateCompleted, JobStateFailed}
}

// Valid returns true if the JobState is one of the five lifecycle states.
func (s JobState) Valid() bool {
	return slices.Contains(AllJobStates(), s)
}

// Terminal reports whether the state is completed or failed.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// UnmarshalText implements encoding.TextUnmarshaler for flag and env parsing.
func (s *JobState) UnmarshalText(text []byte) error {
	v := JobState(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid job state: %q", v)
	}
	*s = v
	return nil
}

// BackoffType selects how retry delays grow.
type BackoffType string

const (
	// BackoffNone retries immediately.
	BackoffNone BackoffType = ""
	// BackoffFixed waits the same delay before every retry.
	BackoffFixed BackoffType = "fixed"
	// BackoffExponential doubles the delay on every attempt.
	BackoffExponential BackoffType = "exponential"
)

// Valid reports whether the backoff type is known.
func (t BackoffType) Valid() bool {
	return t == BackoffNone || t == BackoffFixed || t == BackoffExponential
}

// Backoff describes the retry delay policy of a job.
type Backoff struct {
	Type  BackoffType   `json:"type,omitempty"`
	Delay time.Duration `json:"delay,omitempty"`
}

// Priority bounds.
const (
	MinPriority = 0
	MaxPriority = 100
)

// Job is one unit of work.
type Job struct {
	ID              string          `json:"id"                          db:"id"`
	Queue           string          `json:"queue"                       db:"queue"`
	Name            string          `json:"name"                        db:"name"`
	Payload         json.RawMessage `json:"payload,omitempty"           db:"payload"`
	State           JobState        `json:"state"                       db:"state"`
	Priority        int             `json:"priority"                    db:"priority"`
	Seq             int64           `json:"seq"                         db:"seq"`
	AvailableAt     time.Time       `json:"available_at"                db:"available_at"`
	AttemptsMade    int             `json:"attempts_made"               db:"attempts_made"`
	MaxAttempts     int             `json:"max_attempts"                db:"max_attempts"`
	Backoff         Backoff         `json:"backoff"                     db:"backoff"`
	StalledCount    int             `json:"stalled_count"               db:"stalled_count"`
	MaxStalledCount int             `json:"max_stalled_count"           db:"max_stalled_count"`
	Timeout         time.Duration   `json:"timeout,omitempty"           db:"timeout_ms"`
	LockToken       string          `json:"lock_token,omitempty"        db:"lock_token"`
	LockExpiresAt   *time.Time      `json:"lock_expires_at,omitempty"   db:"lock_expires_at"`
	Result          json.RawMessage `json:"result,omitempty"            db:"result"`
	FailureReason   string          `json:"failure_reason,omitempty"    db:"failure_reason"`
	CreatedAt       time.Time       `json:"created_at"                  db:"created_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"      db:"processed_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"       db:"finished_at"`
	UpdatedAt       time.Time       `json:"updated_at"                  db:"updated_at"`
}

// Clone returns a deep copy so stores never share mutable slices or pointers with callers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Payload = cloneRaw(j.Payload)
	out.Result = cloneRaw(j.Result)
	out.LockExpiresAt = cloneTime(j.LockExpiresAt)
	out.ProcessedAt = cloneTime(j.ProcessedAt)
	out.FinishedAt = cloneTime(j.FinishedAt)
	return &out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(json.RawMessage, len(in))
	copy(out, in)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// EnqueueOptions tune a single enqueue call.
type EnqueueOptions struct {
	Delay           time.Duration `json:"delay,omitempty"`
	AvailableAt     *time.Time    `json:"available_at,omitempty"`
	Priority        int           `json:"priority,omitempty"`
	MaxAttempts     int           `json:"max_attempts,omitempty"`
	Backoff         Backoff       `json:"backoff"`
	Timeout         time.Duration `json:"timeout,omitempty"`
	MaxStalledCount *int          `json:"max_stalled_count,omitempty"`
}

// EnqueueRequest is the producer input for a new job.
type EnqueueRequest struct {
	Queue   string          `json:"queue"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	Options EnqueueOptions  `json:"options"`
}

// Validate validates the EnqueueRequest fields.
func (r *EnqueueRequest) Validate() error {
	if strings.TrimSpace(r.Queue) == "" {
		return errors.New("queue is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("job name is required")
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return errors.New("payload must be valid JSON")
	}
	o := r.Options
	if o.Delay < 0 {
		return errors.New("delay must be >= 0")
	}
	if o.Priority < MinPriority || o.Priority > MaxPriority {
		return fmt.Errorf("priority must be between %d and %d", MinPriority, MaxPriority)
	}
	if o.MaxAttempts < 0 {
		return errors.New("max attempts must be >= 0")
	}
	if !o.Backoff.Type.Valid() {
		return fmt.Errorf("invalid backoff type: %q", o.Backoff.Type)
	}
	if o.Backoff.Delay < 0 {
		return errors.New("backoff delay must be >= 0")
	}
	if o.Timeout < 0 {
		return errors.New("timeout must be >= 0")
	}
	if o.MaxStalledCount != nil && *o.MaxStalledCount < 0 {
		return errors.New("max stalled count must be >= 0")
	}
	return nil
}

// QueueCounts holds the number of jobs per state for one queue.
type QueueCounts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Total sums every state.
func (c QueueCounts) Total() int64 {
	return c.Waiting + c.Delayed + c.Active + c.Completed + c.Failed
}

// Get returns the count for a single state.
func (c QueueCounts) Get(state JobState) int64 {
	switch state {
	case JobStateWaiting:
		return c.Waiting
	case JobStateDelayed:
		return c.Delayed
	case JobStateActive:
		return c.Active
	case JobStateCompleted:
		return c.Completed
	case JobStateFailed:
		return c.Failed
	default:
		return 0
	}
}

// Set stores the count for a single state.
func (c *QueueCounts) Set(state JobState, n int64) {
	switch state {
	case JobStateWaiting:
		c.Waiting = n
	case JobStateDelayed:
		c.Delayed = n
	case JobStateActive:
		c.Active = n
	case JobStateCompleted:
		c.Completed = n
	case JobStateFailed:
		c.Failed = n
	}
}
