// Package job holds the queue state machine and the policies it applies.
//
// Transition functions mutate a *model.Job in place and return an error when the
// job is not in a source state for that transition. Stores apply them inside a
// compare-and-swap update so the check and the write are atomic.
package job

import (
	"fmt"
	"time"

	"github.com/target/mmk-queue/internal/domain/model"
)

// Defaults applied when a producer leaves an option unset.
const (
	DefaultMaxAttempts     = 1
	DefaultMaxStalledCount = 1
)

// Defaults groups the engine-wide values used when building new jobs.
type Defaults struct {
	MaxAttempts     int
	MaxStalledCount int
	Backoff         model.Backoff
}

func invalidTransition(j *model.Job, to model.JobState) error {
	return fmt.Errorf("%w: cannot move job %s from %s to %s", model.ErrConflict, j.ID, j.State, to)
}

// NewJob builds the initial record for an enqueue request.
// The job starts delayed when its available time is in the future, waiting otherwise.
func NewJob(id string, req model.EnqueueRequest, defaults Defaults, now time.Time) *model.Job {
	o := req.Options
	j := &model.Job{
		ID:              id,
		Queue:           req.Queue,
		Name:            req.Name,
		Payload:         req.Payload,
		Priority:        o.Priority,
		MaxAttempts:     o.MaxAttempts,
		Backoff:         o.Backoff,
		MaxStalledCount: defaults.MaxStalledCount,
		Timeout:         o.Timeout,
		CreatedAt:       now,
		UpdatedAt:       now,
		AvailableAt:     now,
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = max(defaults.MaxAttempts, 1)
	}
	if j.Backoff.Type == model.BackoffNone && j.Backoff.Delay == 0 {
		j.Backoff = defaults.Backoff
	}
	if o.MaxStalledCount != nil {
		j.MaxStalledCount = *o.MaxStalledCount
	}
	switch {
	case o.AvailableAt != nil:
		j.AvailableAt = *o.AvailableAt
	case o.Delay > 0:
		j.AvailableAt = now.Add(o.Delay)
	}
	if j.AvailableAt.After(now) {
		j.State = model.JobStateDelayed
	} else {
		j.State = model.JobStateWaiting
	}
	return j
}

// Promote moves a due delayed job to waiting.
func Promote(j *model.Job, now time.Time) error {
	if j.State != model.JobStateDelayed || j.AvailableAt.After(now) {
		return invalidTransition(j, model.JobStateWaiting)
	}
	j.State = model.JobStateWaiting
	j.UpdatedAt = now
	return nil
}

// Claim locks a waiting job for one worker.
func Claim(j *model.Job, token string, now time.Time, lock time.Duration) error {
	if j.State != model.JobStateWaiting || token == "" {
		return invalidTransition(j, model.JobStateActive)
	}
	expires := now.Add(lock)
	j.State = model.JobStateActive
	j.LockToken = token
	j.LockExpiresAt = &expires
	j.ProcessedAt = &now
	j.UpdatedAt = now
	return nil
}

// Extend renews the lock of an active job owned by token.
func Extend(j *model.Job, token string, now time.Time, lock time.Duration) error {
	if j.State != model.JobStateActive || j.LockToken != token {
		return fmt.Errorf("%w: lock on job %s lost", model.ErrConflict, j.ID)
	}
	expires := now.Add(lock)
	j.LockExpiresAt = &expires
	j.UpdatedAt = now
	return nil
}

// Complete records a successful handler result.
func Complete(j *model.Job, token string, result []byte, now time.Time) error {
	if j.State != model.JobStateActive || j.LockToken != token {
		return invalidTransition(j, model.JobStateCompleted)
	}
	j.AttemptsMade = min(j.AttemptsMade+1, j.MaxAttempts)
	j.Result = result
	j.FailureReason = ""
	finish(j, model.JobStateCompleted, now)
	return nil
}

// FailOutcome describes where a failed attempt sent the job.
type FailOutcome struct {
	State model.JobState
	Delay time.Duration
}

// Retried reports whether the job will run again.
func (o FailOutcome) Retried() bool {
	return !o.State.Terminal()
}

// Fail applies a handler failure. Attempts remaining send the job back to waiting,
// or to delayed when the backoff yields a positive delay. Unroutable failures are
// terminal regardless of attempts.
func Fail(j *model.Job, token string, cause error, unroutable bool, now time.Time) (FailOutcome, error) {
	if j.State != model.JobStateActive || j.LockToken != token {
		return FailOutcome{}, invalidTransition(j, model.JobStateFailed)
	}
	j.AttemptsMade = min(j.AttemptsMade+1, j.MaxAttempts)
	if cause != nil {
		j.FailureReason = cause.Error()
	}
	if unroutable || j.AttemptsMade >= j.MaxAttempts {
		finish(j, model.JobStateFailed, now)
		return FailOutcome{State: model.JobStateFailed}, nil
	}
	delay := BackoffDelay(j.Backoff, j.AttemptsMade)
	requeue(j, now, delay)
	return FailOutcome{State: j.State, Delay: delay}, nil
}

// RecoverStalled handles an active job whose lock expired. token is the lock
// observed by the caller so a renewed lock is never recovered.
func RecoverStalled(j *model.Job, token string, now time.Time) (FailOutcome, error) {
	if j.State != model.JobStateActive || j.LockToken != token ||
		j.LockExpiresAt == nil || !j.LockExpiresAt.Before(now) {
		return FailOutcome{}, invalidTransition(j, model.JobStateWaiting)
	}
	j.StalledCount++
	j.AttemptsMade = min(j.AttemptsMade+1, j.MaxAttempts)
	switch {
	case j.StalledCount > j.MaxStalledCount:
		j.FailureReason = fmt.Sprintf("job stalled more than allowable limit (%d)", j.MaxStalledCount)
	case j.AttemptsMade >= j.MaxAttempts:
		j.FailureReason = "job stalled and has no attempts left"
	default:
		j.FailureReason = "job stalled"
		requeue(j, now, 0)
		return FailOutcome{State: model.JobStateWaiting}, nil
	}
	finish(j, model.JobStateFailed, now)
	return FailOutcome{State: model.JobStateFailed}, nil
}

// Release hands an active job owned by token back to waiting. The attempt is
// not counted and the stall counter is untouched.
func Release(j *model.Job, token string, now time.Time) error {
	if j.State != model.JobStateActive || j.LockToken != token {
		return invalidTransition(j, model.JobStateWaiting)
	}
	requeue(j, now, 0)
	return nil
}

// Cancelable reports whether a producer may remove the job.
func Cancelable(j *model.Job) bool {
	return j.State == model.JobStateWaiting || j.State == model.JobStateDelayed
}

func requeue(j *model.Job, now time.Time, delay time.Duration) {
	clearLock(j)
	j.AvailableAt = now.Add(delay)
	if delay > 0 {
		j.State = model.JobStateDelayed
	} else {
		j.State = model.JobStateWaiting
	}
	j.UpdatedAt = now
}

func finish(j *model.Job, state model.JobState, now time.Time) {
	clearLock(j)
	j.State = state
	if j.FinishedAt == nil {
		j.FinishedAt = &now
	}
	j.UpdatedAt = now
}

func clearLock(j *model.Job) {
	j.LockToken = ""
	j.LockExpiresAt = nil
}
