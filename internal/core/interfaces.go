package core

import (
	"context"
	"time"

	"github.com/target/mmk-queue/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// These interfaces define the contracts between the service layer and the storage adapters.
// Service implementations should depend on these interfaces, not concrete implementations.

// JobStore is the job record store. Every state-changing call is a compare-and-swap
// against the stored state (and lock token where given) and keeps the per-queue
// state indexes in step with the record.
type JobStore interface {
	// Create inserts a new job, assigns its sequence number and registers its queue.
	Create(ctx context.Context, job *model.Job) (*model.Job, error)
	// Get returns model.ErrJobNotFound for unknown ids.
	Get(ctx context.Context, id string) (*model.Job, error)
	// Update applies mutate to a copy of the job when expect matches, and
	// returns model.ErrConflict otherwise. A mutate error aborts the update and is returned.
	Update(ctx context.Context, id string, expect model.Expectation, mutate func(*model.Job) error) (*model.Job, error)
	// ListByState enumerates one queue/state index page by page.
	ListByState(ctx context.Context, q model.ListQuery) (*model.JobPage, error)
	// ListDue returns, across all queues, delayed jobs with available_at <= before,
	// or active jobs with lock_expires_at < before.
	ListDue(ctx context.Context, state model.JobState, before time.Time, limit int) ([]*model.Job, error)
	// Delete removes a job when expect matches.
	Delete(ctx context.Context, id string, expect model.Expectation) error
	// Queues lists every queue that has ever held a job.
	Queues(ctx context.Context) ([]string, error)
	// Counts returns per-state counts for one queue.
	Counts(ctx context.Context, queue string) (model.QueueCounts, error)
}

// JobClaimer is implemented by stores that can pick and lock the head of a
// queue's waiting index in one atomic step.
type JobClaimer interface {
	ClaimNext(ctx context.Context, queue string, params model.ClaimParams) (*model.Job, error)
}

// JobWaiter is implemented by stores that can signal job availability.
// WaitForJob returns when a job may have become claimable on queue, or when ctx ends.
type JobWaiter interface {
	WaitForJob(ctx context.Context, queue string) error
}

// Clock abstracts time for services and stores.
type Clock interface {
	Now() time.Time
}
