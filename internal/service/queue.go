package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/data"
	domainjob "github.com/target/mmk-queue/internal/domain/job"
	"github.com/target/mmk-queue/internal/domain/model"
	apperrors "github.com/target/mmk-queue/internal/errors"
	"github.com/target/mmk-queue/internal/observability/metrics"
	"github.com/target/mmk-queue/internal/observability/statsd"
)

// claimRounds bounds how many candidate pages Claim inspects when every
// candidate is taken by a competing worker.
const claimRounds = 3

// claimPageSize is the number of waiting candidates fetched per round.
const claimPageSize = 16

// QueueServiceOptions groups dependencies for QueueService.
type QueueServiceOptions struct {
	Store           core.JobStore             // Required: job record store
	DefaultLock     time.Duration             // Required unless LeasePolicy is set: claim lock duration
	LeasePolicy     *domainjob.LeasePolicy    // Optional: override default lease policy
	Defaults        domainjob.Defaults        // Optional: values for unset enqueue options
	Clock           core.Clock                // Optional: defaults to the system clock
	Notifier        domainjob.Notifier        // Optional: custom job availability notifier
	NotifierOptions domainjob.NotifierOptions // Optional: configure default notifier behaviour
	Metrics         statsd.Sink               // Optional: metrics sink
	Logger          *slog.Logger              // Optional: structured logger
	NewID           func() string             // Optional: id generator, defaults to UUIDv4
}

// QueueService applies the queue state machine through the store. Producers
// use Enqueue, Get and Cancel; the dispatcher and scheduler use the rest.
type QueueService struct {
	store       core.JobStore
	claimer     core.JobClaimer
	leasePolicy *domainjob.LeasePolicy
	defaults    domainjob.Defaults
	clock       core.Clock
	notifier    domainjob.Notifier
	metrics     statsd.Sink
	logger      *slog.Logger
	newID       func() string
}

// NewQueueService constructs a new QueueService.
func NewQueueService(opts QueueServiceOptions) (*QueueService, error) {
	if opts.Store == nil {
		return nil, errors.New("JobStore is required")
	}

	leasePolicy := opts.LeasePolicy
	if leasePolicy == nil {
		var err error
		leasePolicy, err = domainjob.NewLeasePolicy(opts.DefaultLock)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			if w, ok := opts.Store.(core.JobWaiter); ok {
				options.Waiter = w
			}
		}
		if options.Waiter != nil {
			var err error
			notifier, err = domainjob.NewNotifier(options)
			if err != nil {
				return nil, fmt.Errorf("create job notifier: %w", err)
			}
		}
	}

	defaults := opts.Defaults
	if defaults == (domainjob.Defaults{}) {
		defaults.MaxStalledCount = domainjob.DefaultMaxStalledCount
	}
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = domainjob.DefaultMaxAttempts
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "queue_service")

	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}

	claimer, _ := opts.Store.(core.JobClaimer)

	return &QueueService{
		store:       opts.Store,
		claimer:     claimer,
		leasePolicy: leasePolicy,
		defaults:    defaults,
		clock:       data.ClockOrDefault(opts.Clock),
		notifier:    notifier,
		metrics:     opts.Metrics,
		logger:      logger,
		newID:       newID,
	}, nil
}

// MustNewQueueService constructs a new QueueService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewQueueService(opts QueueServiceOptions) *QueueService {
	svc, err := NewQueueService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create QueueService: %v", err))
	}
	return svc
}

// Store returns the underlying job store.
func (s *QueueService) Store() core.JobStore { return s.store }

// Clock returns the service clock.
func (s *QueueService) Clock() core.Clock { return s.clock }

// Lease resolves a requested lock duration against the lease policy.
func (s *QueueService) Lease(request time.Duration) domainjob.Lease {
	return s.leasePolicy.Resolve(request)
}

// Enqueue validates req and inserts a new job.
func (s *QueueService) Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid enqueue request")
	}

	job := domainjob.NewJob(s.newID(), req, s.defaults, s.clock.Now())
	created, err := s.store.Create(ctx, job)
	if err != nil {
		s.emit(job, metrics.TransitionEnqueue, err)
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	s.emit(created, metrics.TransitionEnqueue, nil)
	s.logger.DebugContext(ctx, "job enqueued",
		"id", created.ID,
		"queue", created.Queue,
		"name", created.Name,
		"state", created.State,
		"available_at", created.AvailableAt,
	)
	return created, nil
}

// Get returns a job by id.
func (s *QueueService) Get(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.store.Get(ctx, id)
	switch {
	case errors.Is(err, model.ErrJobNotFound):
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeNotFound, "job %s", id)
	case err != nil:
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// Cancel removes a waiting or delayed job. Active and finished jobs cannot be cancelled.
func (s *QueueService) Cancel(ctx context.Context, id string) error {
	job, err := s.store.Get(ctx, id)
	switch {
	case errors.Is(err, model.ErrJobNotFound):
		return apperrors.Wrapf(err, apperrors.ErrCodeNotFound, "job %s", id)
	case err != nil:
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	if !domainjob.Cancelable(job) {
		return apperrors.Wrapf(model.ErrConflict, apperrors.ErrCodeConflict, "job %s is %s and cannot be cancelled", id, job.State)
	}

	err = s.store.Delete(ctx, id, model.Expect(model.JobStateWaiting, model.JobStateDelayed))
	switch {
	case errors.Is(err, model.ErrConflict):
		return apperrors.Wrapf(err, apperrors.ErrCodeConflict, "job %s changed state and cannot be cancelled", id)
	case err != nil:
		return fmt.Errorf("cancel job %s: %w", id, err)
	}

	s.emit(job, metrics.TransitionCancel, nil)
	s.logger.DebugContext(ctx, "job cancelled", "id", id, "queue", job.Queue)
	return nil
}

// Claim locks the next waiting job of queue for one worker. It returns
// model.ErrNoJobsAvailable when nothing is claimable.
func (s *QueueService) Claim(ctx context.Context, queue string, lock time.Duration) (*model.Job, error) {
	decision := s.leasePolicy.Resolve(lock)
	if decision.Raised {
		s.logger.DebugContext(ctx, "clamped short lock duration",
			"requested_duration", decision.Requested,
			"queue", queue)
	}
	params := model.ClaimParams{Token: s.newID(), Now: s.clock.Now(), Lock: decision.Duration}

	var (
		job *model.Job
		err error
	)
	if s.claimer != nil {
		job, err = s.claimer.ClaimNext(ctx, queue, params)
	} else {
		job, err = s.claimByScan(ctx, queue, params)
	}
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, fmt.Errorf("claim job on %s: %w", queue, err)
	}

	s.emit(job, metrics.TransitionClaim, nil)
	s.logger.DebugContext(ctx, "job claimed", "id", job.ID, "queue", queue, "lock", decision.Duration)
	return job, nil
}

// claimByScan lists the head of the waiting index and CAS-claims the first
// candidate still waiting. A lost race moves on to the next candidate.
func (s *QueueService) claimByScan(ctx context.Context, queue string, params model.ClaimParams) (*model.Job, error) {
	for range claimRounds {
		page, err := s.store.ListByState(ctx, model.ListQuery{Queue: queue, State: model.JobStateWaiting, Limit: claimPageSize})
		if err != nil {
			return nil, err
		}
		if len(page.Jobs) == 0 {
			return nil, model.ErrNoJobsAvailable
		}
		for _, candidate := range page.Jobs {
			job, err := s.store.Update(ctx, candidate.ID, model.Expect(model.JobStateWaiting), func(j *model.Job) error {
				return domainjob.Claim(j, params.Token, params.Now, params.Lock)
			})
			switch {
			case err == nil:
				return job, nil
			case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrJobNotFound):
				continue
			default:
				return nil, err
			}
		}
	}
	return nil, model.ErrNoJobsAvailable
}

// Heartbeat extends the lock of an active job owned by token. A model.ErrConflict
// means the lock was lost.
func (s *QueueService) Heartbeat(ctx context.Context, id, token string, lock time.Duration) (*model.Job, error) {
	decision := s.leasePolicy.Resolve(lock)
	job, err := s.store.Update(ctx, id, model.Expect(model.JobStateActive).WithLock(token), func(j *model.Job) error {
		return domainjob.Extend(j, token, s.clock.Now(), decision.Duration)
	})
	if err != nil {
		return nil, fmt.Errorf("heartbeat job %s: %w", id, err)
	}
	s.logger.DebugContext(ctx, "job heartbeat", "id", id, "lock_expires_at", job.LockExpiresAt)
	return job, nil
}

// Complete records a handler result.
func (s *QueueService) Complete(ctx context.Context, id, token string, result json.RawMessage) (*model.Job, error) {
	job, err := s.store.Update(ctx, id, model.Expect(model.JobStateActive).WithLock(token), func(j *model.Job) error {
		return domainjob.Complete(j, token, result, s.clock.Now())
	})
	if err != nil {
		return nil, fmt.Errorf("complete job %s: %w", id, err)
	}
	s.logger.DebugContext(ctx, "job completed", "id", id, "queue", job.Queue, "attempts_made", job.AttemptsMade)
	return job, nil
}

// Fail records a handler failure and applies retry and backoff. Unroutable
// failures are terminal.
func (s *QueueService) Fail(ctx context.Context, id, token string, cause error) (*model.Job, domainjob.FailOutcome, error) {
	unroutable := errors.Is(cause, model.ErrUnroutableJob)
	var outcome domainjob.FailOutcome
	job, err := s.store.Update(ctx, id, model.Expect(model.JobStateActive).WithLock(token), func(j *model.Job) error {
		var ferr error
		outcome, ferr = domainjob.Fail(j, token, cause, unroutable, s.clock.Now())
		return ferr
	})
	if err != nil {
		return nil, domainjob.FailOutcome{}, fmt.Errorf("fail job %s: %w", id, err)
	}
	s.logger.DebugContext(ctx, "job attempt failed",
		"id", id,
		"queue", job.Queue,
		"next_state", outcome.State,
		"delay", outcome.Delay,
		"attempts_made", job.AttemptsMade,
		"error", cause,
	)
	return job, outcome, nil
}

// Promote moves a due delayed job to waiting.
func (s *QueueService) Promote(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.store.Update(ctx, id, model.Expect(model.JobStateDelayed), func(j *model.Job) error {
		return domainjob.Promote(j, s.clock.Now())
	})
	if err != nil {
		return nil, fmt.Errorf("promote job %s: %w", id, err)
	}
	s.emit(job, metrics.TransitionPromote, nil)
	return job, nil
}

// RecoverStalled handles an active job whose lock expired. token is the lock
// the caller observed; a renewed lock makes this a model.ErrConflict.
func (s *QueueService) RecoverStalled(ctx context.Context, id, token string) (*model.Job, domainjob.FailOutcome, error) {
	var outcome domainjob.FailOutcome
	job, err := s.store.Update(ctx, id, model.Expect(model.JobStateActive).WithLock(token), func(j *model.Job) error {
		var rerr error
		outcome, rerr = domainjob.RecoverStalled(j, token, s.clock.Now())
		return rerr
	})
	if err != nil {
		return nil, domainjob.FailOutcome{}, fmt.Errorf("recover stalled job %s: %w", id, err)
	}

	transition := metrics.TransitionStall
	if !outcome.Retried() {
		transition = metrics.TransitionFail
	}
	s.emit(job, transition, nil)
	s.logger.WarnContext(ctx, "stalled job recovered",
		"id", id,
		"queue", job.Queue,
		"next_state", outcome.State,
		"stalled_count", job.StalledCount,
	)
	return job, outcome, nil
}

// Release returns an active job to waiting without spending an attempt. The
// dispatcher uses it for jobs interrupted by shutdown.
func (s *QueueService) Release(ctx context.Context, id, token string) (*model.Job, error) {
	job, err := s.store.Update(ctx, id, model.Expect(model.JobStateActive).WithLock(token), func(j *model.Job) error {
		return domainjob.Release(j, token, s.clock.Now())
	})
	if err != nil {
		return nil, fmt.Errorf("release job %s: %w", id, err)
	}
	s.logger.InfoContext(ctx, "job released", "id", id, "queue", job.Queue, "attempts_made", job.AttemptsMade)
	return job, nil
}

// Subscribe returns a channel signalled when queue may have a claimable job.
// Without a waiting-capable store the channel never fires and callers rely on polling.
func (s *QueueService) Subscribe(queue string) (func(), <-chan struct{}) {
	if s.notifier == nil {
		return func() {}, nil
	}
	return s.notifier.Subscribe(queue)
}

// Close stops notifier listeners.
func (s *QueueService) Close() {
	if s.notifier != nil {
		s.notifier.StopAll()
	}
}

func (s *QueueService) emit(job *model.Job, transition string, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Queue:      job.Queue,
		Name:       job.Name,
		Transition: transition,
		Result:     result,
		Err:        err,
	})
}
