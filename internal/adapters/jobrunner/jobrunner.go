// Package jobrunner dispatches claimed jobs to registered handlers.
package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/target/mmk-queue/config"
	domainjob "github.com/target/mmk-queue/internal/domain/job"
	"github.com/target/mmk-queue/internal/domain/model"
	"github.com/target/mmk-queue/internal/observability/metrics"
	"github.com/target/mmk-queue/internal/observability/statsd"
	"github.com/target/mmk-queue/internal/observability/tracing"
	"github.com/target/mmk-queue/internal/service"
)

// errLockLost cancels a handler whose job lock was taken over or removed.
var errLockLost = errors.New("job lock lost")

// Span outcomes.
const (
	outcomeCompleted = "completed"
	outcomeRetry     = "retry"
	outcomeFailed    = "failed"
	outcomeAbandoned = "abandoned"
	outcomeReleased  = "released"
)

// RunnerOptions configures the worker dispatcher.
type RunnerOptions struct {
	Queue    *service.QueueService // Required
	Registry *Registry             // Required
	Config   config.WorkerConfig
	Logger   *slog.Logger
	Metrics  statsd.Sink
	Tracer   trace.Tracer // Optional: defaults to the global tracer provider
}

// Runner claims jobs from the registry's queues and runs their handlers with
// bounded concurrency.
type Runner struct {
	queue    *service.QueueService
	registry *Registry
	config   config.WorkerConfig
	lease    domainjob.Lease
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  statsd.Sink
	tracer   trace.Tracer

	inflight sync.WaitGroup
}

// NewRunner validates options and constructs a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Queue == nil {
		return nil, errors.New("QueueService is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("handler registry is required")
	}
	cfg := opts.Config
	cfg.Sanitize()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.ClaimRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ClaimRate), cfg.ClaimBurst)
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracing.Tracer()
	}

	return &Runner{
		queue:    opts.Queue,
		registry: opts.Registry,
		config:   cfg,
		lease:    opts.Queue.Lease(cfg.LockDuration),
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		limiter:  limiter,
		logger:   logger.With("component", "job_runner"),
		metrics:  opts.Metrics,
		tracer:   tracer,
	}, nil
}

// Run claims and processes jobs until ctx is cancelled. Handlers then get
// WorkerConfig.ShutdownGrace to finish; any still running afterwards are
// cancelled and their jobs released. Returns nil on graceful shutdown.
func (r *Runner) Run(ctx context.Context) error {
	queues := r.config.Queues
	if len(queues) == 0 {
		queues = r.registry.Queues()
	}
	if len(queues) == 0 {
		return errors.New("no queues to process: register a handler or set WORKER_QUEUES")
	}

	r.logger.InfoContext(ctx, "starting job runner",
		"queues", queues,
		"concurrency", r.config.Concurrency,
		"lock_duration", r.lease.Duration,
		"shutdown_grace", r.config.ShutdownGrace,
	)

	// Handlers run on workCtx so that shutdown stops claiming without
	// interrupting them.
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWork()

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		g.Go(func() error { return r.claimLoop(gctx, workCtx, q) })
	}
	err := g.Wait()
	r.drain(ctx, stopWork)

	r.logger.InfoContext(ctx, "job runner stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// drain waits for in-flight handlers, cancelling them once the grace period
// has elapsed.
func (r *Runner) drain(ctx context.Context, stopWork context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	default:
	}

	r.logger.InfoContext(ctx, "waiting for running jobs", "grace", r.config.ShutdownGrace)
	timer := time.NewTimer(r.config.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		r.logger.WarnContext(ctx, "shutdown grace elapsed, releasing running jobs")
		stopWork()
		<-done
	}
}

func (r *Runner) claimLoop(ctx, workCtx context.Context, queue string) error {
	unsubscribe, notify := r.queue.Subscribe(queue)
	defer unsubscribe()

	for ctx.Err() == nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil //nolint:nilerr // shutdown
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				r.sem.Release(1)
				return nil //nolint:nilerr // shutdown
			}
		}

		job, err := r.queue.Claim(ctx, queue, r.lease.Duration)
		switch {
		case err == nil:
			r.inflight.Add(1)
			go func() {
				defer r.inflight.Done()
				defer r.sem.Release(1)
				r.process(workCtx, job)
			}()
		case errors.Is(err, model.ErrNoJobsAvailable):
			r.sem.Release(1)
			r.idle(ctx, notify)
		default:
			r.sem.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			r.logger.ErrorContext(ctx, "claim failed", "queue", queue, "error", err)
			metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
				Queue:      queue,
				Transition: metrics.TransitionClaim,
				Result:     metrics.ResultError,
				Err:        err,
			})
			sleep(ctx, r.config.ErrorBackoff)
		}
	}
	return nil
}

// idle waits for a job-available signal, bounded by the poll interval.
func (r *Runner) idle(ctx context.Context, notify <-chan struct{}) {
	timer := time.NewTimer(r.config.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-notify:
	case <-timer.C:
	}
}

func (r *Runner) process(ctx context.Context, job *model.Job) {
	start := time.Now()
	ctx, span := tracing.StartJob(ctx, r.tracer, job)
	logger := r.logger.With("job_id", job.ID, "queue", job.Queue, "name", job.Name, "attempt", job.AttemptsMade+1)

	h, ok := r.registry.Lookup(job.Queue, job.Name)
	if !ok {
		err := model.UnroutableError(job.Queue, job.Name)
		logger.WarnContext(ctx, "no handler registered")
		outcome := r.fail(ctx, logger, job, err, start)
		tracing.EndJob(span, outcome, err)
		return
	}

	jobCtx, cancelJob := context.WithCancelCause(ctx)
	stopHeartbeat := r.heartbeat(jobCtx, logger, job, cancelJob)
	result, err := r.execute(jobCtx, h, job)
	stopHeartbeat()
	lockLost := errors.Is(context.Cause(jobCtx), errLockLost)
	cancelJob(nil)

	switch {
	case lockLost:
		logger.WarnContext(ctx, "lock lost while handler ran, result abandoned", "error", err)
		r.emit(job, metrics.TransitionAbandon, errLockLost, start)
		tracing.EndJob(span, outcomeAbandoned, errLockLost)
	case err != nil && ctx.Err() != nil:
		logger.InfoContext(ctx, "handler interrupted by shutdown", "error", err)
		outcome := r.release(ctx, logger, job, start)
		tracing.EndJob(span, outcome, nil)
	case err != nil:
		outcome := r.fail(ctx, logger, job, err, start)
		tracing.EndJob(span, outcome, err)
	default:
		outcome := r.complete(ctx, logger, job, result, start)
		tracing.EndJob(span, outcome, nil)
	}
}

type handlerOutcome struct {
	result json.RawMessage
	err    error
}

// execute runs h under the job timeout. A handler still running at the
// deadline is abandoned; its eventual return is discarded.
func (r *Runner) execute(ctx context.Context, h Handler, job *model.Job) (json.RawMessage, error) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = r.config.JobTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- handlerOutcome{err: fmt.Errorf("handler panic: %v", p)}
			}
		}()
		res, err := h.Process(hctx, job)
		done <- handlerOutcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if ctx.Err() == nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
				return nil, model.NewTimeoutError(timeout)
			}
			return nil, model.NewHandlerError(out.err)
		}
		return out.result, nil
	case <-hctx.Done():
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, model.NewTimeoutError(timeout)
	}
}

// heartbeat renews the lock every half lock duration until stopped. Losing the
// lock cancels the handler with errLockLost.
func (r *Runner) heartbeat(ctx context.Context, logger *slog.Logger, job *model.Job, cancel context.CancelCauseFunc) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.lease.HeartbeatEvery())
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			_, err := r.queue.Heartbeat(ctx, job.ID, job.LockToken, r.lease.Duration)
			switch {
			case err == nil:
				metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
					Queue: job.Queue, Name: job.Name,
					Transition: metrics.TransitionHeartbeat, Result: metrics.ResultSuccess,
				})
			case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrJobNotFound):
				cancel(errLockLost)
				return
			case ctx.Err() != nil:
				return
			default:
				logger.WarnContext(ctx, "heartbeat failed", "error", err)
				metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
					Queue: job.Queue, Name: job.Name,
					Transition: metrics.TransitionHeartbeat, Result: metrics.ResultError, Err: err,
				})
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}

func (r *Runner) complete(ctx context.Context, logger *slog.Logger, job *model.Job, result json.RawMessage, start time.Time) string {
	err := r.commit(ctx, logger, func(cctx context.Context) error {
		_, err := r.queue.Complete(cctx, job.ID, job.LockToken, result)
		return err
	})
	if err != nil {
		logger.WarnContext(ctx, "completed job could not be committed", "error", err)
		r.emit(job, metrics.TransitionAbandon, err, start)
		return outcomeAbandoned
	}
	logger.DebugContext(ctx, "job completed", "duration", time.Since(start))
	r.emit(job, metrics.TransitionComplete, nil, start)
	return outcomeCompleted
}

// release puts a job interrupted by shutdown back to waiting. If that cannot
// be committed the lock expires and the scheduler recovers the job.
func (r *Runner) release(ctx context.Context, logger *slog.Logger, job *model.Job, start time.Time) string {
	err := r.commit(ctx, logger, func(cctx context.Context) error {
		_, err := r.queue.Release(cctx, job.ID, job.LockToken)
		return err
	})
	if err != nil {
		logger.WarnContext(ctx, "interrupted job could not be released", "error", err)
		r.emit(job, metrics.TransitionAbandon, err, start)
		return outcomeAbandoned
	}
	r.emit(job, metrics.TransitionRelease, nil, start)
	return outcomeReleased
}

func (r *Runner) fail(ctx context.Context, logger *slog.Logger, job *model.Job, cause error, start time.Time) string {
	var outcome domainjob.FailOutcome
	err := r.commit(ctx, logger, func(cctx context.Context) error {
		var ferr error
		_, outcome, ferr = r.queue.Fail(cctx, job.ID, job.LockToken, cause)
		return ferr
	})
	if err != nil {
		logger.WarnContext(ctx, "failed attempt could not be committed", "error", err, "cause", cause)
		r.emit(job, metrics.TransitionAbandon, err, start)
		return outcomeAbandoned
	}

	if outcome.Retried() {
		logger.InfoContext(ctx, "job attempt failed, retrying", "error", cause, "next_state", outcome.State, "delay", outcome.Delay)
		r.emit(job, metrics.TransitionRetry, cause, start)
		return outcomeRetry
	}
	logger.WarnContext(ctx, "job failed", "error", cause)
	r.emit(job, metrics.TransitionFail, cause, start)
	return outcomeFailed
}

// commit retries fn until it succeeds, the lock is lost, or the lock would
// have expired anyway. It outlives shutdown so finished work is recorded.
func (r *Runner) commit(ctx context.Context, logger *slog.Logger, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.lease.Duration)
	defer cancel()
	for {
		err := fn(cctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrJobNotFound):
			return err
		case cctx.Err() != nil:
			return errors.Join(err, cctx.Err())
		}
		logger.ErrorContext(ctx, "commit failed, retrying", "error", err, "backoff", r.config.ErrorBackoff)
		if !sleep(cctx, r.config.ErrorBackoff) {
			return errors.Join(err, cctx.Err())
		}
	}
}

func (r *Runner) emit(job *model.Job, transition string, err error, start time.Time) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
		Queue:      job.Queue,
		Name:       job.Name,
		Transition: transition,
		Result:     result,
		Duration:   time.Since(start),
		Err:        err,
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
