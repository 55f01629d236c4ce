package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-queue/config"
	"github.com/target/mmk-queue/internal/domain/model"
	"github.com/target/mmk-queue/internal/observability/metrics"
	"github.com/target/mmk-queue/internal/observability/statsd"
)

// depthReportEvery is how often the scheduler publishes queue depth gauges.
const depthReportEvery = 15 * time.Second

// SchedulerServiceOptions groups dependencies for SchedulerService.
type SchedulerServiceOptions struct {
	Queue   *QueueService          // Required: applies promotions and stall recovery
	Config  config.SchedulerConfig // Required: tick interval and page size
	Logger  *slog.Logger           // Optional: structured logger
	Metrics statsd.Sink            // Optional: metrics sink (StatsD-compatible)
}

// SchedulerService promotes due delayed jobs and recovers stalled active jobs.
// Every pass is a CAS, so any number of schedulers may share a store.
type SchedulerService struct {
	queue   *QueueService
	config  config.SchedulerConfig
	logger  *slog.Logger
	metrics statsd.Sink

	lastDepth time.Time
}

// TickResult summarises one scheduler pass.
type TickResult struct {
	Promoted  int // delayed jobs moved to waiting
	Recovered int // stalled jobs sent back to waiting
	Failed    int // stalled jobs failed for exceeding limits
	Skipped   int // candidates another process handled first
}

// NewSchedulerService constructs a new SchedulerService.
func NewSchedulerService(opts SchedulerServiceOptions) (*SchedulerService, error) {
	if opts.Queue == nil {
		return nil, errors.New("QueueService is required")
	}
	cfg := opts.Config
	cfg.Sanitize()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler_service")
	logger.Debug("SchedulerService initialized", "interval", cfg.Interval, "page_size", cfg.PageSize)

	return &SchedulerService{
		queue:   opts.Queue,
		config:  cfg,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Run ticks until ctx is cancelled. Tick errors are logged and never stop the loop.
// Returns nil on graceful shutdown.
func (s *SchedulerService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting scheduler", "interval", s.config.Interval)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && !isContextCancellation(err) {
			s.logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopping", "reason", ctx.Err())
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one bounded promotion pass and one bounded stall-recovery pass.
// Jobs beyond the page size are left for the next tick.
func (s *SchedulerService) Tick(ctx context.Context) (TickResult, error) {
	start := time.Now()
	var res TickResult

	promoteErr := s.promoteDue(ctx, &res)
	recoverErr := s.recoverStalled(ctx, &res)
	err := errors.Join(promoteErr, recoverErr)

	metrics.EmitSchedulerTick(s.metrics, metrics.TickMetric{
		Promoted:  res.Promoted,
		Recovered: res.Recovered,
		Failed:    res.Failed,
		Duration:  time.Since(start),
		Err:       suppressContextCancellation(err),
	})
	if res.Promoted+res.Recovered+res.Failed > 0 {
		s.logger.InfoContext(ctx, "scheduler tick",
			"promoted", res.Promoted,
			"recovered", res.Recovered,
			"failed", res.Failed,
			"skipped", res.Skipped,
		)
	}
	s.maybeReportDepth(ctx)

	if err != nil {
		return res, fmt.Errorf("scheduler tick: %w", err)
	}
	return res, nil
}

func (s *SchedulerService) promoteDue(ctx context.Context, res *TickResult) error {
	due, err := s.queue.Store().ListDue(ctx, model.JobStateDelayed, s.queue.Clock().Now(), s.config.PageSize)
	if err != nil {
		return fmt.Errorf("list due delayed jobs: %w", err)
	}

	var errs []error
	for _, j := range due {
		_, err := s.queue.Promote(ctx, j.ID)
		switch {
		case err == nil:
			res.Promoted++
		case isBenign(err):
			res.Skipped++
		default:
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *SchedulerService) recoverStalled(ctx context.Context, res *TickResult) error {
	expired, err := s.queue.Store().ListDue(ctx, model.JobStateActive, s.queue.Clock().Now(), s.config.PageSize)
	if err != nil {
		return fmt.Errorf("list stalled jobs: %w", err)
	}

	var errs []error
	for _, j := range expired {
		_, outcome, err := s.queue.RecoverStalled(ctx, j.ID, j.LockToken)
		switch {
		case err == nil && outcome.Retried():
			res.Recovered++
		case err == nil:
			res.Failed++
		case isBenign(err):
			res.Skipped++
		default:
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *SchedulerService) maybeReportDepth(ctx context.Context) {
	if s.metrics == nil || time.Since(s.lastDepth) < depthReportEvery {
		return
	}
	s.lastDepth = time.Now()

	queues, err := s.queue.Store().Queues(ctx)
	if err != nil {
		s.logger.DebugContext(ctx, "list queues for depth metrics failed", "error", err)
		return
	}
	for _, q := range queues {
		counts, err := s.queue.Store().Counts(ctx, q)
		if err != nil {
			s.logger.DebugContext(ctx, "count queue for depth metrics failed", "queue", q, "error", err)
			continue
		}
		metrics.EmitQueueDepth(s.metrics, q, counts)
	}
}

// isBenign reports a lost race: another process already moved or removed the job.
func isBenign(err error) bool {
	return errors.Is(err, model.ErrConflict) || errors.Is(err, model.ErrJobNotFound)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
