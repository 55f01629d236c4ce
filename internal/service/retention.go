package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/target/mmk-queue/config"
	"github.com/target/mmk-queue/internal/domain/model"
	"github.com/target/mmk-queue/internal/observability/metrics"
	"github.com/target/mmk-queue/internal/observability/statsd"
)

// RetentionServiceOptions groups dependencies for RetentionService.
type RetentionServiceOptions struct {
	Queue   *QueueService          // Required: store and clock
	Config  config.RetentionConfig // Required: retention configuration
	Logger  *slog.Logger           // Optional: structured logger
	Metrics statsd.Sink            // Optional: metrics sink (StatsD-compatible)
}

// RetentionService removes finished jobs beyond their queue's age or count limit.
//
// Each sweep walks every queue's completed and failed indexes newest first.
// A job is removed when it is older than MaxAge or when at least MaxCount newer
// jobs of the same state exist. Deletions per queue and state are bounded by
// BatchSize; the rest is left for the next sweep.
type RetentionService struct {
	queue    *QueueService
	config   config.RetentionConfig
	policies config.RetentionPolicies
	schedule cron.Schedule
	logger   *slog.Logger
	metrics  statsd.Sink
}

// SweepResult counts removals of one sweep per queue and state.
type SweepResult map[string]map[model.JobState]int

// Total sums every removal.
func (r SweepResult) Total() int {
	n := 0
	for _, byState := range r {
		for _, c := range byState {
			n += c
		}
	}
	return n
}

// NewRetentionService constructs a new RetentionService.
func NewRetentionService(opts RetentionServiceOptions) (*RetentionService, error) {
	if opts.Queue == nil {
		return nil, errors.New("QueueService is required")
	}
	cfg := opts.Config
	cfg.Sanitize()

	policies, err := cfg.Policies()
	if err != nil {
		return nil, err
	}
	schedule, err := cfg.CronSchedule()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "retention_service")
	logger.Debug("RetentionService initialized",
		"interval", cfg.Interval,
		"schedule", cfg.Schedule,
		"completed_max_age", cfg.CompletedMaxAge,
		"completed_max_count", cfg.CompletedMaxCount,
		"failed_max_age", cfg.FailedMaxAge,
		"failed_max_count", cfg.FailedMaxCount,
	)

	return &RetentionService{
		queue:    opts.Queue,
		config:   cfg,
		policies: policies,
		schedule: schedule,
		logger:   logger,
		metrics:  opts.Metrics,
	}, nil
}

// Run sweeps on the configured interval or cron schedule until the context is cancelled.
// Returns nil on graceful shutdown.
func (s *RetentionService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting retention sweeper", "interval", s.config.Interval, "schedule", s.config.Schedule)

	if s.schedule == nil {
		// Spread sweeps of instances started together.
		if !s.sleep(ctx, jitter(s.config.Interval/10)) {
			return nil
		}
	}

	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.logSweepError(ctx, err)
		}
		if !s.sleep(ctx, s.nextDelay(time.Now())) {
			s.logger.InfoContext(ctx, "retention sweeper stopping", "reason", ctx.Err())
			return nil
		}
	}
}

func (s *RetentionService) nextDelay(now time.Time) time.Duration {
	if s.schedule != nil {
		return s.schedule.Next(now).Sub(now)
	}
	return s.config.Interval
}

func (s *RetentionService) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Sweep runs one retention pass over every known queue.
func (s *RetentionService) Sweep(ctx context.Context) (SweepResult, error) {
	queues, err := s.queue.Store().Queues(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}

	result := make(SweepResult, len(queues))
	var errs []error
	for _, queue := range queues {
		for _, state := range model.TerminalJobStates() {
			policy := s.policies.For(queue, state)
			if !policy.Enabled() {
				continue
			}
			removed, err := s.sweepOne(ctx, queue, state, policy)
			metrics.EmitRetention(s.metrics, queue, state, removed, suppressContextCancellation(err))
			if removed > 0 {
				if result[queue] == nil {
					result[queue] = make(map[model.JobState]int, 2)
				}
				result[queue][state] = removed
				s.logger.InfoContext(ctx, "removed finished jobs",
					"queue", queue,
					"state", state,
					"count", removed,
					"max_age", policy.MaxAge,
					"max_count", policy.MaxCount,
				)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", queue, state, err))
				if isContextCancellation(err) {
					return result, errors.Join(errs...)
				}
			}
		}
	}

	if len(errs) > 0 {
		return result, fmt.Errorf("retention sweep failed: %w", errors.Join(errs...))
	}
	return result, nil
}

// sweepOne collects up to BatchSize expired ids of one index, then removes them.
// Collecting first keeps ranks stable while paging.
func (s *RetentionService) sweepOne(ctx context.Context, queue string, state model.JobState, policy model.RetentionPolicy) (int, error) {
	now := s.queue.Clock().Now()
	expired, err := s.collectExpired(ctx, queue, state, policy, now)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range expired {
		err := s.queue.Store().Delete(ctx, id, model.Expect(state))
		switch {
		case err == nil:
			removed++
		case isBenign(err):
		default:
			return removed, err
		}
	}
	return removed, nil
}

// collectExpired reads an index newest first. Finished times only get older
// with rank, so every job from the first expired rank on is expired as well;
// the scan seeks straight there instead of paging through retained jobs.
func (s *RetentionService) collectExpired(
	ctx context.Context,
	queue string,
	state model.JobState,
	policy model.RetentionPolicy,
	now time.Time,
) ([]string, error) {
	rank, err := s.firstExpiredRank(ctx, queue, state, policy, now)
	if err != nil {
		return nil, err
	}

	var ids []string
	cursor := model.EncodeOffsetCursor(rank)
	for {
		page, err := s.queue.Store().ListByState(ctx, model.ListQuery{
			Queue:  queue,
			State:  state,
			Limit:  min(s.config.BatchSize, model.DefaultListLimit*10),
			Cursor: cursor,
		})
		if err != nil {
			return ids, err
		}
		for _, j := range page.Jobs {
			if policy.Expired(finishedAt(j), rank, now) {
				ids = append(ids, j.ID)
				if len(ids) >= s.config.BatchSize {
					return ids, nil
				}
			}
			rank++
		}
		if page.NextCursor == "" {
			return ids, nil
		}
		cursor = page.NextCursor
	}
}

// firstExpiredRank is the lowest rank the policy removes. Ranks at or past
// MaxCount always go; below that it binary searches for the first job older
// than MaxAge.
func (s *RetentionService) firstExpiredRank(
	ctx context.Context,
	queue string,
	state model.JobState,
	policy model.RetentionPolicy,
	now time.Time,
) (int, error) {
	hi := policy.MaxCount
	if policy.MaxAge <= 0 {
		return hi, nil
	}
	if hi <= 0 {
		counts, err := s.queue.Store().Counts(ctx, queue)
		if err != nil {
			return 0, err
		}
		hi = int(counts.Get(state))
	}

	lo := 0
	for lo < hi {
		mid := lo + (hi-lo)/2
		page, err := s.queue.Store().ListByState(ctx, model.ListQuery{
			Queue:  queue,
			State:  state,
			Limit:  1,
			Cursor: model.EncodeOffsetCursor(mid),
		})
		if err != nil {
			return 0, err
		}
		if len(page.Jobs) == 0 || now.Sub(finishedAt(page.Jobs[0])) > policy.MaxAge {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, nil
}

func finishedAt(j *model.Job) time.Time {
	if j.FinishedAt != nil {
		return *j.FinishedAt
	}
	return j.UpdatedAt
}

func (s *RetentionService) logSweepError(ctx context.Context, err error) {
	if isContextCancellation(err) {
		s.logger.DebugContext(ctx, "retention sweep cancelled by context", "error", err)
		return
	}
	s.logger.ErrorContext(ctx, "retention sweep failed", "error", err)
}

// jitter returns a random delay in [0, maxJitter).
func jitter(maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	n := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	return time.Duration(int64(n)) // #nosec G115 - bounded by maxJitter
}
