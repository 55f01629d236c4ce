package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/target/mmk-queue/internal/domain/model"
	apperrors "github.com/target/mmk-queue/internal/errors"
)

// drainPageSize is the page size used when enumerating a queue for Drain and Clean.
const drainPageSize = 500

// AdminServiceOptions groups dependencies for AdminService.
type AdminServiceOptions struct {
	Queue  *QueueService // Required: store and clock
	Logger *slog.Logger  // Optional: structured logger
}

// AdminService inspects and maintains queues directly through the store.
// It bypasses the dispatcher and is used by the admin CLI.
type AdminService struct {
	queue  *QueueService
	logger *slog.Logger
}

// CleanParams selects finished jobs to remove.
type CleanParams struct {
	Queue     string
	OlderThan time.Duration
	State     model.JobState // Optional: completed or failed; empty means both
}

// JobsParams selects jobs to list.
type JobsParams struct {
	Queue string
	State model.JobState // Optional: empty means every state
	Limit int            // Maximum jobs returned; model.DefaultListLimit when <= 0
	Where string         // Optional JMESPath expression evaluated against each job's JSON
}

// NewAdminService constructs a new AdminService.
func NewAdminService(opts AdminServiceOptions) (*AdminService, error) {
	if opts.Queue == nil {
		return nil, errors.New("QueueService is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminService{queue: opts.Queue, logger: logger.With("component", "admin_service")}, nil
}

// Queues lists every known queue.
func (s *AdminService) Queues(ctx context.Context) ([]string, error) {
	queues, err := s.queue.Store().Queues(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	return queues, nil
}

// Counts returns per-state counts for queue.
func (s *AdminService) Counts(ctx context.Context, queue string) (model.QueueCounts, error) {
	counts, err := s.queue.Store().Counts(ctx, queue)
	if err != nil {
		return model.QueueCounts{}, fmt.Errorf("count queue %s: %w", queue, err)
	}
	return counts, nil
}

// Validate checks p without touching the store.
func (p CleanParams) Validate() error {
	if p.Queue == "" {
		return apperrors.Validation("queue is required")
	}
	if p.OlderThan < 0 {
		return apperrors.ValidationField("older_than", "age must be >= 0")
	}
	if p.State != "" && !p.State.Terminal() {
		return apperrors.ValidationField("state", fmt.Sprintf("state %q is not completed or failed", p.State))
	}
	return nil
}

// Clean removes finished jobs of a queue that finished at or before now-OlderThan
// and returns how many were removed.
func (s *AdminService) Clean(ctx context.Context, p CleanParams) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	states := model.TerminalJobStates()
	if p.State != "" {
		states = []model.JobState{p.State}
	}

	cutoff := s.queue.Clock().Now().Add(-p.OlderThan)
	total := 0
	for _, state := range states {
		ids, err := s.collect(ctx, p.Queue, state, func(j *model.Job) bool {
			return j.FinishedAt != nil && !j.FinishedAt.After(cutoff)
		})
		if err != nil {
			return total, err
		}
		n, err := s.remove(ctx, ids, model.Expect(state))
		total += n
		if err != nil {
			return total, err
		}
	}

	s.logger.InfoContext(ctx, "cleaned queue", "queue", p.Queue, "state", p.State, "older_than", p.OlderThan, "removed", total)
	return total, nil
}

// Drain removes every job of queue in every state and returns how many were removed.
// Active jobs are removed too; their workers fail to commit and abandon the result.
func (s *AdminService) Drain(ctx context.Context, queue string) (int, error) {
	if queue == "" {
		return 0, apperrors.Validation("queue is required")
	}
	total := 0
	for _, state := range model.AllJobStates() {
		ids, err := s.collect(ctx, queue, state, nil)
		if err != nil {
			return total, err
		}
		n, err := s.remove(ctx, ids, model.Expectation{})
		total += n
		if err != nil {
			return total, err
		}
	}
	s.logger.InfoContext(ctx, "drained queue", "queue", queue, "removed", total)
	return total, nil
}

// Jobs lists jobs of a queue, optionally filtered by a JMESPath expression.
// A job matches when the expression yields a truthy value.
func (s *AdminService) Jobs(ctx context.Context, p JobsParams) ([]*model.Job, error) {
	if p.Queue == "" {
		return nil, apperrors.Validation("queue is required")
	}
	if p.State != "" && !p.State.Valid() {
		return nil, apperrors.ValidationField("state", fmt.Sprintf("unknown state %q", p.State))
	}
	if p.Where != "" {
		if _, err := jmespath.Compile(p.Where); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid where expression")
		}
	}
	limit := p.Limit
	if limit <= 0 {
		limit = model.DefaultListLimit
	}

	states := model.AllJobStates()
	if p.State != "" {
		states = []model.JobState{p.State}
	}

	var out []*model.Job
	for _, state := range states {
		cursor := ""
		for len(out) < limit {
			page, err := s.queue.Store().ListByState(ctx, model.ListQuery{Queue: p.Queue, State: state, Limit: drainPageSize, Cursor: cursor})
			if err != nil {
				return nil, fmt.Errorf("list %s jobs of %s: %w", state, p.Queue, err)
			}
			for _, j := range page.Jobs {
				ok, err := matchWhere(p.Where, j)
				if err != nil {
					return nil, err
				}
				if ok {
					out = append(out, j)
					if len(out) >= limit {
						return out, nil
					}
				}
			}
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
	}
	return out, nil
}

// collect reads the full index before anything is deleted so offsets stay valid.
func (s *AdminService) collect(ctx context.Context, queue string, state model.JobState, keep func(*model.Job) bool) ([]string, error) {
	var (
		ids    []string
		cursor string
	)
	for {
		page, err := s.queue.Store().ListByState(ctx, model.ListQuery{Queue: queue, State: state, Limit: drainPageSize, Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("list %s jobs of %s: %w", state, queue, err)
		}
		for _, j := range page.Jobs {
			if keep == nil || keep(j) {
				ids = append(ids, j.ID)
			}
		}
		if page.NextCursor == "" {
			return ids, nil
		}
		cursor = page.NextCursor
	}
}

func (s *AdminService) remove(ctx context.Context, ids []string, expect model.Expectation) (int, error) {
	removed := 0
	for _, id := range ids {
		err := s.queue.Store().Delete(ctx, id, expect)
		switch {
		case err == nil:
			removed++
		case isBenign(err):
		default:
			return removed, fmt.Errorf("delete job %s: %w", id, err)
		}
	}
	return removed, nil
}

func matchWhere(expr string, j *model.Job) (bool, error) {
	if expr == "" {
		return true, nil
	}
	raw, err := json.Marshal(j)
	if err != nil {
		return false, fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, fmt.Errorf("decode job %s: %w", j.ID, err)
	}
	v, err := jmespath.Search(expr, doc)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeValidation, "evaluate where expression")
	}
	return truthy(v), nil
}

// truthy follows JMESPath truthiness: false, null and empty values are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
