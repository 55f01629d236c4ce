package data

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/target/mmk-queue/internal/domain/model"
	apperrors "github.com/target/mmk-queue/internal/errors"
)

// jobReadyChannel carries the queue name of every job that becomes claimable.
const jobReadyChannel = "mmk_job_ready"

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	Logger *slog.Logger
}

// JobRepo is the PostgreSQL job record store. Every state change runs in a
// transaction holding the row lock, so the compare-and-swap and the index
// (the row's state column) can never diverge.
type JobRepo struct {
	DB     *sql.DB
	logger *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JobRepo{
		DB:     db,
		logger: logger.With("component", "job_repo"),
	}
}

var jobColumnList = []string{
	"id",
	"queue",
	"name",
	"payload",
	"state",
	"priority",
	"seq",
	"available_at",
	"attempts_made",
	"max_attempts",
	"backoff_type",
	"backoff_delay_ms",
	"stalled_count",
	"max_stalled_count",
	"timeout_ms",
	"lock_token",
	"lock_expires_at",
	"result",
	"failure_reason",
	"created_at",
	"processed_at",
	"finished_at",
	"updated_at",
}

const jobColumns = `
  id,
  queue,
  name,
  payload,
  state,
  priority,
  seq,
  available_at,
  attempts_made,
  max_attempts,
  backoff_type,
  backoff_delay_ms,
  stalled_count,
  max_stalled_count,
  timeout_ms,
  lock_token,
  lock_expires_at,
  result,
  failure_reason,
  created_at,
  processed_at,
  finished_at,
  updated_at
`

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	payload, result                        []byte
	state, backoffType                     string
	backoffDelayMS, timeoutMS              int64
	lockExpiresAt, processedAt, finishedAt sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.Queue,
		&job.Name,
		&d.payload,
		&d.state,
		&job.Priority,
		&job.Seq,
		&job.AvailableAt,
		&job.AttemptsMade,
		&job.MaxAttempts,
		&d.backoffType,
		&d.backoffDelayMS,
		&job.StalledCount,
		&job.MaxStalledCount,
		&d.timeoutMS,
		&job.LockToken,
		&d.lockExpiresAt,
		&d.result,
		&job.FailureReason,
		&job.CreatedAt,
		&d.processedAt,
		&d.finishedAt,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) {
	job.Payload = cloneJSON(d.payload)
	job.Result = cloneJSON(d.result)
	job.State = model.JobState(d.state)
	job.Backoff = model.Backoff{
		Type:  model.BackoffType(d.backoffType),
		Delay: time.Duration(d.backoffDelayMS) * time.Millisecond,
	}
	job.Timeout = time.Duration(d.timeoutMS) * time.Millisecond
	job.AvailableAt = job.AvailableAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.LockExpiresAt = cloneNullableTime(d.lockExpiresAt)
	job.ProcessedAt = cloneNullableTime(d.processedAt)
	job.FinishedAt = cloneNullableTime(d.finishedAt)
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}
	data.apply(job)
	return job, nil
}

// collectJobFromRows collects a single job from pgx rows.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}
	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}
	return job, rows.Err()
}

func collectJobsFromRows(rows pgx.Rows) ([]*model.Job, error) {
	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJobFromRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// jobArgs returns the column values bound as $2..$22 by the insert and update statements.
// seq is store-assigned and never bound.
func jobArgs(j *model.Job) []any {
	return []any{
		j.Queue,
		j.Name,
		nullableJSON(j.Payload),
		string(j.State),
		j.Priority,
		j.AvailableAt.UTC(),
		j.AttemptsMade,
		j.MaxAttempts,
		string(j.Backoff.Type),
		j.Backoff.Delay.Milliseconds(),
		j.StalledCount,
		j.MaxStalledCount,
		j.Timeout.Milliseconds(),
		j.LockToken,
		nullableTime(j.LockExpiresAt),
		nullableJSON(j.Result),
		j.FailureReason,
		j.CreatedAt.UTC(),
		nullableTime(j.ProcessedAt),
		nullableTime(j.FinishedAt),
		j.UpdatedAt.UTC(),
	}
}

// mapJobError folds driver errors into the store's sentinel errors.
func mapJobError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrJobNotFound
	}
	mapped := apperrors.MapDBError(err)
	if apperrors.IsConflict(mapped) {
		return errors.Join(model.ErrConflict, mapped)
	}
	return mapped
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
