package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/data/database"
	"github.com/target/mmk-queue/internal/data/pgxutil"
	"github.com/target/mmk-queue/internal/domain/job"
	"github.com/target/mmk-queue/internal/domain/model"
)

const insertJobSQL = `
  INSERT INTO jobs(
    id, queue, name, payload, state, priority, available_at, attempts_made, max_attempts,
    backoff_type, backoff_delay_ms, stalled_count, max_stalled_count, timeout_ms, lock_token,
    lock_expires_at, result, failure_reason, created_at, processed_at, finished_at, updated_at)
  VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
  RETURNING ` + jobColumns

// Claims and CAS updates lock rows explicitly, so read committed is enough.
var readCommitted = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}

const updateJobSQL = `
  UPDATE jobs SET
    name = $3, payload = $4, state = $5, priority = $6,
    seq = CASE WHEN $23::boolean THEN nextval('job_seq') ELSE seq END,
    available_at = $7, attempts_made = $8, max_attempts = $9, backoff_type = $10,
    backoff_delay_ms = $11, stalled_count = $12, max_stalled_count = $13, timeout_ms = $14,
    lock_token = $15, lock_expires_at = $16, result = $17, failure_reason = $18,
    created_at = $19, processed_at = $20, finished_at = $21, updated_at = $22
  WHERE id = $1 AND queue = $2
  RETURNING ` + jobColumns

// Create inserts a new job, assigning its sequence number and registering its queue.
func (r *JobRepo) Create(ctx context.Context, job *model.Job) (*model.Job, error) {
	if job == nil {
		return nil, errors.New("job is required")
	}

	var created *model.Job
	err := pgxutil.Tx(ctx, r.DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO queues(name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, job.Queue); err != nil {
			return fmt.Errorf("register queue: %w", err)
		}

		args := append([]any{job.ID}, jobArgs(job)...)
		rows, err := tx.Query(ctx, insertJobSQL, args...)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		j, collectErr := collectJobFromRows(rows)
		rows.Close()
		if collectErr != nil {
			return fmt.Errorf("collect job: %w", collectErr)
		}
		created = j

		if created.State == model.JobStateWaiting {
			return notifyReady(ctx, tx, created.Queue)
		}
		return nil
	})
	if err != nil {
		return nil, mapJobError(err)
	}
	return created, nil
}

// Get retrieves a job by its ID.
func (r *JobRepo) Get(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.Conn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		job, err = collectJobFromRows(rows)
		return err
	})
	if err != nil {
		return nil, mapJobError(err)
	}
	return job, nil
}

// Update locks the row, checks expect and writes back the mutated job.
func (r *JobRepo) Update(
	ctx context.Context,
	id string,
	expect model.Expectation,
	mutate func(*model.Job) error,
) (*model.Job, error) {
	var updated *model.Job
	err := pgxutil.Tx(ctx, r.DB, readCommitted, func(tx pgx.Tx) error {
		cur, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if !expect.Matches(cur) {
			return model.ErrConflict
		}
		next, err := applyMutation(cur, mutate)
		if err != nil {
			return err
		}
		updated, err = writeJob(ctx, tx, cur, next)
		return err
	})
	if err != nil {
		return nil, passThroughOrMap(err)
	}
	return updated, nil
}

// ClaimNext locks the head of queue's waiting index, skipping rows other
// workers hold, and moves it to active in the same transaction.
func (r *JobRepo) ClaimNext(ctx context.Context, queue string, params model.ClaimParams) (*model.Job, error) {
	query, args := database.BuildListQuery(database.NewListQueryOptions("jobs",
		database.WithColumns(jobColumnList...),
		database.WithCondition(database.WhereCond("queue", database.Equal, queue)),
		database.WithCondition(database.WhereCond("state", database.Equal, string(model.JobStateWaiting))),
		database.WithOrderBy("priority", "ASC"),
		database.WithOrderBy("seq", "ASC"),
		database.WithLimit(1),
		database.WithLocking(database.LockForUpdateSkipLocked),
	))

	var claimed *model.Job
	err := pgxutil.Tx(ctx, r.DB, readCommitted, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("select next job: %w", err)
		}
		cur, err := collectJobFromRows(rows)
		rows.Close()
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrNoJobsAvailable
		}
		if err != nil {
			return fmt.Errorf("select next job: %w", err)
		}

		next := cur.Clone()
		if err := job.Claim(next, params.Token, params.Now, params.Lock); err != nil {
			return err
		}

		claimed, err = writeJob(ctx, tx, cur, next)
		return err
	})
	if err != nil {
		return nil, passThroughOrMap(err)
	}
	return claimed, nil
}

// ListByState enumerates one queue/state index using offset cursors.
func (r *JobRepo) ListByState(ctx context.Context, q model.ListQuery) (*model.JobPage, error) {
	offset, err := model.DecodeOffsetCursor(q.Cursor)
	if err != nil {
		return nil, err
	}
	limit := q.EffectiveLimit()

	opts := []database.ListQueryOption{
		database.WithColumns(jobColumnList...),
		database.WithCondition(database.WhereCond("queue", database.Equal, q.Queue)),
		database.WithCondition(database.WhereCond("state", database.Equal, string(q.State))),
		database.WithLimit(limit + 1),
		database.WithOffset(offset),
	}
	opts = append(opts, orderFor(q.State)...)

	jobs, err := r.queryJobs(ctx, database.NewListQueryOptions("jobs", opts...))
	if err != nil {
		return nil, err
	}

	page := &model.JobPage{Jobs: jobs}
	if len(jobs) > limit {
		page.Jobs = jobs[:limit]
		page.NextCursor = model.EncodeOffsetCursor(offset + limit)
	}
	return page, nil
}

// ListDue returns delayed jobs whose available_at has passed, or active jobs whose lock expired.
func (r *JobRepo) ListDue(ctx context.Context, state model.JobState, before time.Time, limit int) ([]*model.Job, error) {
	opts := []database.ListQueryOption{
		database.WithColumns(jobColumnList...),
		database.WithCondition(database.WhereCond("state", database.Equal, string(state))),
	}
	switch state {
	case model.JobStateDelayed:
		opts = append(opts, database.WithCondition(database.WhereCond("available_at", database.LessThanOrEqual, before.UTC())))
	case model.JobStateActive:
		opts = append(opts, database.WithCondition(database.WhereCond("lock_expires_at", database.LessThan, before.UTC())))
	default:
		return nil, fmt.Errorf("list due: unsupported state %q", state)
	}
	opts = append(opts, orderFor(state)...)
	if limit > 0 {
		opts = append(opts, database.WithLimit(limit))
	}
	return r.queryJobs(ctx, database.NewListQueryOptions("jobs", opts...))
}

// Delete removes a job when expect matches its current state.
func (r *JobRepo) Delete(ctx context.Context, id string, expect model.Expectation) error {
	err := pgxutil.Tx(ctx, r.DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		cur, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if !expect.Matches(cur) {
			return model.ErrConflict
		}
		if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		return nil
	})
	return passThroughOrMap(err)
}

// Queues lists every queue that has ever held a job.
func (r *JobRepo) Queues(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name FROM queues ORDER BY name`)
	if err != nil {
		return nil, mapJobError(fmt.Errorf("list queues: %w", err))
	}
	defer rows.Close()

	var queues []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan queue: %w", err)
		}
		queues = append(queues, name)
	}
	return queues, rows.Err()
}

// Counts returns per-state counts for one queue.
func (r *JobRepo) Counts(ctx context.Context, queue string) (model.QueueCounts, error) {
	var c model.QueueCounts
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE state = 'waiting')   AS waiting,
    count(*) FILTER (WHERE state = 'delayed')   AS delayed,
    count(*) FILTER (WHERE state = 'active')    AS active,
    count(*) FILTER (WHERE state = 'completed') AS completed,
    count(*) FILTER (WHERE state = 'failed')    AS failed
  FROM jobs
  WHERE queue = $1
  `, queue).Scan(&c.Waiting, &c.Delayed, &c.Active, &c.Completed, &c.Failed)
	if err != nil {
		return c, mapJobError(fmt.Errorf("count jobs: %w", err))
	}
	return c, nil
}

// WaitForJob blocks on LISTEN until a job becomes claimable on queue or ctx ends.
func (r *JobRepo) WaitForJob(ctx context.Context, queue string) error {
	return pgxutil.Conn(ctx, r.DB, func(conn *pgx.Conn) error {
		quoted := pgx.Identifier{jobReadyChannel}.Sanitize()
		if _, err := conn.Exec(ctx, "LISTEN "+quoted); err != nil {
			return fmt.Errorf("listen %s: %w", jobReadyChannel, err)
		}
		defer func() {
			if _, err := conn.Exec(context.Background(), "UNLISTEN "+quoted); err != nil {
				r.logger.Warn("unlisten failed", "channel", jobReadyChannel, "error", err)
			}
		}()

		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				return err
			}
			if n.Payload == queue {
				return nil
			}
		}
	})
}

func (r *JobRepo) queryJobs(ctx context.Context, opts *database.ListQueryOptions) ([]*model.Job, error) {
	query, args := database.BuildListQuery(opts)
	var jobs []*model.Job
	err := pgxutil.Conn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		jobs, err = collectJobsFromRows(rows)
		return err
	})
	if err != nil {
		return nil, mapJobError(fmt.Errorf("list jobs: %w", err))
	}
	return jobs, nil
}

func orderFor(state model.JobState) []database.ListQueryOption {
	switch state {
	case model.JobStateWaiting:
		return []database.ListQueryOption{database.WithOrderBy("priority", "ASC"), database.WithOrderBy("seq", "ASC")}
	case model.JobStateDelayed:
		return []database.ListQueryOption{database.WithOrderBy("available_at", "ASC"), database.WithOrderBy("seq", "ASC")}
	case model.JobStateActive:
		return []database.ListQueryOption{database.WithOrderBy("lock_expires_at", "ASC"), database.WithOrderBy("id", "ASC")}
	default:
		return []database.ListQueryOption{database.WithOrderBy("finished_at", "DESC"), database.WithOrderBy("seq", "DESC")}
	}
}

func lockJob(ctx context.Context, tx pgx.Tx, id string) (*model.Job, error) {
	rows, err := tx.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	defer rows.Close()
	job, err := collectJobFromRows(rows)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrJobNotFound
	}
	return job, err
}

func applyMutation(cur *model.Job, mutate func(*model.Job) error) (*model.Job, error) {
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.Queue = cur.Queue
	return next, nil
}

// writeJob persists next over cur, drawing a fresh sequence number when the
// job enters waiting, and announces it on the ready channel.
func writeJob(ctx context.Context, tx pgx.Tx, cur, next *model.Job) (*model.Job, error) {
	entersWaiting := next.State == model.JobStateWaiting && cur.State != model.JobStateWaiting
	args := append([]any{next.ID}, jobArgs(next)...)
	args = append(args, entersWaiting)

	rows, err := tx.Query(ctx, updateJobSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	written, err := collectJobFromRows(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if entersWaiting {
		if err := notifyReady(ctx, tx, written.Queue); err != nil {
			return nil, err
		}
	}
	return written, nil
}

func notifyReady(ctx context.Context, tx pgx.Tx, queue string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, jobReadyChannel, queue); err != nil {
		return fmt.Errorf("send job notification: %w", err)
	}
	return nil
}

// passThroughOrMap keeps store sentinels and caller mutate errors intact and
// maps everything else through the database error taxonomy.
func passThroughOrMap(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{model.ErrConflict, model.ErrJobNotFound, model.ErrNoJobsAvailable} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	var pgErr interface{ SQLState() string }
	if errors.Is(err, pgx.ErrNoRows) || errors.As(err, &pgErr) {
		return mapJobError(err)
	}
	return err
}

var (
	_ core.JobStore   = (*JobRepo)(nil)
	_ core.JobClaimer = (*JobRepo)(nil)
	_ core.JobWaiter  = (*JobRepo)(nil)
)
