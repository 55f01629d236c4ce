// Package redisstore implements core.JobStore on Redis. Each job is a Hash,
// every queue/state pair is a Sorted Set index, and state changes run under
// WATCH/MULTI so concurrent workers and schedulers never lose updates.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/domain/model"
	apperrors "github.com/target/mmk-queue/internal/errors"
)

// maxTxRetries bounds optimistic retries when a watched key changes mid-update.
const maxTxRetries = 5

// Options configures the Store.
type Options struct {
	Prefix string // key prefix, default "{mmkq}"
	Logger *slog.Logger
}

// Store implements core.JobStore backed by Redis.
type Store struct {
	client redis.UniversalClient
	keys   keys
	logger *slog.Logger
}

// New creates a Redis-backed store. The caller owns the client lifecycle.
func New(client redis.UniversalClient, opts Options) *Store {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, keys: keys{prefix: prefix}, logger: logger.With("component", "redis_store")}
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Create(ctx context.Context, job *model.Job) (*model.Job, error) {
	seq, err := s.client.Incr(ctx, s.keys.seq()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: create job next seq: %w", err)
	}
	stored := job.Clone()
	stored.Seq = seq
	fields, err := encodeJob(stored)
	if err != nil {
		return nil, err
	}
	key := s.keys.job(stored.ID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: job %s already exists", model.ErrConflict, stored.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			pipe.SAdd(ctx, s.keys.queues(), stored.Queue)
			s.writeIndexes(ctx, pipe, nil, stored)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return nil, s.wrap("create job", err)
	}
	return stored, nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.Job, error) {
	j, err := s.load(ctx, s.client, id)
	if err != nil {
		return nil, s.wrap("get job", err)
	}
	return j, nil
}

func (s *Store) Update(
	ctx context.Context,
	id string,
	expect model.Expectation,
	mutate func(*model.Job) error,
) (*model.Job, error) {
	key := s.keys.job(id)
	var updated *model.Job

	txf := func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !expect.Matches(cur) {
			return model.ErrConflict
		}
		next := cur.Clone()
		if err := mutate(next); err != nil {
			return err
		}
		next.ID = cur.ID
		if next.State == model.JobStateWaiting && cur.State != model.JobStateWaiting {
			// INCR outside MULTI: an aborted transaction only leaves a gap in the sequence.
			seq, err := s.client.Incr(ctx, s.keys.seq()).Result()
			if err != nil {
				return err
			}
			next.Seq = seq
		}
		fields, err := encodeJob(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			s.writeIndexes(ctx, pipe, cur, next)
			return nil
		})
		if err == nil {
			updated = next
		}
		return err
	}

	if err := s.watchRetry(ctx, txf, key); err != nil {
		return nil, s.wrap("update job", err)
	}
	return updated, nil
}

func (s *Store) Delete(ctx context.Context, id string, expect model.Expectation) error {
	key := s.keys.job(id)
	txf := func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !expect.Matches(cur) {
			return model.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			s.removeIndexes(ctx, pipe, cur)
			return nil
		})
		return err
	}
	if err := s.watchRetry(ctx, txf, key); err != nil {
		return s.wrap("delete job", err)
	}
	return nil
}

func (s *Store) ListByState(ctx context.Context, q model.ListQuery) (*model.JobPage, error) {
	offset, err := model.DecodeOffsetCursor(q.Cursor)
	if err != nil {
		return nil, err
	}
	limit := q.EffectiveLimit()
	start, stop := int64(offset), int64(offset+limit) // fetch one extra to detect a next page
	idx := s.keys.index(q.Queue, q.State)

	var ids []string
	if q.State.Terminal() {
		ids, err = s.client.ZRevRange(ctx, idx, start, stop).Result()
	} else {
		ids, err = s.client.ZRange(ctx, idx, start, stop).Result()
	}
	if err != nil {
		return nil, s.wrap("list jobs", err)
	}

	page := &model.JobPage{}
	if len(ids) > limit {
		ids = ids[:limit]
		page.NextCursor = model.EncodeOffsetCursor(offset + limit)
	}
	jobs, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, s.wrap("list jobs", err)
	}
	page.Jobs = jobs
	return page, nil
}

func (s *Store) ListDue(ctx context.Context, state model.JobState, before time.Time, limit int) ([]*model.Job, error) {
	if !tracksDue(state) {
		return nil, fmt.Errorf("redis: list due: unsupported state %q", state)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.keys.due(state), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   dueScore(before),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, s.wrap("list due jobs", err)
	}
	jobs, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, s.wrap("list due jobs", err)
	}
	return slices.DeleteFunc(jobs, func(j *model.Job) bool { return !isDue(j, state, before) }), nil
}

func (s *Store) Queues(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.keys.queues()).Result()
	if err != nil {
		return nil, s.wrap("list queues", err)
	}
	slices.Sort(names)
	return names, nil
}

func (s *Store) Counts(ctx context.Context, queue string) (model.QueueCounts, error) {
	var counts model.QueueCounts
	states := model.AllJobStates()
	cmds := make([]*redis.IntCmd, len(states))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, state := range states {
			cmds[i] = pipe.ZCard(ctx, s.keys.index(queue, state))
		}
		return nil
	})
	if err != nil {
		return counts, s.wrap("count jobs", err)
	}
	for i, state := range states {
		counts.Set(state, cmds[i].Val())
	}
	return counts, nil
}

// WaitForJob subscribes to the queue's ready channel until a message arrives or ctx ends.
func (s *Store) WaitForJob(ctx context.Context, queue string) error {
	sub := s.client.Subscribe(ctx, s.keys.ready(queue))
	defer func() { _ = sub.Close() }()

	select {
	case _, ok := <-sub.Channel():
		if !ok {
			return errors.New("redis: subscription closed")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) watchRetry(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return model.ErrConflict
}

// writeIndexes moves a job between indexes. prev is nil for new jobs.
func (s *Store) writeIndexes(ctx context.Context, pipe redis.Pipeliner, prev, next *model.Job) {
	if prev != nil {
		s.removeIndexes(ctx, pipe, prev)
	}
	pipe.ZAdd(ctx, s.keys.index(next.Queue, next.State), redis.Z{Score: indexScore(next), Member: next.ID})
	if tracksDue(next.State) {
		pipe.ZAdd(ctx, s.keys.due(next.State), redis.Z{Score: indexScore(next), Member: next.ID})
	}
	if next.State == model.JobStateWaiting && (prev == nil || prev.State != model.JobStateWaiting) {
		pipe.Publish(ctx, s.keys.ready(next.Queue), next.ID)
	}
}

func (s *Store) removeIndexes(ctx context.Context, pipe redis.Pipeliner, j *model.Job) {
	pipe.ZRem(ctx, s.keys.index(j.Queue, j.State), j.ID)
	if tracksDue(j.State) {
		pipe.ZRem(ctx, s.keys.due(j.State), j.ID)
	}
}

func (s *Store) load(ctx context.Context, c redis.Cmdable, id string) (*model.Job, error) {
	vals, err := c.HMGet(ctx, s.keys.job(id), fieldData, fieldPayload).Result()
	if err != nil {
		return nil, err
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, model.ErrJobNotFound
	}
	payload, _ := vals[1].(string)
	return decodeJob(raw, payload)
}

// loadMany fetches records in one pipeline, skipping ids deleted since they were listed.
func (s *Store) loadMany(ctx context.Context, ids []string) ([]*model.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.SliceCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HMGet(ctx, s.keys.job(id), fieldData, fieldPayload)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	jobs := make([]*model.Job, 0, len(ids))
	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		raw, ok := vals[0].(string)
		if !ok {
			continue
		}
		payload, _ := vals[1].(string)
		j, err := decodeJob(raw, payload)
		if err != nil {
			s.logger.Warn("skipping undecodable job", "job_id", ids[i], "error", err)
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *Store) wrap(op string, err error) error {
	if errors.Is(err, model.ErrJobNotFound) || errors.Is(err, model.ErrConflict) {
		return err
	}
	return fmt.Errorf("redis: %s: %w", op, apperrors.MapRedisError(err))
}

func isDue(j *model.Job, state model.JobState, before time.Time) bool {
	if j.State != state {
		return false
	}
	if state == model.JobStateDelayed {
		return !j.AvailableAt.After(before)
	}
	return j.LockExpiresAt != nil && j.LockExpiresAt.Before(before)
}

var (
	_ core.JobStore  = (*Store)(nil)
	_ core.JobWaiter = (*Store)(nil)
)
