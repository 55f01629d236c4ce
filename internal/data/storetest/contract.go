// Package storetest holds the behavioural suite every core.JobStore implementation must pass.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/domain/job"
	"github.com/target/mmk-queue/internal/domain/model"
)

// Factory returns an empty store. Queue names used by the suite are unique per
// test so stores shared between tests do not interfere.
type Factory func(t *testing.T) core.JobStore

var base = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// Run executes the full contract suite.
func Run(t *testing.T, factory Factory) {
	t.Helper()
	tests := map[string]func(*testing.T, core.JobStore){
		"CreateAndGet":             testCreateAndGet,
		"GetUnknown":               testGetUnknown,
		"PayloadVerbatim":          testPayloadVerbatim,
		"UpdateCompareAndSwap":     testUpdateCAS,
		"UpdateMutateError":        testUpdateMutateError,
		"WaitingOrder":             testWaitingOrder,
		"ListPagination":           testListPagination,
		"TerminalMostRecentFirst":  testTerminalOrder,
		"ListDue":                  testListDue,
		"DeleteWithExpectation":    testDelete,
		"QueuesAndCounts":          testQueuesAndCounts,
		"ConcurrentClaimSingleWin": testConcurrentClaim,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func queueName(t *testing.T) string {
	return fmt.Sprintf("q-%s", uuid.NewString()[:8])
}

func newJob(queue string, opts model.EnqueueOptions, now time.Time) *model.Job {
	req := model.EnqueueRequest{Queue: queue, Name: "task", Payload: json.RawMessage(`{"n":1}`), Options: opts}
	return job.NewJob(uuid.NewString(), req, job.Defaults{MaxAttempts: 3, MaxStalledCount: 1}, now)
}

func mustCreate(t *testing.T, s core.JobStore, j *model.Job) *model.Job {
	t.Helper()
	created, err := s.Create(context.Background(), j)
	require.NoError(t, err)
	return created
}

func claim(t *testing.T, s core.JobStore, id, token string, now time.Time) *model.Job {
	t.Helper()
	got, err := s.Update(context.Background(), id, model.Expect(model.JobStateWaiting), func(j *model.Job) error {
		return job.Claim(j, token, now, time.Second)
	})
	require.NoError(t, err)
	return got
}

func complete(t *testing.T, s core.JobStore, id, token string, now time.Time) {
	t.Helper()
	_, err := s.Update(context.Background(), id, model.Expect(model.JobStateActive).WithLock(token),
		func(j *model.Job) error { return job.Complete(j, token, json.RawMessage(`"ok"`), now) })
	require.NoError(t, err)
}

func testCreateAndGet(t *testing.T, s core.JobStore) {
	ctx := context.Background()
	q := queueName(t)
	in := newJob(q, model.EnqueueOptions{Priority: 5}, base)
	created := mustCreate(t, s, in)
	assert.Positive(t, created.Seq)

	got, err := s.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, in.ID, got.ID)
	assert.Equal(t, q, got.Queue)
	assert.Equal(t, model.JobStateWaiting, got.State)
	assert.Equal(t, 5, got.Priority)
	assert.Equal(t, 3, got.MaxAttempts)
	assert.JSONEq(t, `{"n":1}`, string(got.Payload))
	assert.True(t, base.Equal(got.CreatedAt))

	_, err = s.Create(ctx, in)
	assert.Error(t, err, "ids are never reused")
}

func testPayloadVerbatim(t *testing.T, s core.JobStore) {
	ctx := context.Background()
	payload := `{"z": 1, "a": [2, 1], "html": "<b>&</b>", "m": {"y": null, "b": "x"}}`
	req := model.EnqueueRequest{Queue: queueName(t), Name: "task", Payload: json.RawMessage(payload)}
	in := job.NewJob(uuid.NewString(), req, job.Defaults{MaxAttempts: 1}, base)
	mustCreate(t, s, in)

	claimed := claim(t, s, in.ID, "tok", base)
	assert.Equal(t, payload, string(claimed.Payload))

	got, err := s.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got.Payload), "payload bytes must not be rewritten")
}

func testGetUnknown(t *testing.T, s core.JobStore) {
	_, err := s.Get(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, model.ErrJobNotFound)

	_, err = s.Update(context.Background(), uuid.NewString(), model.Expectation{}, func(*model.Job) error { return nil })
	assert.ErrorIs(t, err, model.ErrJobNotFound)
}

func testUpdateCAS(t *testing.T, s core.JobStore) {
	ctx := context.Background()
	j := mustCreate(t, s, newJob(queueName(t), model.EnqueueOptions{}, base))

	active := claim(t, s, j.ID, "tok-1", base)
	assert.Equal(t, model.JobStateActive, active.State)
	assert.Equal(t, "tok-1", active.LockToken)
	require.NotNil(t, active.LockExpiresAt)

	_, err := s.Update(ctx, j.ID, model.Expect(model.JobStateWaiting), func(m *model.Job) error {
		return job.Claim(m, "tok-2", base, time.Second)
	})
	require.ErrorIs(t, err, model.ErrConflict)

	_, err = s.Update(ctx, j.ID, model.Expect(model.JobStateActive).WithLock("tok-2"), func(m *model.Job) error {
		return nil
	})
	require.ErrorIs(t, err, model.ErrConflict, "lock token is part of the precondition")

	complete(t, s, j.ID, "tok-1", base.Add(time.Second))
	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCompleted, got.State)
	assert.Empty(t, got.LockToken)
	assert.Nil(t, got.LockExpiresAt)
	require.NotNil(t, got.FinishedAt)
	assert.JSONEq(t, `"ok"`, string(got.Result))
}

func testUpdateMutateError(t *testing.T, s core.JobStore) {
	ctx := context.Background()
	j := mustCreate(t, s, newJob(queueName(t), model.EnqueueOptions{}, base))
	sentinel := fmt.Errorf("nope")
	_, err := s.Update(ctx, j.ID, model.Expect(model.JobStateWaiting), func(m *model.Job) error {
		m.State = model.JobStateFailed
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateWaiting, got.State)
}

func testWaitingOrder(t *testing.T, s core.JobStore) {
	ctx := context.Background()
	q := queueName(t)
	low1 := mustCreate(t, s, newJob(q, model.EnqueueOptions{Priority: 10}, base))
	high := mustCreate(t, s, newJob(q, model.EnqueueOptions{Priority: 1}, base))
	low2 := mustCreate(t, s, newJob(q, model.EnqueueOptions{Priority: 10}, base))
	mid := mustCreate(t, s, newJob(q, model.EnqueueOptions{Priority: 5}, base))

	page, err := s.ListByState(ctx, model.ListQuery{Queue: q, State: model.JobStateWaiting, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{high.ID, mid.ID, low1.ID, low2.ID}, ids(page.Jobs))

	// A job re-entering waiting goes behind its equal-priority peers.
	claim(t, s, low1.ID, "tok", base)
	_, err = s.Update(ctx, low1.ID, model.Expect(model.JobStateActive).WithLock("tok"), func(m *model.Job) error {
		_, ferr := job.Fail(m, "tok", fmt.Errorf("retry me"), false, base)
		return ferr
	})
	require.NoError(t, err)

	page, err = s.ListByState(ctx, model.ListQuery{Queue: q, State: model.JobStateWaiting, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{high.ID, mid.ID, low2.ID, low1.ID}, ids(page.Jobs))
}

func testListPagination(t *testing.T, s core.JobStore) {
	ctx := context.Background()
	q := queueName(t)
	var want []string
	for range 5 {
		want = append(want, mustCreate(t, s, newJob(q, model.EnqueueOptions{}, base)).ID)
	}

	var got []string
	cursor := ""
	pages := 0
	for {
		page, err := s.ListByState(ctx, model.ListQuery{Queue: q, State: model.JobStateWaiting, Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		got = append(got, ids(page.Jobs)...)
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, want, got)
	assert.Equal(t, 3, pages)

	empty, err := s.ListByState(ctx, model.ListQuery{Queue: q, State: model.JobStateFailed})
	require.NoError(t, err)
	assert.Empty(t, empty.Jobs)
}

func testTerminalOrder(t *testing.T, s core.JobStore) {
	ctx := context.Background()
	q := queueName(t)
	var finished []string
	for i := range 3 {
		j := mustCreate(t, s, newJob(q, model.EnqueueOptions{}, base))
		claim(t, s, j.ID, "tok", base)
		complete(t, s, j.ID, "tok", base.Add(time.Duration(i+1)*time.Minute))
		finished = append(finished, j.ID)
	}
	page, err := s.ListByState(ctx, model.ListQuery{Queue: q, State: model.JobStateCompleted})
	require.NoError(t, err)
	assert.Equal(t, []string{finished[2], finished[1], finished[0]}, ids(page.Jobs))
}

func testListDue(t *testing.T, s core.JobStore) {
	ctx := context.Background()
	q := queueName(t)
	soon := mustCreate(t, s, newJob(q, model.EnqueueOptions{Delay: time.Second}, base))
	later := mustCreate(t, s, newJob(q, model.EnqueueOptions{Delay: time.Hour}, base))
	running := mustCreate(t, s, newJob(q, model.EnqueueOptions{}, base))
	claim(t, s, running.ID, "tok", base)

	due, err := s.ListDue(ctx, model.JobStateDelayed, base.Add(time.Minute), 100)
	require.NoError(t, err)
	assert.Contains(t, ids(due), soon.ID)
	assert.NotContains(t, ids(due), later.ID)

	stalled, err := s.ListDue(ctx, model.JobStateActive, base.Add(500*time.Millisecond), 100)
	require.NoError(t, err)
	assert.NotContains(t, ids(stalled), running.ID, "lock still valid")

	stalled, err = s.ListDue(ctx, model.JobStateActive, base.Add(2*time.Second), 100)
	require.NoError(t, err)
	assert.Contains(t, ids(stalled), running.ID)

	limited, err := s.ListDue(ctx, model.JobStateDelayed, base.Add(2*time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testDelete(t *testing.T, s core.JobStore) {
	ctx := context.Background()
	q := queueName(t)
	j := mustCreate(t, s, newJob(q, model.EnqueueOptions{}, base))

	require.ErrorIs(t, s.Delete(ctx, j.ID, model.Expect(model.JobStateCompleted)), model.ErrConflict)
	require.NoError(t, s.Delete(ctx, j.ID, model.Expect(model.JobStateWaiting)))
	require.ErrorIs(t, s.Delete(ctx, j.ID, model.Expectation{}), model.ErrJobNotFound)

	counts, err := s.Counts(ctx, q)
	require.NoError(t, err)
	assert.Zero(t, counts.Total())
}

func testQueuesAndCounts(t *testing.T, s core.JobStore) {
	ctx := context.Background()
	q := queueName(t)
	mustCreate(t, s, newJob(q, model.EnqueueOptions{}, base))
	mustCreate(t, s, newJob(q, model.EnqueueOptions{Delay: time.Minute}, base))
	act := mustCreate(t, s, newJob(q, model.EnqueueOptions{}, base))
	claim(t, s, act.ID, "tok", base)

	counts, err := s.Counts(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, model.QueueCounts{Waiting: 1, Delayed: 1, Active: 1}, counts)

	require.NoError(t, s.Delete(ctx, act.ID, model.Expectation{}))
	queues, err := s.Queues(ctx)
	require.NoError(t, err)
	assert.Contains(t, queues, q)
}

func testConcurrentClaim(t *testing.T, s core.JobStore) {
	j := mustCreate(t, s, newJob(queueName(t), model.EnqueueOptions{}, base))

	const claimers = 16
	var (
		wins      atomic.Int32
		conflicts atomic.Int32
		wg        sync.WaitGroup
	)
	for i := range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token := fmt.Sprintf("tok-%d", i)
			_, err := s.Update(context.Background(), j.ID, model.Expect(model.JobStateWaiting), func(m *model.Job) error {
				return job.Claim(m, token, base, time.Second)
			})
			switch {
			case err == nil:
				wins.Add(1)
			case assert.ErrorIs(t, err, model.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(claimers-1), conflicts.Load())
}

func ids(jobs []*model.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}
