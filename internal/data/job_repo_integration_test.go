package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/data/storetest"
	"github.com/target/mmk-queue/internal/domain/job"
	"github.com/target/mmk-queue/internal/domain/model"
	"github.com/target/mmk-queue/internal/testutil"
)

func newRepoJob(queue string, priority int, now time.Time) *model.Job {
	req := model.EnqueueRequest{
		Queue:   queue,
		Name:    "send",
		Payload: json.RawMessage(`{"to":"a@example.com"}`),
		Options: model.EnqueueOptions{Priority: priority, MaxAttempts: 2},
	}
	return job.NewJob(uuid.NewString(), req, job.Defaults{MaxStalledCount: 1}, now)
}

func TestJobRepo_Contract(t *testing.T) {
	testutil.SkipIfNoTestDB(t)
	storetest.Run(t, func(t *testing.T) core.JobStore {
		return NewJobRepo(testutil.SetupEphemeralSchemaDB(t), RepoConfig{})
	})
}

// TestJobRepo_Integration_ClaimNextOrder tests that ClaimNext honours priority then insertion order.
func TestJobRepo_Integration_ClaimNextOrder(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewJobRepo(db, RepoConfig{})
		now := testutil.TestTime()

		low, err := repo.Create(ctx, newRepoJob("emails", 50, now))
		require.NoError(t, err)
		high, err := repo.Create(ctx, newRepoJob("emails", 1, now))
		require.NoError(t, err)
		_, err = repo.Create(ctx, newRepoJob("reports", 0, now))
		require.NoError(t, err)

		params := model.ClaimParams{Token: "tok", Now: now, Lock: 30 * time.Second}
		first, err := repo.ClaimNext(ctx, "emails", params)
		require.NoError(t, err)
		assert.Equal(t, high.ID, first.ID)
		assert.Equal(t, model.JobStateActive, first.State)
		assert.Equal(t, "tok", first.LockToken)
		assert.True(t, now.Add(30*time.Second).Equal(*first.LockExpiresAt))

		second, err := repo.ClaimNext(ctx, "emails", params)
		require.NoError(t, err)
		assert.Equal(t, low.ID, second.ID)

		_, err = repo.ClaimNext(ctx, "emails", params)
		require.ErrorIs(t, err, model.ErrNoJobsAvailable)

		testutil.LogJobStates(t, db, "after claims")
	})
}

func TestJobRepo_Integration_ConcurrentClaimNext(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewJobRepo(db, RepoConfig{})
		now := testutil.TestTime()

		const jobs = 10
		for range jobs {
			_, err := repo.Create(ctx, newRepoJob("bulk", 0, now))
			require.NoError(t, err)
		}

		var (
			mu      sync.Mutex
			claimed = map[string]int{}
			wg      sync.WaitGroup
		)
		for w := range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					j, err := repo.ClaimNext(ctx, "bulk", model.ClaimParams{Token: uuid.NewString(), Now: now, Lock: time.Minute})
					if errors.Is(err, model.ErrNoJobsAvailable) {
						return
					}
					if !assert.NoError(t, err, "worker %d", w) {
						return
					}
					mu.Lock()
					claimed[j.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, claimed, jobs)
		for id, n := range claimed {
			assert.Equal(t, 1, n, "job %s claimed more than once", id)
		}
	})
}

func TestJobRepo_Integration_WaitForJob(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- repo.WaitForJob(ctx, "emails") }()

		// Give LISTEN time to register, then enqueue on an unrelated queue first.
		time.Sleep(200 * time.Millisecond)
		_, err := repo.Create(ctx, newRepoJob("reports", 0, testutil.TestTime()))
		require.NoError(t, err)
		select {
		case err := <-done:
			t.Fatalf("woke for another queue: %v", err)
		case <-time.After(200 * time.Millisecond):
		}

		_, err = repo.Create(ctx, newRepoJob("emails", 0, testutil.TestTime()))
		require.NoError(t, err)
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("expected notification for emails")
		}
	})
}

func TestJobRepo_Integration_PersistsAllFields(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewJobRepo(db, RepoConfig{})
		now := testutil.TestTime()

		in := newRepoJob("emails", 7, now)
		in.Backoff = model.Backoff{Type: model.BackoffExponential, Delay: 1500 * time.Millisecond}
		in.Timeout = 2 * time.Second
		created, err := repo.Create(ctx, in)
		require.NoError(t, err)

		got, err := repo.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, in.Backoff, got.Backoff)
		assert.Equal(t, 2*time.Second, got.Timeout)
		assert.Equal(t, 7, got.Priority)
		assert.Equal(t, created.Seq, got.Seq)
		assert.Nil(t, got.Result)
		assert.Nil(t, got.FinishedAt)
	})
}
