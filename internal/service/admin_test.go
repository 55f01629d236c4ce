package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-queue/internal/domain/model"
	apperrors "github.com/target/mmk-queue/internal/errors"
	"github.com/target/mmk-queue/internal/testutil"
)

func newAdmin(t *testing.T, f *queueFixture) *AdminService {
	t.Helper()
	a, err := NewAdminService(AdminServiceOptions{Queue: f.svc})
	require.NoError(t, err)
	return a
}

func TestAdmin_QueuesAndCounts(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	a := newAdmin(t, f)

	f.enqueue(t, testutil.EmailJobRequest())
	f.enqueue(t, testutil.NewJobRequest().WithDelay(time.Minute).Build())
	finishJobs(t, f, "default", 1, false)

	queues, err := a.Queues(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "emails"}, queues)

	counts, err := a.Counts(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, model.QueueCounts{Delayed: 1, Completed: 1}, counts)

	counts, err = a.Counts(ctx, "unknown")
	require.NoError(t, err)
	assert.Zero(t, counts.Total())
}

func TestAdmin_Clean(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	a := newAdmin(t, f)

	finishJobs(t, f, "default", 3, false) // finished 5m, 4m and 3m ago
	finishJobs(t, f, "default", 2, true)  // finished 2m and 1m ago
	f.enqueue(t, testutil.NewJobRequest().Build())

	n, err := a.Clean(ctx, CleanParams{Queue: "default", OlderThan: 4 * time.Minute, State: model.JobStateCompleted})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = a.Clean(ctx, CleanParams{Queue: "default", OlderThan: 0})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Idempotent.
	n, err = a.Clean(ctx, CleanParams{Queue: "default"})
	require.NoError(t, err)
	assert.Zero(t, n)

	counts, err := a.Counts(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, model.QueueCounts{Waiting: 1}, counts)
}

func TestAdmin_CleanRejectsNonTerminalState(t *testing.T) {
	f := newQueueFixture(t)
	a := newAdmin(t, f)

	_, err := a.Clean(context.Background(), CleanParams{Queue: "default", State: model.JobStateActive})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, "state", apperrors.GetField(err))

	_, err = a.Clean(context.Background(), CleanParams{})
	assert.True(t, apperrors.IsValidation(err))
}

func TestAdmin_Drain(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	a := newAdmin(t, f)

	for range 3 {
		f.enqueue(t, testutil.NewJobRequest().Build())
	}
	f.enqueue(t, testutil.NewJobRequest().WithDelay(time.Hour).Build())
	finishJobs(t, f, "default", 2, false)
	finishJobs(t, f, "default", 1, true)
	active, err := f.svc.Claim(ctx, "default", 0)
	require.NoError(t, err)
	f.enqueue(t, testutil.EmailJobRequest())

	before, err := a.Counts(ctx, "default")
	require.NoError(t, err)
	require.EqualValues(t, 1, before.Failed)

	n, err := a.Drain(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	counts, err := a.Counts(ctx, "default")
	require.NoError(t, err)
	assert.Zero(t, counts.Total())
	assert.Zero(t, counts.Failed)

	// The worker holding the drained job can no longer commit.
	_, err = f.svc.Complete(ctx, active.ID, active.LockToken, nil)
	assert.ErrorIs(t, err, model.ErrJobNotFound)

	counts, err = a.Counts(ctx, "emails")
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Waiting)
}

func TestAdmin_JobsWhere(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	a := newAdmin(t, f)

	f.enqueue(t, testutil.NewJobRequest().WithPriority(1).WithPayloadString(`{"tenant":"a"}`).Build())
	f.enqueue(t, testutil.NewJobRequest().WithPriority(2).WithPayloadString(`{"tenant":"b"}`).Build())
	f.enqueue(t, testutil.NewJobRequest().WithPriority(3).WithPayloadString(`{"tenant":"a"}`).Build())

	jobs, err := a.Jobs(ctx, JobsParams{Queue: "default", Where: "payload.tenant == 'a'"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, 1, jobs[0].Priority)
	assert.Equal(t, 3, jobs[1].Priority)

	jobs, err = a.Jobs(ctx, JobsParams{Queue: "default", State: model.JobStateWaiting, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	jobs, err = a.Jobs(ctx, JobsParams{Queue: "default", State: model.JobStateFailed})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, err = a.Jobs(ctx, JobsParams{Queue: "default", Where: "payload.[["})
	assert.True(t, apperrors.IsValidation(err))

	_, err = a.Jobs(ctx, JobsParams{Queue: "default", State: "bogus"})
	assert.True(t, apperrors.IsValidation(err))
}
