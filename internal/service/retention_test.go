package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/mmk-queue/config"
	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/domain/model"
	"github.com/target/mmk-queue/internal/mocks"
	"github.com/target/mmk-queue/internal/observability/metrics"
	"github.com/target/mmk-queue/internal/testutil"
)

// finishJobs completes n jobs on queue, one per minute, oldest first.
func finishJobs(t *testing.T, f *queueFixture, queue string, n int, fail bool) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for range n {
		f.enqueue(t, testutil.NewJobRequest().WithQueue(queue).Build())
		j, err := f.svc.Claim(ctx, queue, 0)
		require.NoError(t, err)
		if fail {
			_, _, err = f.svc.Fail(ctx, j.ID, j.LockToken, errors.New("nope"))
		} else {
			_, err = f.svc.Complete(ctx, j.ID, j.LockToken, json.RawMessage(`{}`))
		}
		require.NoError(t, err)
		ids = append(ids, j.ID)
		f.clock.Advance(time.Minute)
	}
	return ids
}

func newRetention(t *testing.T, f *queueFixture, cfg config.RetentionConfig) *RetentionService {
	t.Helper()
	s, err := NewRetentionService(RetentionServiceOptions{Queue: f.svc, Config: cfg, Metrics: f.rec})
	require.NoError(t, err)
	return s
}

func TestRetentionSweep_MaxCountKeepsNewest(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	ids := finishJobs(t, f, "default", 5, false)

	s := newRetention(t, f, config.RetentionConfig{BatchSize: 100, CompletedMaxCount: 2})
	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res["default"][model.JobStateCompleted])
	assert.Equal(t, 3, res.Total())

	for i, id := range ids {
		_, err := f.svc.Get(ctx, id)
		if i < 3 {
			assert.ErrorIs(t, err, model.ErrJobNotFound, "job %d should be removed", i)
		} else {
			assert.NoError(t, err, "job %d should be kept", i)
		}
	}
}

func TestRetentionSweep_MaxAgeOrCount(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	finishJobs(t, f, "default", 4, true)
	// Now: oldest finished 4m ago, newest 1m ago.

	s := newRetention(t, f, config.RetentionConfig{BatchSize: 100, FailedMaxAge: 150 * time.Second, FailedMaxCount: 3})
	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	// Age removes the two older than 2.5m, count alone would remove one.
	assert.Equal(t, 2, res["default"][model.JobStateFailed])

	counts, err := f.store.Counts(ctx, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts.Failed)
}

func TestRetentionSweep_BatchSizeBoundsDeletes(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	finishJobs(t, f, "default", 6, false)

	s := newRetention(t, f, config.RetentionConfig{BatchSize: 2, CompletedMaxCount: 1})
	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total())

	res, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total())

	counts, err := f.store.Counts(ctx, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts.Completed)
}

func TestRetentionSweep_PerQueueOverride(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	finishJobs(t, f, "emails", 3, false)
	finishJobs(t, f, "reports", 3, false)

	s := newRetention(t, f, config.RetentionConfig{
		BatchSize:         100,
		CompletedMaxCount: 10,
		Overrides:         `{"emails":{"completed":{"max_count":1}}}`,
	})
	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res["emails"][model.JobStateCompleted])
	assert.Empty(t, res["reports"])

	runs := f.rec.Named(metrics.RetentionRun)
	assert.NotEmpty(t, runs)
}

// listCountingStore counts the jobs each ListByState call returns.
type listCountingStore struct {
	core.JobStore
	listed int
}

func (s *listCountingStore) ListByState(ctx context.Context, q model.ListQuery) (*model.JobPage, error) {
	page, err := s.JobStore.ListByState(ctx, q)
	if page != nil {
		s.listed += len(page.Jobs)
	}
	return page, err
}

func TestRetentionSweep_SkipsRetainedJobs(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	ids := finishJobs(t, f, "default", 40, false)
	// Now: job i finished 40-i minutes ago.

	counting := &listCountingStore{JobStore: f.store}
	q, err := NewQueueService(QueueServiceOptions{Store: counting, DefaultLock: time.Minute, Clock: f.clock})
	require.NoError(t, err)
	t.Cleanup(q.Close)
	s, err := NewRetentionService(RetentionServiceOptions{
		Queue:  q,
		Config: config.RetentionConfig{BatchSize: 100, CompletedMaxAge: 35*time.Minute + time.Second},
	})
	require.NoError(t, err)

	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res["default"][model.JobStateCompleted])
	assert.Less(t, counting.listed, 20, "retained jobs should not be paged through")

	for i, id := range ids {
		_, err := f.svc.Get(ctx, id)
		if i < 5 {
			assert.ErrorIs(t, err, model.ErrJobNotFound, "job %d should be removed", i)
		} else {
			assert.NoError(t, err, "job %d should be kept", i)
		}
	}
}

func TestRetentionSweep_NoPolicyNoop(t *testing.T) {
	f := newQueueFixture(t)
	finishJobs(t, f, "default", 3, false)

	s := newRetention(t, f, config.RetentionConfig{BatchSize: 100})
	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Total())
}

func TestRetentionSweep_DeleteErrorAggregated(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockJobStore(ctrl)
	q, err := NewQueueService(QueueServiceOptions{Store: store, DefaultLock: time.Minute})
	require.NoError(t, err)
	s, err := NewRetentionService(RetentionServiceOptions{
		Queue:  q,
		Config: config.RetentionConfig{BatchSize: 10, CompletedMaxCount: 1},
	})
	require.NoError(t, err)

	boom := errors.New("write failed")
	store.EXPECT().Queues(gomock.Any()).Return([]string{"q"}, nil)
	store.EXPECT().ListByState(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, q model.ListQuery) (*model.JobPage, error) {
			// The newest job is kept, so the read starts past it.
			assert.Equal(t, "1", q.Cursor)
			return &model.JobPage{Jobs: []*model.Job{{ID: "old", State: model.JobStateCompleted}}}, nil
		})
	store.EXPECT().Delete(gomock.Any(), "old", model.Expect(model.JobStateCompleted)).Return(boom)

	_, err = s.Sweep(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestNewRetentionService_InvalidConfig(t *testing.T) {
	f := newQueueFixture(t)

	_, err := NewRetentionService(RetentionServiceOptions{Queue: f.svc, Config: config.RetentionConfig{Schedule: "not a cron"}})
	require.Error(t, err)

	_, err = NewRetentionService(RetentionServiceOptions{Queue: f.svc, Config: config.RetentionConfig{Overrides: `{"q":{"active":{}}}`}})
	require.Error(t, err)
}

func TestRetentionNextDelay_UsesCronSchedule(t *testing.T) {
	f := newQueueFixture(t)
	s := newRetention(t, f, config.RetentionConfig{Schedule: "@hourly"})

	now := time.Date(2025, 6, 1, 9, 15, 0, 0, time.UTC)
	assert.Equal(t, 45*time.Minute, s.nextDelay(now))

	s = newRetention(t, f, config.RetentionConfig{Interval: 5 * time.Minute})
	assert.Equal(t, 5*time.Minute, s.nextDelay(now))
}

func TestJitterBounded(t *testing.T) {
	assert.Zero(t, jitter(0))
	for range 50 {
		d := jitter(time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, time.Second)
	}
}
