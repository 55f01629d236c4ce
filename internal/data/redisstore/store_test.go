package redisstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/data/storetest"
	"github.com/target/mmk-queue/internal/domain/model"
	"github.com/target/mmk-queue/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := testutil.SetupTestRedis(t)
	t.Cleanup(func() { _ = client.Close() })
	return New(client, Options{Prefix: "{mmkq-test-" + uuid.NewString()[:8] + "}"})
}

func TestStoreContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	storetest.Run(t, func(t *testing.T) core.JobStore { return newTestStore(t) })
}

func TestWaitForJob_PublishOnWaiting(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := newTestStore(t)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		done <- s.WaitForJob(ctx, "emails")
	}()
	time.Sleep(100 * time.Millisecond)

	now := time.Now().UTC()
	_, err := s.Create(context.Background(), &model.Job{
		ID: uuid.NewString(), Queue: "emails", Name: "send", State: model.JobStateWaiting,
		Payload: json.RawMessage(`{}`), AvailableAt: now, CreatedAt: now, UpdatedAt: now, MaxAttempts: 1,
	})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter not woken by publish")
	}
}

func TestIndexScore(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_123)
	assert.Equal(t, 5*priorityStride+42, indexScore(&model.Job{State: model.JobStateWaiting, Priority: 5, Seq: 42}))
	assert.Equal(t, float64(1_700_000_000_123), indexScore(&model.Job{State: model.JobStateDelayed, AvailableAt: at}))
	assert.Equal(t, float64(1_700_000_000_123), indexScore(&model.Job{State: model.JobStateActive, LockExpiresAt: &at}))
	assert.Equal(t, float64(1_700_000_000_123), indexScore(&model.Job{State: model.JobStateFailed, FinishedAt: &at}))

	// Lower priority band always sorts ahead regardless of sequence.
	hi := indexScore(&model.Job{State: model.JobStateWaiting, Priority: 0, Seq: 9_999_999_999})
	lo := indexScore(&model.Job{State: model.JobStateWaiting, Priority: 1, Seq: 1})
	assert.Less(t, hi, lo)
}

func TestDueScoreRoundsUp(t *testing.T) {
	before := time.Unix(0, 1_500_000_100)
	assert.Equal(t, "1501", dueScore(before))
	assert.Equal(t, "1500", dueScore(time.UnixMilli(1500)))
}

func TestCodecRoundTrip(t *testing.T) {
	exp := time.Date(2025, 1, 2, 3, 4, 5, 6000, time.UTC)
	in := &model.Job{
		ID: "a", Queue: "q", Name: "n", State: model.JobStateActive, LockToken: "tok", LockExpiresAt: &exp,
		Backoff: model.Backoff{Type: model.BackoffExponential, Delay: time.Second}, Payload: json.RawMessage(`{"x":1}`),
	}
	fields, err := encodeJob(in)
	require.NoError(t, err)
	assert.Equal(t, "active", fields[fieldState])

	assert.NotContains(t, fields[fieldData], "payload")

	out, err := decodeJob(fields[fieldData].(string), fields[fieldPayload].(string))
	require.NoError(t, err)
	assert.Equal(t, in.Backoff, out.Backoff)
	assert.True(t, exp.Equal(*out.LockExpiresAt))
	assert.Equal(t, `{"x":1}`, string(out.Payload))
}
