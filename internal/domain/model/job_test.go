package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobState_Valid(t *testing.T) {
	for _, s := range AllJobStates() {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, JobState("paused").Valid())
	assert.True(t, JobStateCompleted.Terminal())
	assert.True(t, JobStateFailed.Terminal())
	assert.False(t, JobStateActive.Terminal())
}

func TestJobState_UnmarshalText(t *testing.T) {
	var s JobState
	require.NoError(t, s.UnmarshalText([]byte(" Delayed ")))
	assert.Equal(t, JobStateDelayed, s)

	require.Error(t, s.UnmarshalText([]byte("paused")))
	assert.Equal(t, JobStateDelayed, s, "value untouched on error")
}

func TestEnqueueRequest_Validate(t *testing.T) {
	negative := -1
	tests := []struct {
		name    string
		mutate  func(r *EnqueueRequest)
		wantErr string
	}{
		{name: "valid", mutate: func(*EnqueueRequest) {}},
		{name: "missing queue", mutate: func(r *EnqueueRequest) { r.Queue = " " }, wantErr: "queue is required"},
		{name: "missing name", mutate: func(r *EnqueueRequest) { r.Name = "" }, wantErr: "job name is required"},
		{name: "bad payload", mutate: func(r *EnqueueRequest) { r.Payload = json.RawMessage(`{`) }, wantErr: "valid JSON"},
		{name: "negative delay", mutate: func(r *EnqueueRequest) { r.Options.Delay = -time.Second }, wantErr: "delay"},
		{name: "priority too high", mutate: func(r *EnqueueRequest) { r.Options.Priority = 101 }, wantErr: "priority"},
		{name: "negative attempts", mutate: func(r *EnqueueRequest) { r.Options.MaxAttempts = -1 }, wantErr: "max attempts"},
		{
			name:    "unknown backoff",
			mutate:  func(r *EnqueueRequest) { r.Options.Backoff.Type = "linear" },
			wantErr: "invalid backoff type",
		},
		{
			name:    "negative stalled count",
			mutate:  func(r *EnqueueRequest) { r.Options.MaxStalledCount = &negative },
			wantErr: "max stalled count",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := EnqueueRequest{Queue: "emails", Name: "send", Payload: json.RawMessage(`{"to":"a@b.c"}`)}
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestJob_CloneIsDeep(t *testing.T) {
	now := time.Now()
	j := &Job{ID: "1", Payload: json.RawMessage(`{"a":1}`), LockExpiresAt: &now}
	c := j.Clone()
	c.Payload[2] = 'b'
	*c.LockExpiresAt = now.Add(time.Hour)

	assert.JSONEq(t, `{"a":1}`, string(j.Payload))
	assert.Equal(t, now, *j.LockExpiresAt)
	assert.Nil(t, (*Job)(nil).Clone())
}

func TestExpectation_Matches(t *testing.T) {
	j := &Job{State: JobStateActive, LockToken: "tok"}
	assert.True(t, Expect(JobStateActive).Matches(j))
	assert.True(t, Expect(JobStateWaiting, JobStateActive).WithLock("tok").Matches(j))
	assert.False(t, Expect(JobStateActive).WithLock("other").Matches(j))
	assert.False(t, Expect(JobStateWaiting).Matches(j))
	assert.True(t, Expectation{}.Matches(j))
	assert.False(t, Expect(JobStateActive).Matches(nil))
}

func TestOffsetCursor(t *testing.T) {
	assert.Empty(t, EncodeOffsetCursor(0))
	n, err := DecodeOffsetCursor(EncodeOffsetCursor(25))
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	_, err = DecodeOffsetCursor("abc")
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestQueueCounts(t *testing.T) {
	var c QueueCounts
	for i, s := range AllJobStates() {
		c.Set(s, int64(i+1))
	}
	assert.Equal(t, int64(15), c.Total())
	assert.Equal(t, int64(3), c.Get(JobStateActive))
}

func TestHandlerError(t *testing.T) {
	base := errors.New("boom")
	he := NewHandlerError(base)
	assert.ErrorIs(t, he, base)
	assert.Same(t, he, NewHandlerError(he))

	te := NewTimeoutError(2 * time.Second)
	assert.True(t, te.Timeout)
	assert.ErrorIs(t, te, ErrTimeout)
	assert.Contains(t, te.Error(), "2s")

	assert.ErrorIs(t, UnroutableError("q", "n"), ErrUnroutableJob)
}
