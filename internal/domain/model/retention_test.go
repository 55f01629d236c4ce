package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetentionPolicy_Expired(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		policy   RetentionPolicy
		finished time.Time
		rank     int
		want     bool
	}{
		{"no limits keeps everything", RetentionPolicy{}, now.Add(-1000 * time.Hour), 1_000_000, false},
		{"younger than max age", RetentionPolicy{MaxAge: time.Hour}, now.Add(-59 * time.Minute), 0, false},
		{"exactly max age is kept", RetentionPolicy{MaxAge: time.Hour}, now.Add(-time.Hour), 0, false},
		{"older than max age", RetentionPolicy{MaxAge: time.Hour}, now.Add(-61 * time.Minute), 0, true},
		{"within count", RetentionPolicy{MaxCount: 3}, now, 2, false},
		{"rank at count", RetentionPolicy{MaxCount: 3}, now, 3, true},
		{"count exceeded while young", RetentionPolicy{MaxAge: time.Hour, MaxCount: 1}, now, 1, true},
		{"age exceeded within count", RetentionPolicy{MaxAge: time.Hour, MaxCount: 10}, now.Add(-2 * time.Hour), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Expired(tt.finished, tt.rank, now))
		})
	}
	assert.False(t, RetentionPolicy{}.Enabled())
	assert.True(t, RetentionPolicy{MaxCount: 1}.Enabled())
}
