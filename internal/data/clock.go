package data

import (
	"sync"
	"time"

	"github.com/target/mmk-queue/internal/core"
)

// SystemClock reads wall time in UTC at microsecond resolution, which is what
// a timestamptz column round-trips.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// ManualClock only moves when told to. Tests use it to step through delays,
// lock expiry and retention ages.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock { return &ManualClock{now: start} }

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ClockOrDefault returns c, or SystemClock when c is nil.
func ClockOrDefault(c core.Clock) core.Clock {
	if c == nil {
		return SystemClock{}
	}
	return c
}

var (
	_ core.Clock = SystemClock{}
	_ core.Clock = (*ManualClock)(nil)
)
