package job

import (
	"math"
	"time"

	"github.com/target/mmk-queue/internal/domain/model"
)

// MaxBackoffDelay caps exponential growth so very high attempt counts stay sane.
const MaxBackoffDelay = 24 * time.Hour

// BackoffDelay returns how long a job waits before attempt number attemptsMade+1.
// attemptsMade is counted from 1 (the attempt that just failed).
func BackoffDelay(b model.Backoff, attemptsMade int) time.Duration {
	if b.Delay <= 0 || attemptsMade < 1 {
		return 0
	}
	switch b.Type {
	case model.BackoffFixed:
		return b.Delay
	case model.BackoffExponential:
		d := float64(b.Delay) * math.Pow(2, float64(attemptsMade-1))
		if d > float64(MaxBackoffDelay) {
			return MaxBackoffDelay
		}
		return time.Duration(d)
	default:
		return 0
	}
}
