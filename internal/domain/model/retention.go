package model

import "time"

// RetentionPolicy bounds how many finished jobs of one queue/state are kept.
// A zero field disables that limit.
type RetentionPolicy struct {
	MaxAge   time.Duration
	MaxCount int
}

// Enabled reports whether any limit is set.
func (p RetentionPolicy) Enabled() bool {
	return p.MaxAge > 0 || p.MaxCount > 0
}

// Expired reports whether a job finished at finishedAt, with the given
// most-recent-first rank (0 = newest), must be removed at now. Either limit
// alone is enough.
func (p RetentionPolicy) Expired(finishedAt time.Time, rank int, now time.Time) bool {
	if p.MaxCount > 0 && rank >= p.MaxCount {
		return true
	}
	return p.MaxAge > 0 && now.Sub(finishedAt) > p.MaxAge
}
