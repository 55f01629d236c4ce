package model

import (
	"slices"
	"strconv"
	"time"
)

// ListQuery groups parameters for listing one queue's jobs in a single state.
type ListQuery struct {
	Queue  string
	State  JobState
	Limit  int    // Page size; stores apply DefaultListLimit when <= 0
	Cursor string // Opaque continuation token from JobPage.NextCursor
}

// DefaultListLimit is used when a ListQuery has no limit.
const DefaultListLimit = 100

// EffectiveLimit returns the requested limit or the default.
func (q ListQuery) EffectiveLimit() int {
	if q.Limit <= 0 {
		return DefaultListLimit
	}
	return q.Limit
}

// JobPage is one page of a ListByState enumeration.
type JobPage struct {
	Jobs       []*Job
	NextCursor string // Empty when there are no further pages
}

// EncodeOffsetCursor turns an index offset into a cursor string.
func EncodeOffsetCursor(offset int) string {
	if offset <= 0 {
		return ""
	}
	return strconv.Itoa(offset)
}

// DecodeOffsetCursor parses a cursor produced by EncodeOffsetCursor.
func DecodeOffsetCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return 0, ErrInvalidCursor
	}
	return n, nil
}

// Expectation is the precondition of a compare-and-swap update.
// A job matches when its state is one of States and, if LockToken is set,
// its lock token equals LockToken.
type Expectation struct {
	States    []JobState
	LockToken string
}

// Expect builds an Expectation on the given states.
func Expect(states ...JobState) Expectation {
	return Expectation{States: states}
}

// WithLock returns a copy that also requires the lock token to match.
func (e Expectation) WithLock(token string) Expectation {
	e.LockToken = token
	return e
}

// Matches reports whether job satisfies the expectation.
func (e Expectation) Matches(job *Job) bool {
	if job == nil {
		return false
	}
	if len(e.States) > 0 && !slices.Contains(e.States, job.State) {
		return false
	}
	if e.LockToken != "" && job.LockToken != e.LockToken {
		return false
	}
	return true
}

// ClaimParams are passed to stores that can claim atomically.
type ClaimParams struct {
	Token string
	Now   time.Time
	Lock  time.Duration
}
