package job

import (
	"errors"
	"time"
)

// ErrInvalidDefaultLease is returned for a non-positive default lock duration.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// MinLease is the shortest lock a worker may hold.
const MinLease = 100 * time.Millisecond

// Lease is a resolved lock duration.
type Lease struct {
	Duration  time.Duration
	Requested time.Duration
	Defaulted bool // Requested was zero
	Raised    bool // Requested was below MinLease
}

// HeartbeatEvery is how often the owner renews the lock: half its length.
func (l Lease) HeartbeatEvery() time.Duration { return l.Duration / 2 }

// LeasePolicy turns requested lock durations into usable ones.
type LeasePolicy struct {
	fallback time.Duration
}

// NewLeasePolicy returns a policy that uses fallback when no duration is requested.
func NewLeasePolicy(fallback time.Duration) (*LeasePolicy, error) {
	if fallback <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	return &LeasePolicy{fallback: max(fallback, MinLease)}, nil
}

// Default is the lock used for a zero request.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.fallback
}

// Resolve maps zero to the default and raises anything shorter than MinLease.
func (p *LeasePolicy) Resolve(requested time.Duration) Lease {
	if requested == 0 {
		return Lease{Duration: p.Default(), Defaulted: true}
	}
	if requested < MinLease {
		return Lease{Duration: MinLease, Requested: requested, Raised: true}
	}
	return Lease{Duration: requested, Requested: requested}
}
