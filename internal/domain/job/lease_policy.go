package job

import (
	"errors"
	"time"
)

// ErrInvalidDefaultLease indicates the configured default lease duration is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// minLease is the shortest lease a worker may hold.
const minLease = time.Second

// LeasePolicy normalises assignment lease durations for workers.
type LeasePolicy struct {
	defaultLease time.Duration
}

// NewLeasePolicy constructs a LeasePolicy with the provided default lease duration.
func NewLeasePolicy(defaultLease time.Duration) (*LeasePolicy, error) {
	if defaultLease <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	return &LeasePolicy{defaultLease: defaultLease}, nil
}

// Default returns the configured default lease duration.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLease
}

// Resolve returns request when positive, the default when zero, and the
// minimum lease otherwise. Results are truncated to whole seconds.
func (p *LeasePolicy) Resolve(request time.Duration) time.Duration {
	d := request
	switch {
	case request == 0:
		d = p.Default()
	case request < 0:
		d = minLease
	}
	d = d.Truncate(time.Second)
	if d < minLease {
		d = minLease
	}
	return d
}

// HeartbeatInterval is how often a worker renews its lease: a third of the
// lease so two missed beats still leave the assignment alive.
func (p *LeasePolicy) HeartbeatInterval() time.Duration {
	return max(p.Resolve(0)/3, 500*time.Millisecond)
}
