package job

import (
	"fmt"
	"time"
)

// Deadline planner defaults.
const (
	DefaultDeadlineBase      = 20 * time.Minute
	DefaultDeadlineIncrement = 3 * time.Minute
)

// DeadlinePlanner computes a per-job execution budget from queue depth.
type DeadlinePlanner struct {
	Base         time.Duration
	PerTaskAhead time.Duration
	Workers      int
}

// Plan returns Base + PerTaskAhead × max(0, queueDepthAhead − Workers).
func (p DeadlinePlanner) Plan(queueDepthAhead int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultDeadlineBase
	}
	inc := max(p.PerTaskAhead, 0)
	extra := max(queueDepthAhead-max(p.Workers, 0), 0)
	return base + time.Duration(extra)*inc
}

// Deadline is the wall-clock budget threaded through one job execution.
// The zero value never expires.
type Deadline struct {
	At  time.Time
	Now func() time.Time
}

// NewDeadline returns a deadline at the given instant using the wall clock.
func NewDeadline(at time.Time) Deadline {
	return Deadline{At: at}
}

func (d Deadline) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Exceeded reports whether the deadline has passed.
func (d Deadline) Exceeded() bool {
	return !d.At.IsZero() && d.now().After(d.At)
}

// Check returns a KindTimeout error when the deadline has passed. Workers
// call it at coarse checkpoints; it never interrupts running work.
func (d Deadline) Check(stage string) error {
	if !d.Exceeded() {
		return nil
	}
	over := d.now().Sub(d.At).Truncate(time.Second)
	return TimeoutError(stage, fmt.Errorf("deadline %s exceeded by %s", d.At.UTC().Format(time.RFC3339), over))
}
