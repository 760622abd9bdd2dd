// Package retry decides whether and when a failed send is attempted again.
package retry

import (
	"time"

	"groupcast/internal/platform"
)

// MaxBackoff caps every retry wait at the upper bound of the group delay, so
// a retry sequence never outlives a cycle.
const MaxBackoff = 30 * time.Second

// DefaultBase is the first retry wait.
const DefaultBase = 2 * time.Second

// Decision is the verdict for a failed attempt.
type Decision struct {
	Retry bool
	Wait  time.Duration
	Class platform.FailureClass
}

// Policy computes retry decisions. The zero value uses DefaultBase.
type Policy struct {
	Base time.Duration
}

// ShouldRetry reports whether another attempt follows attempt number
// attemptNumber (1 is the initial send).
func ShouldRetry(attemptNumber, maxRetries int) bool {
	return attemptNumber <= maxRetries
}

// Backoff returns base * 2^(attemptNumber-1), capped at MaxBackoff.
func (p Policy) Backoff(attemptNumber int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	if attemptNumber < 1 {
		attemptNumber = 1
	}
	d := base
	for i := 1; i < attemptNumber; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	if d > MaxBackoff {
		d = MaxBackoff
	}
	return d
}

// Decide classifies err and returns what to do after attempt attemptNumber
// failed. Permanent and session failures never retry. A platform flood wait
// stretches the backoff but the cap still holds.
func (p Policy) Decide(attemptNumber, maxRetries int, err error) Decision {
	class := platform.ClassOf(err)
	if class != platform.Transient {
		return Decision{Class: class}
	}
	if !ShouldRetry(attemptNumber, maxRetries) {
		return Decision{Class: class}
	}
	wait := p.Backoff(attemptNumber)
	if ra := platform.RetryAfterOf(err); ra > wait {
		wait = ra
	}
	if wait > MaxBackoff {
		wait = MaxBackoff
	}
	return Decision{Retry: true, Wait: wait, Class: class}
}
