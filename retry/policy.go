// Package retry computes backoff delays for failed jobs.
//
// The policy is pure configuration: no mutable state, no I/O. After a
// failed attempt the engine asks whether the job may run again and how
// long to wait; the control surface asks for the distinct linear delay
// used by user-invoked manual retries.
package retry

import (
	"math"
	"time"
)

// Policy holds the retry schedule parameters.
type Policy struct {
	// BaseDelay is the backoff unit. Automatic retries wait
	// BaseDelay * Multiplier^attempts; manual retries wait
	// BaseDelay * attempts.
	BaseDelay time.Duration
	// Multiplier is the exponential growth factor for automatic retries.
	Multiplier float64
	// MaxAttempts is the default attempt ceiling for jobs that do not
	// carry their own.
	MaxAttempts int
}

// DefaultPolicy returns the standard schedule: 60s base, doubling,
// three attempts.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   60 * time.Second,
		Multiplier:  2,
		MaxAttempts: 3,
	}
}

// NextDelay returns the automatic-retry delay after the given number of
// completed attempts: BaseDelay * Multiplier^attemptCount. For the default
// policy the sequence after attempts 1, 2, 3 is 120s, 240s, 480s.
func (p Policy) NextDelay(attemptCount int) time.Duration {
	if attemptCount < 0 {
		attemptCount = 0
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attemptCount)))
}

// ManualDelay returns the user-invoked retry delay: BaseDelay * attemptCount.
// Linear, distinct from the automatic exponential schedule.
func (p Policy) ManualDelay(attemptCount int) time.Duration {
	return p.BaseDelay * time.Duration(attemptCount)
}

// MayRetry reports whether another automatic attempt is permitted.
func (p Policy) MayRetry(attemptCount, maxAttempts int) bool {
	return attemptCount < maxAttempts
}
