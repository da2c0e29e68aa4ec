package sched

import "time"

// Clock abstracts the time source used for ETA comparison, so tests can
// pin "now". Backoff and dispatch timing flow through this single source.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now()
}
