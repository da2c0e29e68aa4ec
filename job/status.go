package job

// Status represents the current state of a job
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusScheduled, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// transitions is the single authoritative state-transition table.
// Both the engine and the caller-facing control surface consult it;
// there is no other place that decides what a status may become.
//
// Failed -> Scheduled covers both the automatic retry path and the
// user-invoked manual retry.
var transitions = map[Status][]Status{
	StatusPending:   {StatusScheduled, StatusCancelled},
	StatusScheduled: {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:    {StatusScheduled},
	StatusCompleted: {},
	StatusCancelled: {},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanCancel reports whether a job in status s may be cancelled at all.
// Pending and Scheduled jobs cancel immediately; Running jobs cancel
// cooperatively (the body must observe the signal). Terminal states
// cannot be cancelled.
func (s Status) CanCancel() bool {
	return s == StatusPending || s == StatusScheduled || s == StatusRunning
}

// CanRetry reports whether a manual retry is legal for a job with the
// given status and attempt counters.
func CanRetry(s Status, attemptCount, maxAttempts int) bool {
	return s == StatusFailed && attemptCount < maxAttempts
}
