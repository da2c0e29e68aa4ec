// Package job defines the job record, its state machine, and the durable store.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/chimeworks/chime/errors"
)

// DefaultMaxAttempts bounds automatic retries when the submitter does not
// specify a ceiling.
const DefaultMaxAttempts = 3

// Job represents one asynchronous unit of work.
//
// Result and Error are mutually exclusive and only ever set once the job
// reaches a terminal state. ExecutionHandle identifies the job's pending
// placement in the scheduler while it is Scheduled or Running; it is never
// exposed to API clients.
type Job struct {
	ID              string          `json:"id"`
	Owner           string          `json:"owner"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Status          Status          `json:"status"`
	ScheduledTime   time.Time       `json:"scheduled_time"`
	ExecutionHandle string          `json:"-"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	AttemptCount    int             `json:"attempt_count"`
	MaxAttempts     int             `json:"max_attempts"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// New creates a Pending job for the given owner.
func New(owner, name, description string, payload json.RawMessage, scheduledTime time.Time) (*Job, error) {
	if name == "" {
		return nil, errors.NewInvalidRequestError("job name cannot be empty")
	}
	if owner == "" {
		return nil, errors.NewInvalidRequestError("job owner cannot be empty")
	}
	if scheduledTime.IsZero() {
		// A zero scheduled time is a programmer error, not user input.
		return nil, errors.AssertionFailedf("job scheduled time is uninitialized")
	}

	now := time.Now().UTC()
	return &Job{
		ID:            uuid.NewString(),
		Owner:         owner,
		Name:          name,
		Description:   description,
		Payload:       payload,
		Status:        StatusPending,
		ScheduledTime: scheduledTime,
		MaxAttempts:   DefaultMaxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// transition moves the job to the target status, enforcing the transition table.
func (j *Job) transition(to Status) error {
	if !CanTransition(j.Status, to) {
		return errors.Newf("illegal job transition %s -> %s (job %s)", j.Status, to, j.ID)
	}
	j.Status = to
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkScheduled records acceptance by the scheduler. The handle identifies
// the scheduler entry; eta is the (possibly recomputed) dispatch time.
func (j *Job) MarkScheduled(handle string, eta time.Time) error {
	if err := j.transition(StatusScheduled); err != nil {
		return err
	}
	j.ExecutionHandle = handle
	j.ScheduledTime = eta
	return nil
}

// MarkRunning records the start of a body execution.
func (j *Job) MarkRunning() error {
	return j.transition(StatusRunning)
}

// MarkCompleted records terminal success with the body's result.
func (j *Job) MarkCompleted(result json.RawMessage) error {
	if err := j.transition(StatusCompleted); err != nil {
		return err
	}
	j.Result = result
	j.Error = ""
	j.ExecutionHandle = ""
	return nil
}

// MarkFailed records a failed attempt. The failure becomes terminal only
// when the retry policy declines a further attempt; until then the caller
// follows with MarkRetryScheduled.
func (j *Job) MarkFailed(msg string) error {
	if err := j.transition(StatusFailed); err != nil {
		return err
	}
	j.Error = msg
	j.Result = nil
	j.ExecutionHandle = ""
	return nil
}

// MarkRetryScheduled moves a Failed job back to Scheduled for another
// attempt, clearing the stale error and recording the new placement.
func (j *Job) MarkRetryScheduled(handle string, eta time.Time) error {
	if err := j.transition(StatusScheduled); err != nil {
		return err
	}
	j.Error = ""
	j.ExecutionHandle = handle
	j.ScheduledTime = eta
	return nil
}

// MarkCancelled records terminal cancellation with a reason.
func (j *Job) MarkCancelled(reason string) error {
	if err := j.transition(StatusCancelled); err != nil {
		return err
	}
	j.Error = reason
	j.Result = nil
	j.ExecutionHandle = ""
	return nil
}
