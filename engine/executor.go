package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/chimeworks/chime/errors"
	"github.com/chimeworks/chime/job"
	"github.com/chimeworks/chime/notify"
)

// Outcome classifies how one execution attempt ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// errStaleDispatch signals that a dispatched handle no longer matches the
// stored record; the placement was replaced after this entry was popped.
var errStaleDispatch = errors.New("stale dispatch handle")

// execute runs one attempt of a job. Every state transition is written to
// the store before its event publishes; the record is authoritative
// throughout.
func (e *Engine) execute(jobID, handle string) {
	// Cancellation requested while the job sat in the scheduler wins over
	// execution.
	if e.cancels.Requested(jobID) {
		e.finishCancelled(jobID, "cancelled before execution")
		return
	}

	running, err := e.updateWithRetry(e.ctx, jobID, func(j *job.Job) error {
		if j.ExecutionHandle != handle {
			return errStaleDispatch
		}
		return j.MarkRunning()
	})
	if err != nil {
		// Replaced placement or a state that no longer permits running
		// (e.g. cancelled between pop and here). Nothing to do.
		e.logger.Debugw("Dispatch skipped", "job_id", jobID, "handle", handle, "error", err)
		return
	}
	e.hub.Publish(notify.EventFromJob(running))

	e.trackActive(1)
	defer e.trackActive(-1)

	handler := e.registry.Get(running.Name)
	if handler == nil {
		e.finishAttempt(jobID, errors.Newf("no handler registered for job name: %s", running.Name))
		return
	}

	result, execErr := e.runBody(handler, running)

	switch {
	case execErr != nil && e.cancels.Requested(jobID):
		// The body observed the cancellation signal and unwound.
		e.finishCancelled(jobID, "cancelled by user")
	case execErr == nil:
		// Success wins even if cancellation raced in late.
		e.finishCompleted(jobID, result)
	default:
		e.finishAttempt(jobID, execErr)
	}
}

// runBody invokes the handler under both time limits. The soft limit rides
// on the context so the body can unwind cleanly; the hard limit is enforced
// here and fails the attempt even when the body never returns.
func (e *Engine) runBody(handler Handler, j *job.Job) (json.RawMessage, error) {
	bodyCtx, cancelBody := context.WithTimeout(e.ctx, e.cfg.SoftTimeLimit)
	defer cancelBody()

	// Bridge the cancellation registry into the body's context.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-e.cancels.Token(j.ID):
			cancelBody()
		case <-watchDone:
		}
	}()

	type bodyResult struct {
		result json.RawMessage
		err    error
	}
	done := make(chan bodyResult, 1)
	go func() {
		result, err := handler.Execute(bodyCtx, j)
		done <- bodyResult{result: result, err: err}
	}()

	hard := time.NewTimer(e.cfg.HardTimeLimit)
	defer hard.Stop()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return nil, errors.Wrapf(errors.ErrTimeout,
				"soft time limit %s exceeded", e.cfg.SoftTimeLimit)
		}
		return r.result, r.err
	case <-hard.C:
		// The body goroutine is abandoned; it holds only the cancelled
		// context and its own resources.
		cancelBody()
		e.logger.Warnw("Job exceeded hard time limit",
			"job_id", j.ID,
			"name", j.Name,
			"hard_time_limit", e.cfg.HardTimeLimit,
		)
		return nil, errors.Wrapf(errors.ErrTimeout,
			"hard time limit %s exceeded", e.cfg.HardTimeLimit)
	}
}

// finishCompleted records terminal success and notifies.
func (e *Engine) finishCompleted(jobID string, result json.RawMessage) {
	updated, err := e.updateWithRetry(e.ctx, jobID, func(j *job.Job) error {
		return j.MarkCompleted(result)
	})
	if err != nil {
		e.logger.Errorw("Failed to persist job completion", "job_id", jobID, "error", err)
		return
	}
	e.cancels.Clear(jobID)
	e.hub.Publish(notify.EventFromJob(updated))
	e.logger.Infow("Job completed", "job_id", jobID, "outcome", OutcomeCompleted)
}

// finishCancelled records terminal cancellation and notifies.
func (e *Engine) finishCancelled(jobID, reason string) {
	updated, err := e.updateWithRetry(e.ctx, jobID, func(j *job.Job) error {
		return j.MarkCancelled(reason)
	})
	if err != nil {
		e.logger.Errorw("Failed to persist job cancellation", "job_id", jobID, "error", err)
		return
	}
	e.cancels.Clear(jobID)
	e.hub.Publish(notify.EventFromJob(updated))
	e.logger.Infow("Job cancelled", "job_id", jobID, "outcome", OutcomeCancelled, "reason", reason)
}

// finishAttempt records a failed attempt, then either schedules the
// automatic retry with exponential backoff or leaves the failure terminal.
func (e *Engine) finishAttempt(jobID string, execErr error) {
	var mayRetry bool
	failed, err := e.updateWithRetry(e.ctx, jobID, func(j *job.Job) error {
		if err := j.MarkFailed(execErr.Error()); err != nil {
			return err
		}
		j.AttemptCount++
		mayRetry = e.policy.MayRetry(j.AttemptCount, j.MaxAttempts)
		return nil
	})
	if err != nil {
		e.logger.Errorw("Failed to persist job failure", "job_id", jobID, "error", err)
		return
	}
	e.hub.Publish(notify.EventFromJob(failed))

	if !mayRetry {
		e.cancels.Clear(jobID)
		e.logger.Warnw("Job failed permanently",
			"job_id", jobID,
			"outcome", OutcomeFailed,
			"attempts", failed.AttemptCount,
			"error", execErr,
		)
		return
	}

	delay := e.policy.NextDelay(failed.AttemptCount)
	eta := e.clock.Now().Add(delay)
	handle := uuid.NewString()

	rescheduled, err := e.updateWithRetry(e.ctx, jobID, func(j *job.Job) error {
		return j.MarkRetryScheduled(handle, eta)
	})
	if err != nil {
		e.logger.Errorw("Failed to schedule retry", "job_id", jobID, "error", err)
		return
	}
	e.hub.Publish(notify.EventFromJob(rescheduled))
	e.scheduler.Enqueue(jobID, handle, eta)
	e.logger.Infow("Job scheduled for retry",
		"job_id", jobID,
		"outcome", OutcomeRetrying,
		"attempt", rescheduled.AttemptCount,
		"delay", delay,
		"eta", eta,
	)
}

// trackActive adjusts the count of executions currently holding a slot.
func (e *Engine) trackActive(delta int) {
	e.mu.Lock()
	e.active += delta
	e.mu.Unlock()
}
