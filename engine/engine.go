// Package engine coordinates job submission, scheduling, execution, retry,
// and cancellation. The durable store is the single source of truth for job
// state; scheduler entries and worker goroutines only hold transient
// references (job id plus execution handle).
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chimeworks/chime/cancel"
	"github.com/chimeworks/chime/errors"
	"github.com/chimeworks/chime/job"
	"github.com/chimeworks/chime/notify"
	"github.com/chimeworks/chime/retry"
	"github.com/chimeworks/chime/sched"
)

// Config contains engine tuning knobs.
type Config struct {
	// Workers bounds concurrent job executions. Dispatch blocks when all
	// slots are busy, which backpressures the scheduler.
	Workers int `json:"workers"`
	// SoftTimeLimit is delivered to the body as a context deadline.
	SoftTimeLimit time.Duration `json:"soft_time_limit"`
	// HardTimeLimit is enforced by the engine: when it expires the attempt
	// is failed even if the body never returns.
	HardTimeLimit time.Duration `json:"hard_time_limit"`
	// StoreWriteRetries is how many times a transient store failure is
	// retried before a transition write is given up on.
	StoreWriteRetries int `json:"store_write_retries"`
	// StoreWriteBackoff is the base wait between store write retries,
	// growing linearly per attempt.
	StoreWriteBackoff time.Duration `json:"store_write_backoff"`
	// DispatchRate caps dispatches per second. Zero means unlimited.
	DispatchRate  float64 `json:"dispatch_rate"`
	DispatchBurst int     `json:"dispatch_burst"`
	// RecoveryLimit bounds how many jobs are reloaded per status on
	// startup, so a crash backlog cannot overwhelm the system.
	RecoveryLimit int `json:"recovery_limit"`
	// ShutdownTimeout bounds how long Stop waits for in-flight executions.
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	// Retry is the backoff schedule for failed attempts.
	Retry retry.Policy `json:"retry"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		SoftTimeLimit:     5 * time.Minute,
		HardTimeLimit:     6 * time.Minute,
		StoreWriteRetries: 3,
		StoreWriteBackoff: 100 * time.Millisecond,
		DispatchRate:      0,
		DispatchBurst:     1,
		RecoveryLimit:     1000,
		ShutdownTimeout:   30 * time.Second,
		Retry:             retry.DefaultPolicy(),
	}
}

// Engine is the orchestrator. It owns the scheduler, the cancellation
// registry, the notification hub, and the pool of execution slots.
type Engine struct {
	store     job.Store
	registry  *HandlerRegistry
	policy    retry.Policy
	clock     sched.Clock
	scheduler *sched.Scheduler
	cancels   *cancel.Registry
	hub       *notify.Hub
	limiter   *rate.Limiter
	sem       chan struct{}
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active int

	logger *zap.SugaredLogger
}

// New creates an engine over the given store, using the system clock.
// Callers must register handlers before Start().
func New(ctx context.Context, store job.Store, cfg Config, logger *zap.SugaredLogger) *Engine {
	return NewWithClock(ctx, store, cfg, sched.SystemClock{}, logger)
}

// NewWithClock creates an engine with an injected clock. Tests use this to
// pin time; everything else should use New.
func NewWithClock(ctx context.Context, store job.Store, cfg Config, clock sched.Clock, logger *zap.SugaredLogger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.SoftTimeLimit <= 0 {
		cfg.SoftTimeLimit = DefaultConfig().SoftTimeLimit
	}
	if cfg.HardTimeLimit <= cfg.SoftTimeLimit {
		cfg.HardTimeLimit = cfg.SoftTimeLimit + time.Minute
	}
	if cfg.StoreWriteBackoff <= 0 {
		cfg.StoreWriteBackoff = DefaultConfig().StoreWriteBackoff
	}
	if cfg.RecoveryLimit <= 0 {
		cfg.RecoveryLimit = DefaultConfig().RecoveryLimit
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}

	limit := rate.Inf
	if cfg.DispatchRate > 0 {
		limit = rate.Limit(cfg.DispatchRate)
	}
	burst := cfg.DispatchBurst
	if burst <= 0 {
		burst = 1
	}

	engineCtx, cancelFn := context.WithCancel(ctx)
	e := &Engine{
		store:    store,
		registry: NewHandlerRegistry(),
		policy:   cfg.Retry,
		clock:    clock,
		cancels:  cancel.NewRegistry(),
		hub:      notify.NewHub(logger),
		limiter:  rate.NewLimiter(limit, burst),
		sem:      make(chan struct{}, cfg.Workers),
		cfg:      cfg,
		ctx:      engineCtx,
		cancel:   cancelFn,
		logger:   logger.Named("engine"),
	}
	e.scheduler = sched.New(engineCtx, clock, e.dispatch, logger)
	return e
}

// Registry returns the handler registry for registering job handlers.
// Register before calling Start().
func (e *Engine) Registry() *HandlerRegistry {
	return e.registry
}

// Hub returns the notification hub.
func (e *Engine) Hub() *notify.Hub {
	return e.hub
}

// Start recovers persisted jobs into the scheduler and begins dispatching.
func (e *Engine) Start() {
	e.recoverJobs()
	e.scheduler.Start()
	e.logger.Infow("Engine started",
		"workers", e.cfg.Workers,
		"soft_time_limit", e.cfg.SoftTimeLimit,
		"hard_time_limit", e.cfg.HardTimeLimit,
	)
}

// Stop halts dispatching and waits for in-flight executions to drain, up
// to the shutdown timeout. Scheduled jobs stay in the store and are
// recovered on the next Start.
func (e *Engine) Stop() {
	e.scheduler.Stop()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Infow("Engine stopped, all executions drained")
	case <-time.After(e.cfg.ShutdownTimeout):
		e.logger.Warnw("Engine stop timed out waiting for executions",
			"timeout", e.cfg.ShutdownTimeout)
	}
}

// Submit validates and persists a new job, places it in the scheduler, and
// returns the Scheduled record. A scheduled time in the past is clamped to
// now so the job becomes immediately eligible. maxAttempts <= 0 keeps the
// default ceiling.
func (e *Engine) Submit(ctx context.Context, owner, name, description string, payload json.RawMessage, scheduledTime time.Time, maxAttempts int) (*job.Job, error) {
	if !e.registry.Has(name) {
		return nil, errors.NewInvalidRequestError("no handler registered for job name: %s", name)
	}

	j, err := job.New(owner, name, description, payload, scheduledTime)
	if err != nil {
		return nil, err
	}
	if maxAttempts > 0 {
		j.MaxAttempts = maxAttempts
	}

	if err := e.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}

	eta := j.ScheduledTime
	if now := e.clock.Now(); eta.Before(now) {
		eta = now
	}

	// Persist the placement before the scheduler learns about it, so an
	// immediate dispatch always finds its handle on the record.
	handle := uuid.NewString()
	scheduled, err := e.updateWithRetry(ctx, j.ID, func(j *job.Job) error {
		return j.MarkScheduled(handle, eta)
	})
	if err != nil {
		return nil, err
	}
	e.scheduler.Enqueue(j.ID, handle, eta)

	e.hub.Publish(notify.EventFromJob(scheduled))
	e.logger.Infow("Job submitted",
		"job_id", scheduled.ID,
		"name", scheduled.Name,
		"owner", scheduled.Owner,
		"eta", eta,
	)
	return scheduled, nil
}

// Get returns a job by id. When requester is non-empty it must match the
// job's owner.
func (e *Engine) Get(ctx context.Context, id, requester string) (*job.Job, error) {
	j, err := e.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if requester != "" && j.Owner != requester {
		return nil, errors.Wrapf(errors.ErrForbidden, "job %s belongs to another owner", id)
	}
	return j, nil
}

// List returns the owner's jobs, newest first, optionally filtered by status.
func (e *Engine) List(ctx context.Context, owner string, status *job.Status, limit int) ([]*job.Job, error) {
	return e.store.ListByOwner(ctx, owner, status, limit)
}

// errRunningCancel signals inside a cancel mutation that the job is
// Running and must take the cooperative path instead of an immediate
// transition. The store update rolls back.
var errRunningCancel = errors.New("cancel requires cooperative path")

// Cancel requests cancellation of a job.
//
// Pending and Scheduled jobs are cancelled immediately: the record
// transitions to Cancelled and the scheduler entry is removed. Running jobs
// get intent recorded in the cancellation registry; the body observes it
// at its next checkpoint and the execution path performs the transition.
// Terminal jobs return ErrCannotCancel.
func (e *Engine) Cancel(ctx context.Context, jobID, requester string) (*job.Job, error) {
	var staleHandle string
	updated, err := e.updateWithRetry(ctx, jobID, func(j *job.Job) error {
		if requester != "" && j.Owner != requester {
			return errors.Wrapf(errors.ErrForbidden, "job %s belongs to another owner", jobID)
		}
		if !j.Status.CanCancel() {
			return errors.Wrapf(errors.ErrCannotCancel, "job %s is %s", jobID, j.Status)
		}
		if j.Status == job.StatusRunning {
			return errRunningCancel
		}
		staleHandle = j.ExecutionHandle
		return j.MarkCancelled("cancelled by user")
	})

	if errors.Is(err, errRunningCancel) {
		e.cancels.Request(jobID)
		e.logger.Infow("Cancellation requested for running job", "job_id", jobID)
		return e.store.GetJob(ctx, jobID)
	}
	if err != nil {
		return nil, err
	}

	// The store already says Cancelled, so even if this entry was popped
	// for dispatch in the meantime, the executor's transition check aborts.
	if staleHandle != "" {
		e.scheduler.Cancel(staleHandle)
	}
	e.cancels.Clear(jobID)
	e.hub.Publish(notify.EventFromJob(updated))
	e.logger.Infow("Job cancelled", "job_id", jobID, "prior_handle", staleHandle)
	return updated, nil
}

// Retry re-schedules a Failed job on user request. The re-run is charged
// up front: the attempt counter increments and the delay is linear in the
// incremented count, distinct from the automatic exponential backoff. The
// attempt ceiling still applies.
func (e *Engine) Retry(ctx context.Context, jobID, requester string) (*job.Job, error) {
	j, err := e.Get(ctx, jobID, requester)
	if err != nil {
		return nil, err
	}
	if !job.CanRetry(j.Status, j.AttemptCount, j.MaxAttempts) {
		return nil, errors.Wrapf(errors.ErrCannotRetry,
			"job %s is %s with %d/%d attempts", jobID, j.Status, j.AttemptCount, j.MaxAttempts)
	}

	handle := uuid.NewString()
	var delay time.Duration
	var eta time.Time

	updated, err := e.updateWithRetry(ctx, jobID, func(j *job.Job) error {
		// Re-validate inside the transaction; the status may have moved
		// since the read above.
		if !job.CanRetry(j.Status, j.AttemptCount, j.MaxAttempts) {
			return errors.Wrapf(errors.ErrCannotRetry, "job %s is %s", jobID, j.Status)
		}
		j.AttemptCount++
		delay = e.policy.ManualDelay(j.AttemptCount)
		eta = e.clock.Now().Add(delay)
		return j.MarkRetryScheduled(handle, eta)
	})
	if err != nil {
		return nil, err
	}
	e.scheduler.Enqueue(jobID, handle, eta)

	e.hub.Publish(notify.EventFromJob(updated))
	e.logger.Infow("Job manually retried",
		"job_id", jobID,
		"attempt", updated.AttemptCount,
		"delay", delay,
		"eta", eta,
	)
	return updated, nil
}

// Subscribe returns an event channel for the job. Callers must
// Unsubscribe when done. Requester must own the job when non-empty.
func (e *Engine) Subscribe(ctx context.Context, jobID, requester string) (chan notify.Event, error) {
	j, err := e.Get(ctx, jobID, requester)
	if err != nil {
		return nil, err
	}
	// The hub's cached terminal event may already be gone if an earlier
	// observer saw it and left; the durable record rebuilds the replay.
	return e.hub.SubscribeWithSnapshot(jobID, notify.EventFromJob(j)), nil
}

// Unsubscribe removes an event channel obtained from Subscribe.
func (e *Engine) Unsubscribe(jobID string, ch chan notify.Event) {
	e.hub.Unsubscribe(jobID, ch)
}

// dispatch receives due jobs from the scheduler. It acquires an execution
// slot (blocking, which backpressures the scheduler loop) and runs the
// attempt on its own goroutine.
func (e *Engine) dispatch(jobID, handle string) {
	if err := e.limiter.Wait(e.ctx); err != nil {
		return // shutting down
	}

	select {
	case e.sem <- struct{}{}:
	case <-e.ctx.Done():
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.sem }()
		e.execute(jobID, handle)
	}()
}

// updateWithRetry persists a mutation, retrying transient store failures
// with linear backoff. Transitions are written before events publish, so a
// retried write delivers at least once rather than dropping a transition.
func (e *Engine) updateWithRetry(ctx context.Context, jobID string, mutate func(*job.Job) error) (*job.Job, error) {
	for attempt := 0; ; attempt++ {
		j, err := e.store.UpdateJob(ctx, jobID, mutate)
		if err == nil || !errors.Is(err, errors.ErrStoreUnavailable) || attempt >= e.cfg.StoreWriteRetries {
			return j, err
		}

		e.logger.Warnw("Store write failed, retrying",
			"job_id", jobID,
			"attempt", attempt+1,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(err, "store write abandoned")
		case <-time.After(e.cfg.StoreWriteBackoff * time.Duration(attempt+1)):
		}
	}
}

// recoverJobs reloads persisted non-terminal jobs after a restart.
// Pending and Scheduled jobs re-enter the scheduler; jobs stuck in Running
// were orphaned by an unclean shutdown and go back through the failure
// path without being charged an attempt.
func (e *Engine) recoverJobs() {
	ctx := e.ctx

	for _, status := range []job.Status{job.StatusPending, job.StatusScheduled} {
		jobs, err := e.store.ListByStatus(ctx, status, e.cfg.RecoveryLimit)
		if err != nil {
			e.logger.Warnw("Failed to list jobs for recovery", "status", status, "error", err)
			continue
		}
		for _, j := range jobs {
			eta := j.ScheduledTime
			handle := uuid.NewString()
			if _, err := e.updateWithRetry(ctx, j.ID, func(j *job.Job) error {
				if j.Status == job.StatusPending {
					return j.MarkScheduled(handle, eta)
				}
				j.ExecutionHandle = handle
				return nil
			}); err != nil {
				e.logger.Warnw("Failed to recover job", "job_id", j.ID, "error", err)
				continue
			}
			e.scheduler.Enqueue(j.ID, handle, eta)
		}
		if len(jobs) > 0 {
			e.logger.Infow("Recovered jobs into scheduler", "status", status, "count", len(jobs))
		}
	}

	orphaned, err := e.store.ListByStatus(ctx, job.StatusRunning, e.cfg.RecoveryLimit)
	if err != nil {
		e.logger.Warnw("Failed to list orphaned jobs", "error", err)
		return
	}
	for _, j := range orphaned {
		e.recoverOrphan(j)
	}
	if len(orphaned) > 0 {
		e.logger.Infow("Recovered orphaned jobs", "count", len(orphaned))
	}
}

// recoverOrphan fails an interrupted execution and schedules it to run
// again immediately. The interruption does not consume an attempt.
func (e *Engine) recoverOrphan(j *job.Job) {
	failed, err := e.updateWithRetry(e.ctx, j.ID, func(j *job.Job) error {
		return j.MarkFailed("interrupted by engine restart")
	})
	if err != nil {
		e.logger.Warnw("Failed to mark orphaned job", "job_id", j.ID, "error", err)
		return
	}
	e.hub.Publish(notify.EventFromJob(failed))

	if !e.policy.MayRetry(failed.AttemptCount, failed.MaxAttempts) {
		e.cancels.Clear(j.ID)
		return
	}

	eta := e.clock.Now()
	handle := uuid.NewString()
	rescheduled, err := e.updateWithRetry(e.ctx, j.ID, func(j *job.Job) error {
		return j.MarkRetryScheduled(handle, eta)
	})
	if err != nil {
		e.logger.Warnw("Failed to reschedule orphaned job", "job_id", j.ID, "error", err)
		return
	}
	e.hub.Publish(notify.EventFromJob(rescheduled))
	e.scheduler.Enqueue(j.ID, handle, eta)
}
