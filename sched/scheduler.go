// Package sched holds jobs awaiting execution and releases each one at or
// after its ETA.
package sched

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Dispatch hands a due job to the executor. The scheduler calls it outside
// its own lock, in non-decreasing ETA order, ties broken by enqueue order.
type Dispatch func(jobID, handle string)

// entry is one pending placement in the scheduler.
type entry struct {
	jobID  string
	handle string
	eta    time.Time
	seq    uint64 // enqueue order, breaks ETA ties FIFO
	index  int    // heap bookkeeping
}

// entryHeap orders entries by (eta, seq).
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].eta.Equal(h[j].eta) {
		return h[i].seq < h[j].seq
	}
	return h[i].eta.Before(h[j].eta)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler releases jobs to the executor exactly at or after their ETA.
//
// The loop blocks waiting for the next eligible ETA or a wake event from
// Enqueue/Cancel; it never busy-polls. Dispatch and Cancel are mutually
// exclusive through the scheduler mutex: an entry is either popped for
// dispatch or removed by Cancel, never both.
type Scheduler struct {
	mu       sync.Mutex
	entries  entryHeap
	byJob    map[string]*entry
	byHandle map[string]*entry
	seq      uint64

	clock    Clock
	dispatch Dispatch
	wake     chan struct{}

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *zap.SugaredLogger
}

// New creates a scheduler. The dispatch callback is invoked from the
// scheduler's own goroutine and may block to exert worker-pool
// backpressure.
func New(ctx context.Context, clock Clock, dispatch Dispatch, logger *zap.SugaredLogger) *Scheduler {
	schedCtx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		entries:   entryHeap{},
		byJob:     make(map[string]*entry),
		byHandle:  make(map[string]*entry),
		clock:     clock,
		dispatch:  dispatch,
		wake:      make(chan struct{}, 1),
		parentCtx: ctx,
		ctx:       schedCtx,
		cancel:    cancel,
		logger:    logger.Named("sched"),
	}
}

// Start begins the dispatch loop.
func (s *Scheduler) Start() {
	select {
	case <-s.ctx.Done():
		// Restart after a previous Stop()
		s.ctx, s.cancel = context.WithCancel(s.parentCtx)
	default:
	}

	s.wg.Add(1)
	go s.run()
	s.logger.Infow("Scheduler started")
}

// Stop halts the dispatch loop. Pending entries stay in place; the job
// store remains the source of truth for recovery.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Infow("Scheduler stopped")
}

// Enqueue accepts a job for dispatch at eta under the caller-issued
// execution handle. A past eta is clamped to now, making the job
// immediately eligible - placements never sit in the past. Idempotent per
// job id: re-enqueuing replaces the prior entry. Callers persist the
// handle on the job record before enqueuing, so a dispatch can never
// observe a record that has not heard of its handle yet.
func (s *Scheduler) Enqueue(jobID, handle string, eta time.Time) {
	s.mu.Lock()

	if now := s.clock.Now(); eta.Before(now) {
		eta = now
	}

	if prior, ok := s.byJob[jobID]; ok {
		heap.Remove(&s.entries, prior.index)
		delete(s.byHandle, prior.handle)
	}

	e := &entry{
		jobID:  jobID,
		handle: handle,
		eta:    eta,
		seq:    s.seq,
	}
	s.seq++
	heap.Push(&s.entries, e)
	s.byJob[jobID] = e
	s.byHandle[handle] = e

	s.mu.Unlock()

	s.logger.Debugw("Enqueued job", "job_id", jobID, "eta", eta, "handle", handle)
	s.wakeLoop()
}

// Cancel removes a not-yet-dispatched entry. A handle that was already
// dispatched (or already cancelled) is a no-op, not an error.
func (s *Scheduler) Cancel(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byHandle[handle]
	if !ok {
		return // already dispatched or cancelled
	}
	heap.Remove(&s.entries, e.index)
	delete(s.byJob, e.jobID)
	delete(s.byHandle, handle)
	s.logger.Debugw("Cancelled scheduler entry", "job_id", e.jobID, "handle", handle)
}

// Len returns the number of pending entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// NextETA returns the earliest pending ETA, if any.
func (s *Scheduler) NextETA() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return time.Time{}, false
	}
	return s.entries[0].eta, true
}

// wakeLoop nudges the dispatch loop to recompute its wait.
func (s *Scheduler) wakeLoop() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the dispatch loop: release everything due, then sleep until the
// next ETA or the next enqueue/cancel event.
func (s *Scheduler) run() {
	defer s.wg.Done()

	for {
		s.dispatchDue()

		var timerC <-chan time.Time
		var timer *time.Timer
		if next, ok := s.NextETA(); ok {
			timer = time.NewTimer(next.Sub(s.clock.Now()))
			timerC = timer.C
		}

		select {
		case <-s.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// dispatchDue pops every entry whose eta has passed, in (eta, seq) order,
// and hands each to the executor. Entries are removed under the lock, so a
// concurrent Cancel on a popped handle is the documented no-op.
func (s *Scheduler) dispatchDue() {
	for {
		s.mu.Lock()
		now := s.clock.Now()
		if len(s.entries) == 0 || s.entries[0].eta.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.entries).(*entry)
		delete(s.byJob, e.jobID)
		delete(s.byHandle, e.handle)
		s.mu.Unlock()

		// Outside the lock: dispatch may block on worker backpressure.
		s.dispatch(e.jobID, e.handle)
	}
}
