// Package notify fans out job state-transition events to subscribers.
//
// Delivery is best-effort: publishing never blocks and never fails the
// transition that produced the event. A subscriber whose channel is full
// simply misses that event. The hub remembers the terminal event for each
// job so a subscriber connecting after completion still receives the final
// state once, then the stream ends.
package notify

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chimeworks/chime/job"
)

// SubscriberBufferSize is the per-subscriber channel buffer. Buffered so a
// briefly slow consumer does not miss events.
const SubscriberBufferSize = 16

// Event describes one job state transition.
type Event struct {
	JobID     string          `json:"job_id"`
	Status    job.Status      `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Final     bool            `json:"final"`
	Timestamp time.Time       `json:"timestamp"`
}

// Terminal reports whether this event ends the job's stream. A failure
// that still has retry attempts left is not terminal; the stream continues
// with the retry's scheduled event.
func (e Event) Terminal() bool {
	return e.Final
}

// EventFromJob builds the notification event for a job's current state.
func EventFromJob(j *job.Job) Event {
	final := j.Status.Terminal()
	if j.Status == job.StatusFailed && j.AttemptCount < j.MaxAttempts {
		final = false
	}
	return Event{
		JobID:     j.ID,
		Status:    j.Status,
		Result:    j.Result,
		Error:     j.Error,
		Final:     final,
		Timestamp: j.UpdatedAt,
	}
}

// Hub routes events to the subscribers of each job id.
type Hub struct {
	mu       sync.Mutex
	subs     map[string]map[chan Event]struct{}
	terminal map[string]Event // last event for jobs that have finished
	logger   *zap.SugaredLogger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		subs:     make(map[string]map[chan Event]struct{}),
		terminal: make(map[string]Event),
		logger:   logger.Named("notify"),
	}
}

// Publish delivers the event to every current subscriber of the job id.
// Non-blocking per subscriber; a full channel drops the event for that
// subscriber only. With zero subscribers this is a cheap no-op apart from
// terminal bookkeeping.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[ev.JobID] {
		select {
		case ch <- ev:
		default:
			// Subscriber too slow - skip, never retried here
			h.logger.Debugw("Dropped event for slow subscriber",
				"job_id", ev.JobID,
				"status", ev.Status,
			)
		}
	}

	if ev.Terminal() {
		if len(h.subs[ev.JobID]) == 0 {
			// Nobody watching a finished job - keep the terminal event
			// for late subscribers, nothing else to track.
			delete(h.subs, ev.JobID)
		}
		h.terminal[ev.JobID] = ev
	}
}

// Subscribe returns a channel of events for the job id. The caller must
// call Unsubscribe when done. If the job already reached a terminal state,
// the terminal event is delivered immediately so the subscriber never
// hangs waiting for a transition that will not come.
func (h *Hub) Subscribe(jobID string) chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribeLocked(jobID)
}

// SubscribeWithSnapshot subscribes like Subscribe, additionally seeding the
// terminal cache from the given snapshot of the job's durable record. The
// cached terminal event is collected once its last observer leaves, so a
// subscriber arriving after that still gets its replay from the record.
func (h *Hub) SubscribeWithSnapshot(jobID string, snapshot Event) chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.terminal[jobID]; !ok && snapshot.Terminal() {
		h.terminal[jobID] = snapshot
	}
	return h.subscribeLocked(jobID)
}

func (h *Hub) subscribeLocked(jobID string) chan Event {
	ch := make(chan Event, SubscriberBufferSize)
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[chan Event]struct{})
	}
	h.subs[jobID][ch] = struct{}{}

	if ev, ok := h.terminal[jobID]; ok {
		ch <- ev // buffered, cannot block on a fresh channel
	}

	return ch
}

// Unsubscribe removes a subscriber. The channel is not closed here -
// callers close it themselves after unsubscribing, which prevents
// double-close panics. Terminal jobs with no remaining observers are
// garbage-collected.
func (h *Hub) Unsubscribe(jobID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.subs[jobID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.subs, jobID)
			if _, done := h.terminal[jobID]; done {
				delete(h.terminal, jobID)
			}
		}
	}
}

// Subscribers returns the current subscriber count for a job id.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}
