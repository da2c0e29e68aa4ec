// Package cancel tracks requested cancellation intent for jobs.
//
// The registry is the single source of truth for "has cancellation been
// requested for job X". It is consulted at exactly two checkpoints: by the
// executor before an attempt starts, and by the running body through its
// token.
// It records intent only; state transitions stay with the engine and the
// job store.
package cancel

import "sync"

// Registry tracks job ids whose cancellation has been requested.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tokens: make(map[string]chan struct{}),
	}
}

// Request marks cancellation intent for a job id. Returns true if this
// call newly marked the job; false if intent was already recorded.
// Safe for concurrent callers; the token is closed exactly once.
func (r *Registry) Request(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.tokens[jobID]; ok {
		select {
		case <-ch:
			return false // already requested
		default:
		}
		close(ch)
		return true
	}

	ch := make(chan struct{})
	close(ch)
	r.tokens[jobID] = ch
	return true
}

// Requested reports whether cancellation has been requested for a job id.
func (r *Registry) Requested(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.tokens[jobID]
	if !ok {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Token returns a channel closed when cancellation is requested for the
// job id. Job bodies select on it at their cooperative checkpoints.
func (r *Registry) Token(jobID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.tokens[jobID]; ok {
		return ch
	}
	ch := make(chan struct{})
	r.tokens[jobID] = ch
	return ch
}

// Clear drops tracking for a job id. Called once the job reaches a
// terminal state so the registry does not grow without bound.
func (r *Registry) Clear(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, jobID)
}
