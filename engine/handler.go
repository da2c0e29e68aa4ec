package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chimeworks/chime/job"
)

// Handler executes one job type. Jobs route to handlers by job name, so
// the engine stays decoupled from domain logic: handlers decode their own
// payloads and produce their own results.
//
// The context carries the soft time limit as a deadline and is cancelled
// when cancellation is requested for the job. Handlers must observe
// ctx.Done() at their natural checkpoints and return promptly.
type Handler interface {
	// Name returns the job name this handler serves, e.g. "report.build".
	Name() string

	// Execute runs the job body. A nil error with the returned payload
	// completes the job; a non-nil error fails the attempt and the retry
	// policy decides what happens next.
	Execute(ctx context.Context, j *job.Job) (json.RawMessage, error)
}

// funcHandler adapts a plain function to Handler.
type funcHandler struct {
	name string
	fn   func(ctx context.Context, j *job.Job) (json.RawMessage, error)
}

func (h funcHandler) Name() string { return h.name }

func (h funcHandler) Execute(ctx context.Context, j *job.Job) (json.RawMessage, error) {
	return h.fn(ctx, j)
}

// HandlerFunc wraps a function as a named Handler.
func HandlerFunc(name string, fn func(ctx context.Context, j *job.Job) (json.RawMessage, error)) Handler {
	return funcHandler{name: name, fn: fn}
}

// HandlerRegistry manages handlers by job name.
// Thread-safe for concurrent registration and lookup.
type HandlerRegistry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler under its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler already registered for name: %s", name))
	}
	r.handlers[name] = handler
}

// Get retrieves the handler for a job name. Returns nil if none is registered.
func (r *HandlerRegistry) Get(name string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Has checks if a handler is registered for a job name.
func (r *HandlerRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[name]
	return exists
}

// Names returns all registered handler names.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
