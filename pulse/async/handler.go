package async

import (
	"context"
	"sync"

	"github.com/looperhq/looper/errors"
)

// JobHandler executes one job type. Domain packages implement this and
// register with a HandlerRegistry, keeping the queue decoupled from domain
// logic.
//
// Handlers must be idempotent: the queue delivers at least once, and failed
// jobs are re-queued. They should also check ctx.Done() in long loops and
// return ctx.Err() so shutdown re-queues cleanly.
type JobHandler interface {
	// Execute runs the job: decode job.Payload, do the work, return nil on
	// success.
	Execute(ctx context.Context, job *Job) error

	// Name returns the handler name jobs are routed by
	// (e.g. "stats.recompute-scan").
	Name() string
}

// HandlerRegistry maps handler names to handlers. Safe for concurrent use.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]JobHandler
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]JobHandler)}
}

// Register adds a handler under its name. Registering the same name twice
// is a programming error and panics.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic("handler already registered: " + name)
	}
	r.handlers[name] = handler
}

// Get retrieves the handler for a name, or nil.
func (r *HandlerRegistry) Get(name string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Has checks if a handler is registered for a name.
func (r *HandlerRegistry) Has(name string) bool {
	return r.Get(name) != nil
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

// Execute dispatches a job to its registered handler.
func (r *HandlerRegistry) Execute(ctx context.Context, job *Job) error {
	if job.HandlerName == "" {
		return errors.NewInvalidf("job %s missing handler name", job.ID)
	}
	handler := r.Get(job.HandlerName)
	if handler == nil {
		return errors.Newf("no handler registered for %q", job.HandlerName)
	}
	return handler.Execute(ctx, job)
}
