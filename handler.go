package relay

import (
	"context"
	"sort"
	"sync"
)

// Handler executes one run type. Implementations live in the handlers
// package; each reads typed input from tc.Run.Input, records steps through
// tc.Step, and shapes result/artifacts on tc. Returning an error means the
// handler itself crashed; handler-level task failures are expressed through
// the envelope (ok=false) instead.
type Handler interface {
	// Type is the run type this handler executes (for example "research_report").
	Type() string
	// Run executes the task against the accumulated context.
	Run(ctx context.Context, tc *TaskContext) error
}

// HandlerRegistry maps run types to handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[string]Handler{}}
}

// Register adds h, replacing any handler already registered for its type.
func (r *HandlerRegistry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
}

// Lookup returns the handler for runType.
func (r *HandlerRegistry) Lookup(runType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[runType]
	return h, ok
}

// Types returns the registered run types, sorted.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
