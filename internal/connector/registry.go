package connector

import (
	"github.com/rotisserie/eris"
)

// Registry maps step names to their handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates a registry from the given handlers.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Name()] = h
	}
	return r
}

// Register adds or replaces a handler.
func (r *Registry) Register(h Handler) {
	r.handlers[h.Name()] = h
}

// Get returns the handler for the named step.
func (r *Registry) Get(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, eris.Errorf("connector: no handler registered for step %q", name)
	}
	return h, nil
}
