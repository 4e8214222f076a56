// Package actions binds rule names to handler capabilities and runs them
// off the dispatch path, so slow actions never stall frame polling.
package actions

import (
	"fmt"
	"sort"

	"hpboard-controller/internal/models"
)

// Handler is a capability invoked when a frame matches the rule it is
// registered under. Handlers run on the command queue worker, not on the
// listener goroutine, and should still avoid unbounded blocking.
type Handler func(frame models.Frame)

// Registry is the name-to-capability table, assembled at startup and
// read-only afterwards.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a rule name. Duplicate registration is a
// configuration error.
func (r *Registry) Register(name string, h Handler) error {
	if h == nil {
		return fmt.Errorf("handler for %q is nil", name)
	}
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("handler for %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Lookup returns the handler bound to name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered rule names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
