package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry resolves the opaque handler names stored on job definitions to
// the callables the hosting process registered.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]JobFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]JobFunc{}}
}

func (r *Registry) Register(name string, fn JobFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("handler name is required")
	}
	if fn == nil {
		return fmt.Errorf("handler %q: func is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("handler %q already registered", name)
	}
	r.handlers[name] = fn
	return nil
}

// Resolve returns the handler or nil if the name is unknown.
func (r *Registry) Resolve(name string) JobFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
