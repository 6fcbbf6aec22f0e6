package automation

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler executes one task. A non-nil error triggers the retry policy.
type Handler func(ctx context.Context, t *Task) error

// Registration routes a task kind onto a queue with its retry policy.
type Registration struct {
	Kind    string
	Queue   string
	Policy  RetryPolicy
	Handler Handler
}

// Registry resolves task kinds to their registrations at enqueue and
// dispatch time.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Registration)}
}

// Register binds a kind. Re-registering a kind replaces it.
func (r *Registry) Register(reg Registration) error {
	if reg.Kind == "" || reg.Queue == "" || reg.Handler == nil {
		return fmt.Errorf("registration for %q needs kind, queue and handler", reg.Kind)
	}
	if reg.Policy.MaxAttempts <= 0 {
		reg.Policy = DefaultRetryPolicy()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[reg.Kind] = reg
	return nil
}

// Resolve looks a kind up.
func (r *Registry) Resolve(kind string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.kinds[kind]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return reg, nil
}

// Kinds lists registered kinds sorted by name.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
