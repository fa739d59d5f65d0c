package providers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Registered pairs a provider with its state tracker and descriptor.
type Registered struct {
	Provider   Provider
	Descriptor Descriptor
	State      *StateTracker
}

// Registry is a copy-on-write provider set. Reads load an immutable
// snapshot without locking; mutations take the write lock and swap in a
// fresh map. Exactly one registered provider may hold the primary role.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Value // map[string]*Registered
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snapshot.Store(map[string]*Registered{})
	return r
}

func (r *Registry) load() map[string]*Registered {
	return r.snapshot.Load().(map[string]*Registered)
}

// Register initializes the provider and adds it to the set. It blocks
// until the provider's readiness handshake completes; a provider that
// fails Init is never advertised.
func (r *Registry) Register(ctx context.Context, p Provider, role Role, failThreshold int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.load()
	if _, ok := current[p.Name()]; ok {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	if role == RolePrimary {
		for _, reg := range current {
			if reg.Descriptor.Role == RolePrimary {
				return fmt.Errorf("provider %q already holds the primary role", reg.Provider.Name())
			}
		}
	}

	tracker := NewStateTracker(failThreshold)
	if err := tracker.Transition(StateInitializing); err != nil {
		return err
	}
	if err := p.Init(ctx); err != nil {
		_ = tracker.Transition(StateUninitialized)
		return fmt.Errorf("provider %q init: %w", p.Name(), err)
	}
	if err := tracker.Transition(StateReady); err != nil {
		return err
	}

	next := make(map[string]*Registered, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[p.Name()] = &Registered{
		Provider: p,
		Descriptor: Descriptor{
			Name:      p.Name(),
			Role:      role,
			Enabled:   true,
			Dimension: p.Dimension(),
		},
		State: tracker,
	}
	r.snapshot.Store(next)
	return nil
}

// Get returns a registered provider by name.
func (r *Registry) Get(name string) (*Registered, bool) {
	reg, ok := r.load()[name]
	return reg, ok
}

// Primary returns the provider holding the primary role, if any.
func (r *Registry) Primary() (*Registered, bool) {
	for _, reg := range r.load() {
		if reg.Descriptor.Role == RolePrimary {
			return reg, true
		}
	}
	return nil, false
}

// Secondaries returns all usable non-primary, non-auxiliary providers.
func (r *Registry) Secondaries() []*Registered {
	var out []*Registered
	for _, reg := range r.load() {
		if reg.Descriptor.Role == RoleSecondary && reg.State.Usable() {
			out = append(out, reg)
		}
	}
	return out
}

// Enabled returns all usable providers that serve the query path.
func (r *Registry) Enabled() []*Registered {
	var out []*Registered
	for _, reg := range r.load() {
		if reg.Descriptor.Role == RoleAuxiliary {
			continue
		}
		if reg.Descriptor.Enabled && reg.State.Usable() {
			out = append(out, reg)
		}
	}
	return out
}

// All returns every registered provider.
func (r *Registry) All() []*Registered {
	current := r.load()
	out := make([]*Registered, 0, len(current))
	for _, reg := range current {
		out = append(out, reg)
	}
	return out
}

// Close shuts down every provider and clears the set.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, reg := range r.load() {
		_ = reg.State.Transition(StateShutdown)
		if err := reg.Provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.snapshot.Store(map[string]*Registered{})
	return firstErr
}
