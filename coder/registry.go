package coder

import (
	"fmt"
	"reflect"
	"sync"
)

// Registry maps Go types to coders. It is an explicit object rather than
// process-wide state; engines receive the registry they should consult.
// Push/Pop create nested scopes so tests can shadow registrations without
// leaking them.
type Registry struct {
	mu     sync.RWMutex
	scopes []scope
}

type scope struct {
	byType   map[reflect.Type]AnyCoder
	fallback AnyCoder
}

func NewRegistry() *Registry {
	return &Registry{scopes: []scope{{byType: map[reflect.Type]AnyCoder{}}}}
}

// Register binds a coder to a concrete type in the innermost scope.
func (r *Registry) Register(t reflect.Type, c AnyCoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes[len(r.scopes)-1].byType[t] = c
}

// SetFallback installs the coder consulted when no type-specific coder is
// registered. A deterministic fallback satisfies the grouping determinism
// gate even though it accepts anything.
func (r *Registry) SetFallback(c AnyCoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes[len(r.scopes)-1].fallback = c
}

// Lookup finds the coder for t, innermost scope first. It does not consult
// the fallback; see Resolve.
func (r *Registry) Lookup(t reflect.Type) (AnyCoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.scopes) - 1; i >= 0; i-- {
		if c, ok := r.scopes[i].byType[t]; ok {
			return c, true
		}
	}
	return nil, false
}

// Fallback returns the innermost registered fallback coder.
func (r *Registry) Fallback() (AnyCoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.scopes) - 1; i >= 0; i-- {
		if r.scopes[i].fallback != nil {
			return r.scopes[i].fallback, true
		}
	}
	return nil, false
}

// Resolve returns the coder for t, falling back to the fallback coder.
func (r *Registry) Resolve(t reflect.Type) (AnyCoder, bool) {
	if c, ok := r.Lookup(t); ok {
		return c, true
	}
	return r.Fallback()
}

// Push opens a new registration scope.
func (r *Registry) Push() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes = append(r.scopes, scope{byType: map[reflect.Type]AnyCoder{}})
}

// Pop discards the innermost scope and everything registered in it.
// Popping the root scope panics; it indicates unbalanced Push/Pop calls.
func (r *Registry) Pop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.scopes) == 1 {
		panic("coder: Pop without matching Push")
	}
	r.scopes = r.scopes[:len(r.scopes)-1]
}

// RegisterFor registers a typed coder for T.
func RegisterFor[T any](r *Registry, c Coder[T]) {
	r.Register(reflect.TypeOf((*T)(nil)).Elem(), Untyped(c))
}

// For resolves a Coder[T] from the registry, consulting the fallback when
// no specific coder is registered.
func For[T any](r *Registry) (Coder[T], error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	c, ok := r.Resolve(t)
	if !ok {
		return nil, fmt.Errorf("coder: no coder registered for %v and no fallback installed", t)
	}
	return Typed[T](c), nil
}

// TypeOf is a convenience for callers registering coders by type parameter.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
