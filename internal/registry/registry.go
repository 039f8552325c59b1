// Package registry is the named, reference-counted index of every
// long-lived object in a running instance: VMs, NIOs, switches, cards.
// It is grounded on dynamips's registry.c, reworked from the original's
// two intrusive hash chains (by name, by type) into Go maps guarded by a
// single recursive-in-spirit mutex (Go has no recursive mutex, so entry
// points take the lock once and private helpers assume it is held).
package registry

import (
	"fmt"
	"sync"
)

// Type tags the kind of object stored. Each type has its own name space:
// two objects of different types may share a name.
type Type string

const (
	TypeVM      Type = "vm"
	TypeNIO     Type = "nio"
	TypeFRSW    Type = "frsw"
	TypeETHSW   Type = "ethsw"
	TypeBridge  Type = "bridge"
	TypeCard    Type = "card"
)

// entry is one registered object.
type entry struct {
	name string
	typ  Type
	data interface{}
	refs int
}

// Registry is the process-wide object index. It is an explicitly
// constructed singleton: callers hold a *Registry rather than reaching
// for package-level state.
type Registry struct {
	mu      sync.Mutex
	byName  map[Type]map[string]*entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{byName: make(map[Type]map[string]*entry)}
}

func (r *Registry) bucket(t Type) map[string]*entry {
	b, ok := r.byName[t]
	if !ok {
		b = make(map[string]*entry)
		r.byName[t] = b
	}
	return b
}

// Add registers a new object. It fails if an object of the same type and
// name already exists. The new entry starts with a reference count of 1,
// representing the caller's own handle.
func (r *Registry) Add(t Type, name string, data interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.bucket(t)
	if _, exists := b[name]; exists {
		return fmt.Errorf("registry: %s %q already exists", t, name)
	}

	b[name] = &entry{name: name, typ: t, data: data, refs: 1}
	return nil
}

// Find looks up an object by type and name, incrementing its reference
// count on success.
func (r *Registry) Find(t Type, name string) (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.bucket(t)[name]
	if !ok {
		return nil, fmt.Errorf("registry: %s %q not found", t, name)
	}
	e.refs++
	return e.data, nil
}

// Exists reports whether an object is registered, without touching its
// reference count.
func (r *Registry) Exists(t Type, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.bucket(t)[name]
	return ok
}

// Unref releases one reference. It is an error to unref an object whose
// count is already zero: that indicates a double-release bug in the
// caller, not a normal runtime condition.
func (r *Registry) Unref(t Type, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.bucket(t)
	e, ok := b[name]
	if !ok {
		return fmt.Errorf("registry: unref of unknown %s %q", t, name)
	}
	if e.refs <= 0 {
		return fmt.Errorf("registry: refcount underflow on %s %q", t, name)
	}

	e.refs--
	return nil
}

// Delete removes an entry unconditionally. The caller must have already
// established (typically via DeleteIfUnused) that no other holder
// depends on the object still being registered.
func (r *Registry) Delete(t Type, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.bucket(t)
	if _, ok := b[name]; !ok {
		return fmt.Errorf("registry: delete of unknown %s %q", t, name)
	}
	delete(b, name)
	return nil
}

// DeleteIfUnused removes the entry only if its reference count is zero,
// running cleanup (if non-nil) while still holding the lock so no other
// goroutine can re-Find the object in between the check and the removal.
func (r *Registry) DeleteIfUnused(t Type, name string, cleanup func(data interface{})) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.bucket(t)
	e, ok := b[name]
	if !ok {
		return false, fmt.Errorf("registry: %s %q not found", t, name)
	}
	if e.refs > 0 {
		return false, nil
	}

	delete(b, name)
	if cleanup != nil {
		cleanup(e.data)
	}
	return true, nil
}

// ForeachType calls fn for every object registered under t. fn is called
// while the lock is held; it must not re-enter the registry.
func (r *Registry) ForeachType(t Type, fn func(name string, data interface{})) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, e := range r.bucket(t) {
		fn(name, e.data)
	}
}

// DeleteType removes every object of the given type, invoking cleanup
// (if non-nil) for each one regardless of refcount. Used during process
// teardown.
func (r *Registry) DeleteType(t Type, cleanup func(name string, data interface{})) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.bucket(t)
	for name, e := range b {
		if cleanup != nil {
			cleanup(name, e.data)
		}
		delete(b, name)
	}
}
