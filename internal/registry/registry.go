package registry

import (
	"slices"
	"sync"

	"bluetooth-peer/internal/device"
)

// Registry maps device identities to their handles.
//
// All mutation and iteration happen under a single mutex. Lookups of
// unknown identities report not-found rather than an error.
type Registry struct {
	mu      sync.Mutex
	devices map[device.Identity]*device.Handle
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{devices: make(map[device.Identity]*device.Handle)}
}

// Lookup returns the handle registered under id.
func (r *Registry) Lookup(id device.Identity) (*device.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.devices[id]
	return h, ok
}

// Insert stores h under id. It returns false, leaving the existing entry
// untouched, when id is already present or empty.
func (r *Registry) Insert(id device.Identity, h *device.Handle) bool {
	if !id.Valid() || h == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; ok {
		return false
	}
	r.devices[id] = h
	return true
}

// Remove detaches and returns the handle registered under id.
func (r *Registry) Remove(id device.Identity) (*device.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.devices[id]
	if ok {
		delete(r.devices, id)
	}
	return h, ok
}

// RemoveAll empties the registry and returns every handle it held.
func (r *Registry) RemoveAll() []*device.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*device.Handle, 0, len(r.devices))
	for _, h := range r.devices {
		out = append(out, h)
	}
	clear(r.devices)
	return out
}

// Identities returns a sorted snapshot of registered identities. The lock is
// held only while copying.
func (r *Registry) Identities() []device.Identity {
	r.mu.Lock()
	ids := make([]device.Identity, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}
