package fiber

import (
	"context"
	"sync"
)

// handle is the live execution handle for one fiber attempt chain. Its
// context is the cooperative cancellation signal passed into the body.
type handle struct {
	id       string
	callback string
	ctx      context.Context
	cancel   context.CancelFunc
}

// liveRegistry maps fiber id to live execution handle. It is purely
// in-memory: after any restart it starts empty, which is exactly how the
// recovery protocol tells orphaned rows from genuinely executing ones.
type liveRegistry struct {
	handles map[string]*handle
	mu      sync.RWMutex
}

func newLiveRegistry() *liveRegistry {
	return &liveRegistry{handles: make(map[string]*handle)}
}

func (r *liveRegistry) add(h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h.id] = h
}

func (r *liveRegistry) get(id string) (*handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

func (r *liveRegistry) has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handles[id]
	return ok
}

// remove unregisters the handle, but only if h is still the registered one.
// The boolean result is the finalization token: exactly one caller (body
// completion, cancel, or teardown) wins the right to transition the fiber.
func (r *liveRegistry) remove(id string, h *handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.handles[id]
	if !ok || cur != h {
		return false
	}
	delete(r.handles, id)
	return true
}

// drain empties the registry and returns the removed handles.
func (r *liveRegistry) drain() []*handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	r.handles = make(map[string]*handle)
	return out
}

func (r *liveRegistry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
