package fiber

import (
	"fmt"
	"sort"
	"sync"
)

// CallbackRegistry resolves callback names to fiber bodies. Fiber rows
// persist only the name, so the hosting actor must register the same set of
// callbacks before recovery runs.
type CallbackRegistry struct {
	funcs map[string]Func
	mu    sync.RWMutex
}

// NewCallbackRegistry creates an empty callback registry.
func NewCallbackRegistry() *CallbackRegistry {
	return &CallbackRegistry{funcs: make(map[string]Func)}
}

// Register binds a name to a fiber body. Re-registering a name is an error;
// names are part of the persisted contract.
func (r *CallbackRegistry) Register(name string, fn Func) error {
	if name == "" || fn == nil {
		return fmt.Errorf("callback name and function are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.funcs[name]; ok {
		return fmt.Errorf("callback already registered: %s", name)
	}
	r.funcs[name] = fn
	return nil
}

// MustRegister binds a name to a fiber body or panics. Intended for
// registration at application start.
func (r *CallbackRegistry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Resolve looks up a fiber body by name.
func (r *CallbackRegistry) Resolve(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered callback names, sorted.
func (r *CallbackRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
