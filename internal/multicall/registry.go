package multicall

import "sync"

// Registry is the set of calls refreshed on each block. Keys are unique and
// the watch list keeps insertion order.
type Registry struct {
	mu     sync.RWMutex
	active map[string]struct{}
	calls  []registeredCall
}

type registeredCall struct {
	key  string
	call WatchedCall
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]struct{})}
}

// AddCall registers call unless a call with the same key is already present.
func (r *Registry) AddCall(call WatchedCall) error {
	key, err := call.Key()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[key]; ok {
		return nil
	}
	r.active[key] = struct{}{}
	r.calls = append(r.calls, registeredCall{key: key, call: call})
	return nil
}

// RemoveCall drops every entry with the call's key. Absent calls are ignored.
func (r *Registry) RemoveCall(call WatchedCall) error {
	key, err := call.Key()
	if err != nil {
		return err
	}
	r.removeKey(key)
	return nil
}

func (r *Registry) removeKey(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[key]; !ok {
		return
	}
	delete(r.active, key)

	kept := r.calls[:0]
	for _, rc := range r.calls {
		if rc.key != key {
			kept = append(kept, rc)
		}
	}
	for i := len(kept); i < len(r.calls); i++ {
		r.calls[i] = registeredCall{}
	}
	r.calls = kept
}

// CurrentCalls returns a snapshot of the watch list in insertion order.
func (r *Registry) CurrentCalls() []WatchedCall {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]WatchedCall, len(r.calls))
	for i, rc := range r.calls {
		out[i] = rc.call
	}
	return out
}

// Keys returns the keys of the watch list in insertion order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.calls))
	for i, rc := range r.calls {
		out[i] = rc.key
	}
	return out
}

// Has reports whether a call with the same key is registered.
func (r *Registry) Has(call WatchedCall) bool {
	key, err := call.Key()
	if err != nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[key]
	return ok
}

// Len returns the number of registered calls.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Reset removes every call.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = make(map[string]struct{})
	r.calls = nil
}
