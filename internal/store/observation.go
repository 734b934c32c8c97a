package store

import "sync"

// Observation is a live interest in one cached read.
type Observation struct {
	store   *Store
	slot    *slot
	changes chan struct{}
	once    sync.Once
	closed  bool
}

// Value returns the current value and whether it has loaded.
func (o *Observation) Value() (interface{}, bool) {
	g := o.store.graph
	g.mu.RLock()
	defer g.mu.RUnlock()
	return o.slot.value, o.slot.loaded
}

// Changes signals after the value changes. Signals coalesce, so read Value
// after each one. The channel closes when the observation ends.
func (o *Observation) Changes() <-chan struct{} {
	return o.changes
}

// Method returns the observed method name.
func (o *Observation) Method() string {
	return o.slot.method
}

// ParamKey returns the serialized parameters of the observed read.
func (o *Observation) ParamKey() string {
	return o.slot.paramKey
}

// Release ends the observation. It is safe to call more than once.
func (o *Observation) Release() {
	o.once.Do(func() {
		s := o.store
		g := s.graph
		g.mu.Lock()
		defer g.mu.Unlock()

		if o.closed {
			// the entity was removed
			return
		}
		o.closeLocked()
		sl := o.slot
		delete(sl.subscribers, o)
		sl.observers--
		g.observers--
		if sl.observers == 0 {
			s.evictLocked(slotKey(sl.method, sl.paramKey), sl)
		}
		g.updateGaugesLocked()
	})
}

// notify is called with the graph lock held.
func (o *Observation) notify() {
	if o.closed {
		return
	}
	select {
	case o.changes <- struct{}{}:
	default:
	}
}

// closeLocked is called with the graph lock held.
func (o *Observation) closeLocked() {
	if o.closed {
		return
	}
	o.closed = true
	close(o.changes)
}
