package session

import (
	"sync"
)

type padEntry struct {
	// commitMu serializes store commits and cursor opening for the pad.
	commitMu sync.Mutex

	mu        sync.RWMutex
	listeners map[*Session]struct{}

	// refs counts listeners plus in-flight Serialize calls. Guarded by
	// Registry.mu.
	refs int
}

// Registry maps pad ids to the sessions bound to them. Each pad has its own
// locks so unrelated pads never contend.
type Registry struct {
	mu   sync.RWMutex
	pads map[string]*padEntry
}

func NewRegistry() *Registry {
	return &Registry{
		pads: make(map[string]*padEntry),
	}
}

func (r *Registry) acquire(padID string) *padEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pads[padID]
	if !ok {
		e = &padEntry{listeners: make(map[*Session]struct{})}
		r.pads[padID] = e
	}
	e.refs++
	return e
}

func (r *Registry) release(padID string, e *padEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs <= 0 && r.pads[padID] == e {
		delete(r.pads, padID)
	}
}

func (r *Registry) entry(padID string) *padEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pads[padID]
}

// Add registers s as a listener of padID. Adding the same session twice is
// a no-op.
func (r *Registry) Add(padID string, s *Session) {
	e := r.acquire(padID)
	e.mu.Lock()
	_, dup := e.listeners[s]
	e.listeners[s] = struct{}{}
	e.mu.Unlock()
	if dup {
		r.release(padID, e)
	}
}

// Remove deregisters s. It reports whether s was registered.
func (r *Registry) Remove(padID string, s *Session) bool {
	e := r.entry(padID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	_, ok := e.listeners[s]
	delete(e.listeners, s)
	e.mu.Unlock()
	if ok {
		r.release(padID, e)
	}
	return ok
}

// Snapshot returns the current listeners of padID. The slice is owned by
// the caller.
func (r *Registry) Snapshot(padID string) []*Session {
	e := r.entry(padID)
	if e == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Session, 0, len(e.listeners))
	for s := range e.listeners {
		out = append(out, s)
	}
	return out
}

// Serialize runs fn while holding the commit lock of padID. Mutations that
// commit and fan out inside Serialize are broadcast in commit order.
func (r *Registry) Serialize(padID string, fn func()) {
	e := r.acquire(padID)
	defer r.release(padID, e)
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	fn()
}

// Count returns the number of listeners of padID.
func (r *Registry) Count(padID string) int {
	e := r.entry(padID)
	if e == nil {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}

// Pads returns the number of pads with at least one listener or in-flight
// mutation.
func (r *Registry) Pads() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pads)
}

// Sessions returns the total number of registered listeners.
func (r *Registry) Sessions() int {
	r.mu.RLock()
	entries := make([]*padEntry, 0, len(r.pads))
	for _, e := range r.pads {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	n := 0
	for _, e := range entries {
		e.mu.RLock()
		n += len(e.listeners)
		e.mu.RUnlock()
	}
	return n
}
