package stream

import (
	"sort"
	"sync"

	"tradewire/internal/domain"
)

// Subscription is the desired key and field set for one service.
type Subscription struct {
	Service domain.Service
	Keys    []string
	Fields  []string
}

// Registry holds the desired subscription state independently of any
// connection. It survives reconnects and Stop/Start cycles; the session
// replays a snapshot after every successful login.
type Registry struct {
	mu   sync.Mutex
	subs map[domain.Service]*regEntry
}

type regEntry struct {
	keys   map[string]struct{}
	fields map[string]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[domain.Service]*regEntry)}
}

// Add merges keys and fields into the service's entry. added lists the keys
// that were not already present, grew reports whether the field set gained
// members, and existed whether the service had an entry before the call.
// Re-adding an existing key or field is a no-op for that key or field.
func (r *Registry) Add(service domain.Service, keys, fields []string) (added []string, grew, existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, existed := r.subs[service]
	if !existed {
		e = &regEntry{keys: make(map[string]struct{}), fields: make(map[string]struct{})}
		r.subs[service] = e
	}
	for _, k := range keys {
		if _, ok := e.keys[k]; ok {
			continue
		}
		e.keys[k] = struct{}{}
		added = append(added, k)
	}
	for _, f := range fields {
		if _, ok := e.fields[f]; ok {
			continue
		}
		e.fields[f] = struct{}{}
		grew = true
	}
	sort.Strings(added)
	return added, grew, existed
}

// Remove deletes keys from the service's entry and returns the keys that
// were actually present. When the last key is removed the entry itself is
// dropped. Entries created with no keys (account streams) are untouched by
// Remove calls naming keys they never held.
func (r *Registry) Remove(service domain.Service, keys []string) (removed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.subs[service]
	if !ok {
		return nil
	}
	for _, k := range keys {
		if _, ok := e.keys[k]; !ok {
			continue
		}
		delete(e.keys, k)
		removed = append(removed, k)
	}
	if len(removed) > 0 && len(e.keys) == 0 {
		delete(r.subs, service)
	}
	sort.Strings(removed)
	return removed
}

// Drop removes the service's entry entirely.
func (r *Registry) Drop(service domain.Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, service)
}

// Get returns the current subscription for a service, keys and fields
// sorted.
func (r *Registry) Get(service domain.Service) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.subs[service]
	if !ok {
		return Subscription{}, false
	}
	return snapshotEntry(service, e), true
}

// Snapshot returns all subscriptions sorted by service name. The result is
// a deep copy; the replay loop iterates it without holding the lock.
func (r *Registry) Snapshot() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Subscription, 0, len(r.subs))
	for svc, e := range r.subs {
		out = append(out, snapshotEntry(svc, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

func snapshotEntry(svc domain.Service, e *regEntry) Subscription {
	sub := Subscription{
		Service: svc,
		Keys:    make([]string, 0, len(e.keys)),
		Fields:  make([]string, 0, len(e.fields)),
	}
	for k := range e.keys {
		sub.Keys = append(sub.Keys, k)
	}
	for f := range e.fields {
		sub.Fields = append(sub.Fields, f)
	}
	sort.Strings(sub.Keys)
	sort.Strings(sub.Fields)
	return sub
}
