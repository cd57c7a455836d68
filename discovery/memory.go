// File: discovery/memory.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package discovery

import (
	"context"
	"sync"
)

type serviceKey struct {
	domain, service string
}

// Memory is an in-process reference Client, useful for tests and for
// single-binary deployments that don't need an external coordination
// service.
type Memory struct {
	mu        sync.RWMutex
	endpoints map[serviceKey]map[string]Endpoint
	watchers  map[serviceKey][]watcherEntry
	nextID    int
}

type watcherEntry struct {
	id int
	fn ChangeFunc
}

// NewMemory constructs an empty Memory client.
func NewMemory() *Memory {
	return &Memory{
		endpoints: make(map[serviceKey]map[string]Endpoint),
		watchers:  make(map[serviceKey][]watcherEntry),
	}
}

func (m *Memory) snapshotLocked(k serviceKey) []Endpoint {
	out := make([]Endpoint, 0, len(m.endpoints[k]))
	for _, ep := range m.endpoints[k] {
		out = append(out, ep)
	}
	return out
}

// Register adds ep to (domain, service)'s live set and notifies
// watchers. The returned cancel removes it again (the "ephemeral
// node" analogue: losing the registrant's session should call cancel,
// though Memory has no session concept of its own).
func (m *Memory) Register(ctx context.Context, domain, service string, ep Endpoint) (func(), error) {
	k := serviceKey{domain, service}
	m.mu.Lock()
	if m.endpoints[k] == nil {
		m.endpoints[k] = make(map[string]Endpoint)
	}
	old := m.snapshotLocked(k)
	m.endpoints[k][ep.ID] = ep
	new := m.snapshotLocked(k)
	watchers := append([]watcherEntry{}, m.watchers[k]...)
	m.mu.Unlock()

	for _, w := range watchers {
		w.fn(domain, service, old, new)
	}

	cancel := func() {
		m.mu.Lock()
		old := m.snapshotLocked(k)
		delete(m.endpoints[k], ep.ID)
		new := m.snapshotLocked(k)
		watchers := append([]watcherEntry{}, m.watchers[k]...)
		m.mu.Unlock()
		for _, w := range watchers {
			w.fn(domain, service, old, new)
		}
	}
	return cancel, nil
}

// Query returns the current live set for (domain, service).
func (m *Memory) Query(ctx context.Context, domain, service string) ([]Endpoint, error) {
	k := serviceKey{domain, service}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(k), nil
}

// Watch registers fn for future changes to (domain, service). The
// returned cancel unregisters it.
func (m *Memory) Watch(domain, service string, fn ChangeFunc) func() {
	k := serviceKey{domain, service}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[k] = append(m.watchers[k], watcherEntry{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		entries := m.watchers[k]
		for i, w := range entries {
			if w.id == id {
				m.watchers[k] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}
