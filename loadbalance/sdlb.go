// File: loadbalance/sdlb.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package loadbalance

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/momentics/fiberd/discovery"
)

func addrID(addr string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(addr))
	return h.Sum64()
}

// Factory builds a Session-owning Item for an endpoint the discovery
// feed has just added. Returning a nil Item or an error drops that
// endpoint from the set (e.g. if dialing it fails outright).
type Factory func(ep discovery.Endpoint) (*Item, error)

// SDLoadBalance subscribes to a discovery.Watcher's change feed and
// keeps an underlying LoadBalance's item set in sync: every change
// event is turned into an add/delete delta, applied under a write
// lock, after which the LoadBalance is told to rebuild its index via
// Update (spec.md's initNolock).
type SDLoadBalance struct {
	lb      LoadBalance
	watcher discovery.Watcher
	factory Factory
	domain  string
	service string

	mu       sync.Mutex
	items    *registry
	addrSeen map[string]bool
	cancel   func()
}

// NewSDLoadBalance queries the current endpoint set, builds one Item
// per endpoint via factory, seeds lb, and subscribes to further
// changes.
func NewSDLoadBalance(ctx context.Context, watcher discovery.Watcher, domain, service string, lb LoadBalance, factory Factory) (*SDLoadBalance, error) {
	s := &SDLoadBalance{
		lb:       lb,
		watcher:  watcher,
		factory:  factory,
		domain:   domain,
		service:  service,
		items:    newRegistry(16),
		addrSeen: make(map[string]bool),
	}

	initial, err := watcher.Query(ctx, domain, service)
	if err != nil {
		return nil, err
	}
	s.applyLocked(nil, initial)

	s.cancel = watcher.Watch(domain, service, func(d, svc string, old, new []discovery.Endpoint) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.applyLocked(old, new)
	})
	return s, nil
}

// applyLocked must be called with s.mu held (or during construction,
// before any watcher callback can race it).
func (s *SDLoadBalance) applyLocked(old, new []discovery.Endpoint) {
	keep := make(map[string]bool, len(new))
	for _, ep := range new {
		keep[ep.Addr] = true
		id := addrID(ep.Addr)
		if _, ok := s.items.get(id); ok {
			continue
		}
		it, err := s.factory(ep)
		if err != nil || it == nil {
			continue
		}
		it.ID = id
		s.items.put(it)
		s.addrSeen[ep.Addr] = true
	}
	for addr := range s.addrSeen {
		if !keep[addr] {
			s.items.delete(addrID(addr))
			delete(s.addrSeen, addr)
		}
	}

	s.lb.Update(s.items.all())
}

// Get delegates to the underlying LoadBalance.
func (s *SDLoadBalance) Get(v uint64) (*Item, error) { return s.lb.Get(v) }

// Close unsubscribes from the discovery feed.
func (s *SDLoadBalance) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}
