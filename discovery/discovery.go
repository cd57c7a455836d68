// File: discovery/discovery.go
// Package discovery is a service-discovery client interface: register
// peers under a domain/service name, query the live set, and subscribe
// to add/remove changes.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on spec.md §6's ZooKeeper-ephemeral-node-backed discovery
// client, reduced to the interface it exposes (spec.md's own
// non-goals put the ZK adapter's internals out of scope); memory.go
// supplies the reference implementation, with the production ZK
// adapter left as a documented future implementor of this interface.
package discovery

import "context"

// Endpoint is one resolvable peer: an address plus the weight its
// registrar advertised.
type Endpoint struct {
	ID     string
	Addr   string
	Weight int
}

// ChangeFunc is invoked when the live endpoint set for (domain,
// service) changes, receiving the full before/after snapshots.
type ChangeFunc func(domain, service string, old, new []Endpoint)

// Watcher is the read side loadbalance.SDLoadBalance consumes: query the
// current set and subscribe to changes.
type Watcher interface {
	Query(ctx context.Context, domain, service string) ([]Endpoint, error)
	Watch(domain, service string, fn ChangeFunc) (cancel func())
}

// Registrar is the write side a server uses to advertise itself.
type Registrar interface {
	Register(ctx context.Context, domain, service string, ep Endpoint) (cancel func(), err error)
}

// Client combines both sides, matching spec.md's single discovery
// client collaborator.
type Client interface {
	Watcher
	Registrar
}
