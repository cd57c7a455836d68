// File: loadbalance/loadbalance.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package loadbalance

import "errors"

// ErrNoService is returned by Get when the balancer has no items
// configured at all.
var ErrNoService = errors.New("loadbalance: no service configured")

// ErrNoConnection is returned by Get when every configured item is
// currently invalid (disconnected).
var ErrNoConnection = errors.New("loadbalance: no live connection")

// LoadBalance selects one Item from a live set. v is a caller-supplied
// hint (ignored by RoundRobin, used by Weighted to pick a stable peer
// for a given hash).
type LoadBalance interface {
	Get(v uint64) (*Item, error)
	// Update replaces the full item set and rebuilds whatever index
	// the algorithm precomputes (spec.md's initNolock), under a write
	// lock.
	Update(items []*Item)
}
