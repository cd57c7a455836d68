// File: loadbalance/roundrobin.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package loadbalance

import (
	"sync"
	"sync/atomic"
)

// RoundRobin returns items cyclically by index; the hint v is ignored.
type RoundRobin struct {
	mu    sync.RWMutex
	items []*Item
	idx   atomic.Uint64
}

// NewRoundRobin constructs a RoundRobin over items.
func NewRoundRobin(items []*Item) *RoundRobin {
	rr := &RoundRobin{}
	rr.Update(items)
	return rr
}

func (rr *RoundRobin) Update(items []*Item) {
	rr.mu.Lock()
	rr.items = items
	rr.mu.Unlock()
}

func (rr *RoundRobin) Get(v uint64) (*Item, error) {
	rr.mu.RLock()
	items := rr.items
	rr.mu.RUnlock()

	if len(items) == 0 {
		return nil, ErrNoService
	}
	n := uint64(len(items))
	for i := uint64(0); i < n; i++ {
		idx := (rr.idx.Add(1) - 1) % n
		if it := items[idx]; it.Valid() {
			return it, nil
		}
	}
	return nil, ErrNoConnection
}
