// File: session/reconnect.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package session

import (
	"context"
	"sync"
	"time"

	"github.com/momentics/fiberd/fiber"
	"github.com/momentics/fiberd/hook"
	"github.com/momentics/fiberd/scheduler"
)

// reconnectBackoff bounds how fast startReconnect retries Dial after a
// failed attempt.
const reconnectBackoff = 500 * time.Millisecond

// startReconnect schedules a fiber that redials, sleeping
// reconnectBackoff after each failed attempt, until a dial succeeds.
// Nothing ends it earlier: there is no "give up" signal, and the fiber
// keeps retrying indefinitely.
func (s *Session) startReconnect() {
	f := fiber.New(func(ctx context.Context) {
		for {
			st, err := s.dial(ctx)
			if err != nil {
				hook.Sleep(ctx, reconnectBackoff)
				continue
			}
			s.streamMu.Lock()
			s.stream = st
			s.streamMu.Unlock()
			s.closed.Store(false)
			s.closeCh = make(chan struct{})
			s.closeOnce = sync.Once{}
			s.startFibers()
			if s.onConnect != nil {
				s.onConnect(s)
			}
			return
		}
	})
	_ = s.ioSched.Schedule(scheduler.FiberTask(f))
}
