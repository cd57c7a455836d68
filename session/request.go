// File: session/request.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package session

import (
	"context"
	"errors"

	"github.com/momentics/fiberd/fiber"
	"github.com/momentics/fiberd/scheduler"
)

// ErrTimeout is returned by Request when no response arrived before
// its deadline.
var ErrTimeout = errors.New("session: request timed out")

// ErrIOError is returned by Request when the session's stream failed
// while the request was outstanding.
var ErrIOError = errors.New("session: i/o error")

// Request allocates a monotonic sequence number, enqueues a REQUEST
// frame for cmd/body, and suspends the calling fiber until a matching
// RESPONSE arrives, the session closes, or timeoutMs elapses (0 means
// no deadline). It must be called from inside a fiber running on a
// scheduler, exactly as spec.md describes its suspension point.
func (s *Session) Request(ctx context.Context, cmd uint32, body []byte, timeoutMs int64) (*Frame, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	f, ok := fiber.Current(ctx)
	if !ok {
		panic("session: Request called outside a fiber")
	}
	sched, ok := scheduler.Current(ctx)
	if !ok {
		panic("session: Request called outside a scheduler")
	}

	sn := s.sn.Add(1)
	c := newCtx(sn, timeoutMs, sched, f)

	s.pendingMu.Lock()
	s.pending[sn] = c
	s.pendingMu.Unlock()

	if timeoutMs > 0 {
		c.th = s.timers.AddTimer(timeoutMs, func() {
			s.pendingMu.Lock()
			delete(s.pending, sn)
			s.pendingMu.Unlock()
			c.resolve(ResultTimeout, nil)
		}, false)
	}

	s.enqueueSend(&SendCtx{sn: sn, cmd: cmd, body: body})

	fiber.Yield(ctx, fiber.HOLD)

	switch c.result {
	case ResultOK:
		return c.response, nil
	case ResultTimeout:
		return nil, ErrTimeout
	case ResultNotConnected:
		return nil, ErrNotConnected
	default:
		return nil, ErrIOError
	}
}

func (s *Session) enqueueSend(sc *SendCtx) {
	s.sendMu.Lock()
	s.sendQueue = append(s.sendQueue, sc)
	s.sendMu.Unlock()
	safeWake(s.ioSched, s.writerFiber)
}
