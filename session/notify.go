// File: session/notify.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package session

import (
	"context"

	"github.com/momentics/fiberd/fiber"
)

// pushNotify enqueues f onto the bounded notify channel, dropping the
// oldest queued notify if it is full. This is the documented
// resolution to the unbounded notify fan-out spec.md flags: a
// pathological peer can still flood NOTIFY frames, but the session's
// own memory use stays bounded at NotifyQueueCapacity regardless of
// how slowly onNotify drains them.
func (s *Session) pushNotify(f *Frame) {
	select {
	case s.notifyCh <- f:
	default:
		select {
		case <-s.notifyCh:
		default:
		}
		select {
		case s.notifyCh <- f:
		default:
		}
	}
	safeWake(s.reqSched, s.notifyFiber)
}

// notifyLoop drains notifyCh on the request worker, dispatching each
// frame to onNotify. With no OnNotify handler it returns at once and
// leaves notifyCh to callers of Notify. It parks via fiber.Yield rather
// than a blocking channel receive so it never stalls the worker thread
// it shares with other fibers.
func (s *Session) notifyLoop(ctx context.Context) {
	if s.onNotify == nil {
		return
	}
	for {
		select {
		case f := <-s.notifyCh:
			if s.onNotify != nil {
				s.onNotify(ctx, f)
			}
			continue
		default:
		}
		if s.closed.Load() {
			select {
			case f := <-s.notifyCh:
				if s.onNotify != nil {
					s.onNotify(ctx, f)
				}
				continue
			default:
				return
			}
		}
		fiber.Yield(ctx, fiber.HOLD)
	}
}
