// File: session/writer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package session

import (
	"context"

	"github.com/momentics/fiberd/fiber"
)

// writerLoop waits on the send queue (a HOLD/wake cycle rather than a
// real semaphore, since only fiber.Yield suspends cooperatively),
// dequeues everything queued so far under the send lock, and writes
// each SendCtx in order. An encode/write failure means the wire is
// broken, so every still-pending request (including whichever
// SendCtx was mid-flight) fails with ResultIOError rather than
// ResultNotConnected.
func (s *Session) writerLoop(ctx context.Context) {
	for {
		s.sendMu.Lock()
		batch := s.sendQueue
		s.sendQueue = nil
		s.sendMu.Unlock()

		if len(batch) == 0 {
			if s.closed.Load() {
				return
			}
			fiber.Yield(ctx, fiber.HOLD)
			continue
		}

		st := s.currentStream()
		if st == nil {
			continue
		}
		for _, sc := range batch {
			if err := s.codec.EncodeRequest(ctx, st, sc.sn, sc.cmd, sc.body); err != nil {
				s.closeWithResult(ResultIOError)
				return
			}
		}
	}
}
