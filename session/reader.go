// File: session/reader.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package session

import "context"

// readerLoop decodes one inbound frame at a time via the codec's
// DecodeFrame (which suspends the fiber through netstream/hook across
// EAGAIN, not through fiber.Yield here). RESPONSE frames resolve a
// pending Ctx; NOTIFY frames fan out through pushNotify. A decode
// failure means the wire itself is broken, so every still-pending
// request fails with ResultIOError rather than ResultNotConnected,
// which Close reserves for a session torn down by its owner instead
// of by a bad frame.
func (s *Session) readerLoop(ctx context.Context) {
	for {
		st := s.currentStream()
		if st == nil {
			return
		}
		frame, err := s.codec.DecodeFrame(ctx, st)
		if err != nil {
			s.closeWithResult(ResultIOError)
			return
		}
		switch frame.Kind {
		case FrameResponse:
			s.pendingMu.Lock()
			c, ok := s.pending[frame.Sn]
			if ok {
				delete(s.pending, frame.Sn)
			}
			s.pendingMu.Unlock()
			if ok {
				c.resolve(ResultOK, frame)
			}
		case FrameNotify:
			s.pushNotify(frame)
		}
	}
}
