// File: protocol/wsframe.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package protocol

import "github.com/momentics/fiberd/bufpool"

// WebSocketFrame is a pool-backed text frame builder used by callers
// that just want to send one short text payload without going through
// the full WSConnection machinery.
type WebSocketFrame struct {
	Header  []byte
	Payload []byte
	PoolRef *bufpool.BytePool
}

// NewWebSocketFrame builds a single-fragment text frame around the
// caller's payload. It takes nothing from pool; pool is where Release
// later returns payload.
func NewWebSocketFrame(pool *bufpool.BytePool, payload []byte) *WebSocketFrame {
	frame := &WebSocketFrame{
		Header:  make([]byte, 2),
		Payload: payload,
		PoolRef: pool,
	}
	frame.Header[0] = FinBit | OpcodeText
	frame.Header[1] = byte(len(payload))
	return frame
}

// Release returns the payload to its originating pool.
func (f *WebSocketFrame) Release() {
	if f.PoolRef != nil && f.Payload != nil {
		f.PoolRef.Put(f.Payload)
		f.Payload = nil
	}
}
