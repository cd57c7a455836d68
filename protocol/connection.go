// File: protocol/connection.go
// Package protocol implements the core WebSocket connection handling.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WSConnection encapsulates a full-duplex WebSocket session. Reworked
// from a goroutine-pair over api.Transport to a fiber pair over
// netstream.Stream: the receive loop suspends on hook-backed reads
// (see netstream.Stream.Read), and the send loop uses the same
// non-blocking-drain-then-Yield(HOLD) pattern session's writer fiber
// uses, since draining a Go channel from inside a fiber entry would
// otherwise stall the worker thread driving it.
//
// The frame codec lives here rather than in a standalone file since
// decodeFrame/encodeFrame have exactly one non-test caller each
// (recvLoop and writeFrame below), writeFrame is called only from sendLoop and
// handleControl, and none of them is public API of this package.

package protocol

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/momentics/fiberd/fiber"
	"github.com/momentics/fiberd/netstream"
	"github.com/momentics/fiberd/scheduler"
)

// ErrConnectionClosed is returned by SendFrame once the connection has
// been closed.
var ErrConnectionClosed = errors.New("protocol: websocket connection closed")

// MaxFramePayload bounds a single frame's payload, guarding against a
// peer claiming an unbounded length and exhausting memory before the
// rest of the frame ever arrives.
const MaxFramePayload = 1 << 20 // 1 MiB

// WSFrame is a decoded WebSocket frame.
type WSFrame struct {
	IsFinal    bool
	Opcode     byte
	Masked     bool
	PayloadLen int64
	MaskKey    [4]byte
	Payload    []byte
}

// decodeFrame reads one WebSocket frame header and payload from r,
// rejecting anything over MaxFramePayload before allocating a buffer
// for it.
func decodeFrame(r io.Reader) (*WSFrame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	isFin := hdr[0]&FinBit != 0
	opcode := hdr[0] & 0x0F
	isMasked := hdr[1]&MaskBit != 0
	payloadLen := int64(hdr[1] & 0x7F)

	switch payloadLen {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		payloadLen = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		payloadLen = int64(binary.BigEndian.Uint64(ext[:]))
	}
	if payloadLen > MaxFramePayload {
		return nil, fmt.Errorf("protocol: frame payload %d exceeds max %d", payloadLen, MaxFramePayload)
	}

	var maskKey [4]byte
	if isMasked {
		if _, err := io.ReadFull(r, maskKey[:]); err != nil {
			return nil, err
		}
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	if isMasked {
		unmaskInPlace(payload, maskKey)
	}

	return &WSFrame{
		IsFinal:    isFin,
		Opcode:     opcode,
		Masked:     isMasked,
		PayloadLen: payloadLen,
		MaskKey:    maskKey,
		Payload:    payload,
	}, nil
}

// encodeFrame serializes f into a freshly allocated buffer. When mask
// is true the mask key is drawn from crypto/rand per RFC6455 §5.3,
// which requires an unpredictable key so intermediaries cannot rely on
// frame boundaries aligning with prior traffic.
func encodeFrame(f *WSFrame, mask bool) ([]byte, error) {
	if f.PayloadLen > MaxFramePayload {
		return nil, fmt.Errorf("protocol: frame payload %d exceeds max %d", f.PayloadLen, MaxFramePayload)
	}

	var b0 byte
	if f.IsFinal {
		b0 = FinBit
	}
	b0 |= f.Opcode & 0x0F

	plen := int(f.PayloadLen)
	var hdr [10]byte
	var header []byte

	switch {
	case plen <= 125:
		header = hdr[:2]
		header[0] = b0
		header[1] = byte(plen)
	case plen <= 0xFFFF:
		header = hdr[:4]
		header[0] = b0
		header[1] = 126
		binary.BigEndian.PutUint16(header[2:], uint16(plen))
	default:
		header = hdr[:10]
		header[0] = b0
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(plen))
	}
	if mask {
		header[1] |= MaskBit
	}

	dst := append([]byte(nil), header...)
	if !mask {
		dst = append(dst, f.Payload...)
		return dst, nil
	}

	var maskKey [4]byte
	if _, err := rand.Read(maskKey[:]); err != nil {
		return nil, fmt.Errorf("protocol: generating mask key: %w", err)
	}
	dst = append(dst, maskKey[:]...)
	start := len(dst)
	dst = append(dst, f.Payload...)
	for i := 0; i < plen; i++ {
		dst[start+i] ^= maskKey[i%4]
	}
	return dst, nil
}

// unmaskInPlace XORs buf with key per RFC6455 §5.3's masking
// algorithm.
func unmaskInPlace(buf []byte, key [4]byte) {
	for i := range buf {
		buf[i] ^= key[i%4]
	}
}

// WSConnection encapsulates a full-duplex WebSocket session.
type WSConnection struct {
	conn *netstream.Stream
	path string

	inbox  chan *WSFrame
	outbox chan *WSFrame

	mu      sync.RWMutex
	handler func(*WSFrame)

	sendMu    sync.Mutex
	sendFiber *fiber.Fiber
	sched     *scheduler.Scheduler

	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	bytesReceived  int64
	bytesSent      int64
	framesReceived int64
	framesSent     int64
}

// NewWSConnection constructs a WSConnection with the given channel
// capacity for its inbox/outbox queues.
func NewWSConnection(conn *netstream.Stream, channelSize int) *WSConnection {
	return &WSConnection{
		conn:   conn,
		inbox:  make(chan *WSFrame, channelSize),
		outbox: make(chan *WSFrame, channelSize),
		done:   make(chan struct{}),
	}
}

// Path returns the original request path for routing purposes.
func (c *WSConnection) Path() string { return c.path }

// SetPath records the request path this connection was upgraded from.
func (c *WSConnection) SetPath(p string) { c.path = p }

// SetHandler registers a callback invoked with every data frame
// (non-control) the recv loop decodes.
func (c *WSConnection) SetHandler(h func(*WSFrame)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Inbox returns the channel carrying decoded data frames, for callers
// that prefer to pull rather than register a handler.
func (c *WSConnection) Inbox() <-chan *WSFrame { return c.inbox }

// Done returns a channel closed once the connection has shut down.
func (c *WSConnection) Done() <-chan struct{} { return c.done }

// Start launches the recv and send fibers onto sched.
func (c *WSConnection) Start(sched *scheduler.Scheduler) {
	c.sched = sched
	c.sendFiber = fiber.New(c.sendLoop)
	_ = sched.Schedule(scheduler.FiberTask(fiber.New(c.recvLoop)))
	_ = sched.Schedule(scheduler.FiberTask(c.sendFiber))
}

// SendFrame enqueues frame for outbound transmission and wakes the
// send fiber if it is parked waiting for work.
func (c *WSConnection) SendFrame(frame *WSFrame) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case c.outbox <- frame:
	case <-c.done:
		return ErrConnectionClosed
	}
	c.wakeSender()
	return nil
}

// wakeSender schedules the send fiber unconditionally rather than
// gating on f.State() == fiber.HOLD: that check races sendLoop's own
// drain-then-Yield sequence (a concurrent SendFrame can observe EXEC a
// moment before sendLoop actually parks, and then never retry),
// stranding the just-queued frame until some later SendFrame happens
// to catch HOLD. The scheduler's Worker.pick skips a queued task whose
// fiber is still EXEC without dropping it, and drops one whose fiber
// already went TERM/EXCEPT, so scheduling blindly here cannot panic
// Resume and cannot lose the wakeup.
func (c *WSConnection) wakeSender() {
	c.sendMu.Lock()
	f, sched := c.sendFiber, c.sched
	c.sendMu.Unlock()
	if f != nil && sched != nil {
		_ = sched.Schedule(scheduler.FiberTask(f))
	}
}

// Close initiates shutdown: signals loops and closes the stream.
func (c *WSConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.conn.Close()
		c.wakeSender()
	})
	return err
}

// recvLoop reads frames off conn until Close or a decode error,
// handling control frames inline and dispatching data frames to the
// inbox channel and registered handler.
func (c *WSConnection) recvLoop(ctx context.Context) {
	defer c.Close()
	for {
		frame, err := decodeFrame(ctxReader{ctx: ctx, s: c.conn})
		if err != nil {
			return
		}
		atomic.AddInt64(&c.framesReceived, 1)
		atomic.AddInt64(&c.bytesReceived, frame.PayloadLen)

		if c.handleControl(ctx, frame) {
			continue
		}

		c.mu.RLock()
		h := c.handler
		c.mu.RUnlock()
		if h != nil {
			h(frame)
		}

		select {
		case c.inbox <- frame:
		case <-c.done:
			return
		default:
			// Inbox full and nobody draining it: drop the oldest
			// queued frame rather than block the recv fiber.
			select {
			case <-c.inbox:
			default:
			}
			select {
			case c.inbox <- frame:
			default:
			}
		}
	}
}

// sendLoop drains outbox, writing each queued frame to conn. When
// empty it yields rather than blocking on a channel receive, per this
// package's fiber-safety note above.
func (c *WSConnection) sendLoop(ctx context.Context) {
	for {
		select {
		case frame := <-c.outbox:
			if err := c.writeFrame(ctx, frame); err != nil {
				c.Close()
				return
			}
			continue
		default:
		}
		if c.closed.Load() {
			return
		}
		fiber.Yield(ctx, fiber.HOLD)
	}
}

func (c *WSConnection) writeFrame(ctx context.Context, frame *WSFrame) error {
	data, err := encodeFrame(frame, frame.Masked)
	if err != nil {
		return err
	}
	if err := c.conn.WriteExact(ctx, data); err != nil {
		return err
	}
	atomic.AddInt64(&c.framesSent, 1)
	atomic.AddInt64(&c.bytesSent, frame.PayloadLen)
	return nil
}

// handleControl processes ping, pong, and close control frames per
// RFC6455. Returns true if the frame was a control frame that has
// been handled and should not reach the application.
func (c *WSConnection) handleControl(ctx context.Context, frame *WSFrame) bool {
	switch frame.Opcode {
	case OpcodePing:
		pong := &WSFrame{IsFinal: true, Opcode: OpcodePong, PayloadLen: frame.PayloadLen, Payload: frame.Payload}
		_ = c.writeFrame(ctx, pong)
		return true
	case OpcodePong:
		return true
	case OpcodeClose:
		_ = c.writeFrame(ctx, frame)
		c.Close()
		return true
	default:
		return false
	}
}

// Stats returns a snapshot of connection statistics for metrics
// reporting.
func (c *WSConnection) Stats() map[string]int64 {
	return map[string]int64{
		"bytes_received":  atomic.LoadInt64(&c.bytesReceived),
		"bytes_sent":      atomic.LoadInt64(&c.bytesSent),
		"frames_received": atomic.LoadInt64(&c.framesReceived),
		"frames_sent":     atomic.LoadInt64(&c.framesSent),
	}
}
