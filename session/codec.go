// File: session/codec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package session

import (
	"context"

	"github.com/momentics/fiberd/netstream"
)

// FrameKind classifies a decoded inbound frame.
type FrameKind int

const (
	// FrameResponse carries a Sn correlating it to a pending Ctx.
	FrameResponse FrameKind = iota
	// FrameNotify is fire-and-forget; it carries no correlation.
	FrameNotify
)

// Frame is the wire-independent shape do_recv/do_send exchange.
// Concrete codecs (protocol.RockCodec) translate their own wire
// layout into and out of this shape.
type Frame struct {
	Kind       FrameKind
	Sn         uint64
	Cmd        uint32
	ResultCode int32
	ResultStr  string
	Body       []byte
}

// Codec is the wire-protocol collaborator a Session's reader and
// writer fibers use for do_recv/do_send. Implementations must be safe
// for the reader and writer fibers to use concurrently on the same
// stream (they address disjoint halves — the writer never reads, the
// reader never writes).
type Codec interface {
	// DecodeFrame blocks (suspending the calling fiber via the
	// stream's hook-backed I/O) until one complete frame has been
	// read off conn, or returns an error if the wire is malformed or
	// the peer disconnected.
	DecodeFrame(ctx context.Context, conn *netstream.Stream) (*Frame, error)
	// EncodeRequest writes one REQUEST frame for sn/cmd/body to conn.
	EncodeRequest(ctx context.Context, conn *netstream.Stream, sn uint64, cmd uint32, body []byte) error
}
