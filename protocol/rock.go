// File: protocol/rock.go
// Package protocol's Rock codec implements a length-prefixed RPC wire
// format carrying REQUEST/RESPONSE/NOTIFY messages with a correlation
// sequence number, a command id, and an optional result code/string.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on original_source/Sylar/rock: RockRequest/RockResponse
// carry sn, cmd, and a body (see tests/test_rock.cc's
// req->setSn/setCmd/setBody and rsp->response->toString() shape);
// RockServer::handleClient is the server-side inbound counterpart this
// file's DecodeRequest/EncodeResponse/EncodeNotify serve. Reworked
// from the original's length-prefixed Protobuf-ish header into a
// fixed binary header since this runtime has no protobuf dependency
// anywhere in its retrieval pack.
package protocol

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/momentics/fiberd/netstream"
	"github.com/momentics/fiberd/session"
)

// MsgType distinguishes the three Rock message kinds on the wire.
type MsgType byte

const (
	MsgRequest MsgType = iota + 1
	MsgResponse
	MsgNotify
)

// MaxFrameSize bounds a single Rock frame, guarding against a
// corrupt or hostile length prefix driving an unbounded allocation.
const MaxFrameSize = 16 << 20

// ErrFrameTooLarge is returned when a frame's declared length prefix
// exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("protocol: rock frame exceeds MaxFrameSize")

// ErrBadFrame is returned when a frame's header fields are internally
// inconsistent (e.g. an unknown MsgType).
var ErrBadFrame = errors.New("protocol: malformed rock frame")

// Request is one inbound REQUEST frame handed to a server-side
// ClientHandler, the counterpart to session.Frame on the accepting
// side of a connection.
type Request struct {
	Sn   uint32
	Cmd  uint32
	Body []byte
}

// header layout after the 4-byte length prefix:
// type(1) sn(4) cmd(4) resultCode(4) resultStrLen(2) resultStr body...
const headerFixedLen = 1 + 4 + 4 + 4 + 2

// RockCodec implements session.Codec for the client side (decoding
// RESPONSE/NOTIFY, encoding REQUEST) and additionally exposes the
// server-side inbound/outbound halves a tcpserver.ClientHandler uses
// directly.
type RockCodec struct{}

func encodeRockFrame(ctx context.Context, conn *netstream.Stream, mt MsgType, sn, cmd uint32, resultCode int32, resultStr string, body []byte) error {
	bodyLen := headerFixedLen + len(resultStr) + len(body)
	buf := make([]byte, 4+bodyLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(bodyLen))
	buf[4] = byte(mt)
	binary.BigEndian.PutUint32(buf[5:9], sn)
	binary.BigEndian.PutUint32(buf[9:13], cmd)
	binary.BigEndian.PutUint32(buf[13:17], uint32(resultCode))
	binary.BigEndian.PutUint16(buf[17:19], uint16(len(resultStr)))
	off := 19
	copy(buf[off:], resultStr)
	off += len(resultStr)
	copy(buf[off:], body)
	return conn.WriteExact(ctx, buf)
}

// decodedHeader is the raw parsed shape shared by every Decode* entry
// point; callers interpret mt to decide which public type to return.
type decodedHeader struct {
	mt         MsgType
	sn         uint32
	cmd        uint32
	resultCode int32
	resultStr  string
	body       []byte
}

func decodeRockFrame(ctx context.Context, conn *netstream.Stream) (*decodedHeader, error) {
	lenBuf := make([]byte, 4)
	if err := conn.ReadExact(ctx, lenBuf); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf)
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if n < headerFixedLen {
		return nil, ErrBadFrame
	}
	rest := make([]byte, n)
	if err := conn.ReadExact(ctx, rest); err != nil {
		return nil, err
	}

	mt := MsgType(rest[0])
	if mt != MsgRequest && mt != MsgResponse && mt != MsgNotify {
		return nil, ErrBadFrame
	}
	sn := binary.BigEndian.Uint32(rest[1:5])
	cmd := binary.BigEndian.Uint32(rest[5:9])
	resultCode := int32(binary.BigEndian.Uint32(rest[9:13]))
	resultStrLen := binary.BigEndian.Uint16(rest[13:15])
	off := 15
	if int(resultStrLen) > len(rest)-off {
		return nil, ErrBadFrame
	}
	resultStr := string(rest[off : off+int(resultStrLen)])
	off += int(resultStrLen)
	body := rest[off:]

	return &decodedHeader{mt: mt, sn: sn, cmd: cmd, resultCode: resultCode, resultStr: resultStr, body: body}, nil
}

// EncodeRequest implements session.Codec's outbound half: one REQUEST
// frame for sn/cmd/body.
func (RockCodec) EncodeRequest(ctx context.Context, conn *netstream.Stream, sn uint64, cmd uint32, body []byte) error {
	return encodeRockFrame(ctx, conn, MsgRequest, uint32(sn), cmd, 0, "", body)
}

// DecodeFrame implements session.Codec's inbound half: a RESPONSE or
// NOTIFY frame, classified into a session.Frame. A REQUEST frame
// arriving here (only possible on a peer-to-peer session where both
// ends issue requests) is treated as protocol misuse and errors out.
func (RockCodec) DecodeFrame(ctx context.Context, conn *netstream.Stream) (*session.Frame, error) {
	h, err := decodeRockFrame(ctx, conn)
	if err != nil {
		return nil, err
	}
	switch h.mt {
	case MsgResponse:
		return &session.Frame{
			Kind:       session.FrameResponse,
			Sn:         uint64(h.sn),
			Cmd:        h.cmd,
			ResultCode: h.resultCode,
			ResultStr:  h.resultStr,
			Body:       h.body,
		}, nil
	case MsgNotify:
		return &session.Frame{
			Kind: session.FrameNotify,
			Cmd:  h.cmd,
			Body: h.body,
		}, nil
	default:
		return nil, ErrBadFrame
	}
}

// DecodeRequest reads one inbound REQUEST frame, for a server-side
// tcpserver.ClientHandler dispatching RPC calls.
func (RockCodec) DecodeRequest(ctx context.Context, conn *netstream.Stream) (*Request, error) {
	h, err := decodeRockFrame(ctx, conn)
	if err != nil {
		return nil, err
	}
	if h.mt != MsgRequest {
		return nil, ErrBadFrame
	}
	return &Request{Sn: h.sn, Cmd: h.cmd, Body: h.body}, nil
}

// EncodeResponse writes a RESPONSE frame answering sn/cmd with the
// given result code/string and body.
func (RockCodec) EncodeResponse(ctx context.Context, conn *netstream.Stream, sn, cmd uint32, resultCode int32, resultStr string, body []byte) error {
	return encodeRockFrame(ctx, conn, MsgResponse, sn, cmd, resultCode, resultStr, body)
}

// EncodeNotify writes a fire-and-forget NOTIFY frame. sn is always 0
// on the wire since notifications carry no correlation id.
func (RockCodec) EncodeNotify(ctx context.Context, conn *netstream.Stream, cmd uint32, body []byte) error {
	return encodeRockFrame(ctx, conn, MsgNotify, 0, cmd, 0, "", body)
}
