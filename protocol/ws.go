// File: protocol/ws.go
// Package protocol's WebSocket server glue: handshake a freshly
// accepted stream, then run a read/write loop over it using fibers
// instead of goroutines, matching this runtime's cooperative model.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package protocol

import (
	"bufio"
	"context"
	"net/http"

	"github.com/momentics/fiberd/config"
	"github.com/momentics/fiberd/netstream"
)

// RFC6455 frame header bits and control/data opcodes, shared by
// connection.go's frame codec and wsframe.go's pool-backed builder.
const (
	FinBit  byte = 0x80
	MaskBit byte = 0x80

	OpcodeContinuation byte = 0x0
	OpcodeText         byte = 0x1
	OpcodeBinary       byte = 0x2
	OpcodeClose        byte = 0x8
	OpcodePing         byte = 0x9
	OpcodePong         byte = 0xA
)

// ctxReader adapts a netstream.Stream into an io.Reader bound to a
// fixed context, so stdlib helpers like http.ReadRequest (which only
// know io.Reader) still suspend the calling fiber on EAGAIN instead of
// blocking the OS thread.
type ctxReader struct {
	ctx context.Context
	s   *netstream.Stream
}

func (r ctxReader) Read(p []byte) (int, error) { return r.s.Read(r.ctx, p) }

// ctxWriter is ctxReader's write-side counterpart.
type ctxWriter struct {
	ctx context.Context
	s   *netstream.Stream
}

func (w ctxWriter) Write(p []byte) (int, error) {
	if err := w.s.WriteExact(w.ctx, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ServeUpgrade reads one HTTP request off conn, validates it as a
// WebSocket upgrade, writes the 101 response, and on success returns a
// WSConnection ready to exchange frames. The caller is expected to run
// it (typically via a tcpserver.ClientHandler) as its own fiber. It is
// a convenience wrapper around ServeUpgradeWith with no config store
// and no subprotocol negotiation.
func ServeUpgrade(ctx context.Context, conn *netstream.Stream) (*WSConnection, string, error) {
	return ServeUpgradeWith(ctx, conn, nil, nil)
}

// ServeUpgradeWith is ServeUpgrade with an explicit config.Store
// (governing the handshake header-size cap) and a set of subprotocols
// this server supports; on a validation failure it writes an HTTP
// error response per RFC6455 §4.4 before returning the error, instead
// of leaving the peer to guess why the connection closed.
func ServeUpgradeWith(ctx context.Context, conn *netstream.Stream, cfg *config.Store, supportedProtocols []string) (*WSConnection, string, error) {
	br := bufio.NewReader(ctxReader{ctx: ctx, s: conn})
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, "", err
	}
	hdr, err := UpgradeToWebSocketWith(req, cfg, supportedProtocols)
	if err != nil {
		status := http.StatusBadRequest
		if req.Header.Get("Sec-WebSocket-Version") != "13" {
			status = http.StatusUpgradeRequired
		}
		_ = WriteHandshakeError(ctxWriter{ctx: ctx, s: conn}, status, err.Error())
		return nil, "", err
	}
	if err := WriteHandshakeResponse(ctxWriter{ctx: ctx, s: conn}, hdr); err != nil {
		return nil, "", err
	}
	return NewWSConnection(conn, 64), req.URL.Path, nil
}
