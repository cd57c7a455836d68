// File: protocol/upgrader.go
// Package protocol's HTTP->WebSocket handshake validation: checks the
// Connection/Upgrade/Sec-WebSocket-Version headers, computes the
// Sec-WebSocket-Accept key per RFC6455, and negotiates a subprotocol
// from the set the caller advertises.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on the teacher's handshake validation, reworked to read its
// header-size cap from package config the same way http1.go reads
// http.request.buffer_size, instead of a hardcoded constant, and to
// negotiate Sec-WebSocket-Protocol against the protocols a
// WSConnection caller actually supports rather than leaving extension
// negotiation as a stub.
package protocol

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/momentics/fiberd/config"
	"github.com/momentics/fiberd/rlog"
)

var upgraderLog = rlog.Named("protocol.upgrader")

// DefaultMaxHandshakeHeadersSize is the combined header-size cap used
// when no config.Store is supplied.
const DefaultMaxHandshakeHeadersSize = 8192

// UpgradeToWebSocket validates req as a WebSocket upgrade request
// using DefaultMaxHandshakeHeadersSize and no subprotocol negotiation.
// It is a convenience wrapper around UpgradeToWebSocketWith for
// callers (and tests) that don't need either.
func UpgradeToWebSocket(r *http.Request) (http.Header, error) {
	return UpgradeToWebSocketWith(r, nil, nil)
}

// UpgradeToWebSocketWith validates r's handshake headers, enforcing a
// combined header-size cap read from cfg's "ws.handshake.max_header_bytes"
// key (DefaultMaxHandshakeHeadersSize if cfg is nil), computes the
// Sec-WebSocket-Accept value, and if supportedProtocols is non-empty
// negotiates the first entry of Sec-WebSocket-Protocol the client
// offered that also appears in supportedProtocols.
func UpgradeToWebSocketWith(r *http.Request, cfg *config.Store, supportedProtocols []string) (http.Header, error) {
	maxHeaders := DefaultMaxHandshakeHeadersSize
	if cfg != nil {
		maxHeaders = int(cfg.Int("ws.handshake.max_header_bytes", int64(DefaultMaxHandshakeHeadersSize)))
	}

	total := 0
	for k, vs := range r.Header {
		total += len(k)
		for _, v := range vs {
			total += len(v)
		}
		if total > maxHeaders {
			upgraderLog.Warnf("handshake headers exceed %d bytes from %s", maxHeaders, r.RemoteAddr)
			return nil, errors.New("protocol: handshake headers too large")
		}
	}

	if !headerContainsToken(r.Header, "Connection", "Upgrade") ||
		!headerContainsToken(r.Header, "Upgrade", "websocket") {
		return nil, errors.New("protocol: invalid upgrade headers")
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, errors.New("protocol: missing Sec-WebSocket-Key header")
	}

	if version := r.Header.Get("Sec-WebSocket-Version"); version != "13" {
		return nil, errors.New("protocol: unsupported WebSocket version; only '13' is supported")
	}

	const guid = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	h := sha1.New()
	h.Write([]byte(key + guid))
	accept := base64.StdEncoding.EncodeToString(h.Sum(nil))

	resp := make(http.Header)
	resp.Set("Upgrade", "websocket")
	resp.Set("Connection", "Upgrade")
	resp.Set("Sec-WebSocket-Accept", accept)

	if proto := negotiateSubprotocol(r.Header, supportedProtocols); proto != "" {
		resp.Set("Sec-WebSocket-Protocol", proto)
	}

	return resp, nil
}

// negotiateSubprotocol returns the first client-offered
// Sec-WebSocket-Protocol token present in supported, preserving the
// client's preference order, or "" if none match or none were offered.
func negotiateSubprotocol(h http.Header, supported []string) string {
	if len(supported) == 0 {
		return ""
	}
	offered := h["Sec-Websocket-Protocol"]
	if len(offered) == 0 {
		offered = h[http.CanonicalHeaderKey("Sec-WebSocket-Protocol")]
	}
	for _, line := range offered {
		for _, tok := range strings.Split(line, ",") {
			tok = strings.TrimSpace(tok)
			for _, s := range supported {
				if strings.EqualFold(tok, s) {
					return s
				}
			}
		}
	}
	return ""
}

// headerContainsToken checks if headerName contains the given token, case-insensitive.
func headerContainsToken(h http.Header, headerName, token string) bool {
	vals := h[http.CanonicalHeaderKey(headerName)]
	token = strings.ToLower(token)
	for _, v := range vals {
		parts := strings.Split(v, ",")
		for _, p := range parts {
			if strings.ToLower(strings.TrimSpace(p)) == token {
				return true
			}
		}
	}
	return false
}
