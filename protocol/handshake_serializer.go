// File: protocol/handshake_serializer.go
// Package protocol: wire serialization of the WebSocket handshake
// response, and of the error response RFC6455 §4.4 requires when
// negotiation fails.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package protocol

import (
	"fmt"
	"io"
	"net/http"

	"github.com/momentics/fiberd/rlog"
)

var handshakeLog = rlog.Named("protocol.handshake")

// WriteHandshakeResponse writes the 101 Switching Protocols status
// line and hdr's headers to w; hdr is expected to already carry
// Upgrade, Connection, and Sec-WebSocket-Accept (and, if negotiated,
// Sec-WebSocket-Protocol).
func WriteHandshakeResponse(w io.Writer, hdr http.Header) error {
	if _, err := fmt.Fprintf(w, "HTTP/1.1 101 Switching Protocols\r\n"); err != nil {
		return err
	}
	for k, vs := range hdr {
		for _, v := range vs {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", k, v); err != nil {
				return err
			}
		}
	}
	if _, err := fmt.Fprint(w, "\r\n"); err != nil {
		return err
	}
	handshakeLog.Debugf("wrote 101 handshake response, %d header lines", len(hdr))
	return nil
}

// WriteHandshakeError writes a plain HTTP error response for a failed
// upgrade negotiation. Per RFC6455 §4.4, a version mismatch must carry
// a Sec-WebSocket-Version response header listing the versions this
// server supports; callers pass status http.StatusUpgradeRequired for
// that case and http.StatusBadRequest for any other validation
// failure.
func WriteHandshakeError(w io.Writer, status int, reason string) error {
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status)); err != nil {
		return err
	}
	if status == http.StatusUpgradeRequired {
		if _, err := fmt.Fprint(w, "Sec-WebSocket-Version: 13\r\n"); err != nil {
			return err
		}
	}
	body := reason
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body); err != nil {
		return err
	}
	handshakeLog.Warnf("rejected handshake: %d %s", status, reason)
	return nil
}
