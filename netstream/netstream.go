// File: netstream/netstream.go
// Package netstream provides a blocking-shaped stream API over a raw
// fd, backed by package hook so reads and writes suspend the calling
// fiber instead of the OS thread.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Generalized from internal/transport/websocket_listener.go's
// connTransport (an api.Transport wrapper around a net.Conn) to a raw
// fd + hook-backed stream, so deadlines and suspension follow the
// fiber scheduler instead of Go's own net poller.
package netstream

import (
	"context"
	"errors"
	"io"
	"syscall"

	"github.com/momentics/fiberd/hook"
)

// ErrClosed is returned by operations on a Stream after Close.
var ErrClosed = errors.New("netstream: use of closed stream")

// Stream is a blocking-shaped, fiber-aware wrapper around a raw fd.
type Stream struct {
	fd     int
	own    bool // Close() actually closes fd when true
	closed bool
}

// New wraps fd. If own is true, Close closes the underlying fd through
// hook.Close; otherwise Close only marks the stream closed, leaving fd,
// its hook state and any parked waiters untouched for a caller that
// still holds it elsewhere.
func New(fd int, own bool) *Stream {
	return &Stream{fd: fd, own: own}
}

// Fd returns the underlying file descriptor.
func (s *Stream) Fd() int { return s.fd }

// Read reads into b, suspending the calling fiber across EAGAIN.
func (s *Stream) Read(ctx context.Context, b []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	n, err := hook.Read(ctx, s.fd, b)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// ReadExact reads exactly len(b) bytes, or returns io.ErrUnexpectedEOF
// if the stream is closed before that many bytes arrive.
func (s *Stream) ReadExact(ctx context.Context, b []byte) error {
	total := 0
	for total < len(b) {
		n, err := s.Read(ctx, b[total:])
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		total += n
	}
	return nil
}

// Write writes b, suspending the calling fiber across EAGAIN until the
// entire buffer has been written.
func (s *Stream) Write(ctx context.Context, b []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	return hook.Write(ctx, s.fd, b)
}

// WriteExact is an alias for Write kept for symmetry with ReadExact:
// hook.Write already loops until every byte is written or an error
// occurs.
func (s *Stream) WriteExact(ctx context.Context, b []byte) error {
	_, err := s.Write(ctx, b)
	return err
}

// Close marks the stream closed. If it owns fd, it also calls
// hook.Close, which cancels any waiters parked on fd and closes it.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.own {
		return hook.Close(s.fd)
	}
	return nil
}

// Connect opens a non-blocking TCP connection to sa, suspending the
// calling fiber until it completes or errs.
func Connect(ctx context.Context, sa syscall.Sockaddr) (*Stream, error) {
	domain := syscall.AF_INET
	if _, ok := sa.(*syscall.SockaddrInet6); ok {
		domain = syscall.AF_INET6
	}
	fd, err := syscall.Socket(domain, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	if err := hook.Connect(ctx, fd, sa, 0); err != nil {
		syscall.Close(fd)
		return nil, err
	}
	return New(fd, true), nil
}
