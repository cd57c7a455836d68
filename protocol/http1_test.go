// File: protocol/http1_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package protocol

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/momentics/fiberd/config"
	"github.com/momentics/fiberd/fiber"
	"github.com/momentics/fiberd/hook"
	"github.com/momentics/fiberd/netstream"
	"github.com/momentics/fiberd/reactor"
	"github.com/momentics/fiberd/scheduler"
	"github.com/momentics/fiberd/timer"
)

func newTestCfg() *config.Store {
	return config.NewDefault()
}

func TestRequestParserSimpleGET(t *testing.T) {
	var method, uri, path, query, version string
	var headerDone bool
	fields := map[string]string{}

	p := NewRequestParser(newTestCfg(), RequestCallbacks{
		OnMethod:  func(m string) { method = m },
		OnURI:     func(u string) { uri = u },
		OnPath:    func(pp string) { path = pp },
		OnQuery:   func(q string) { query = q },
		OnVersion: func(v string) { version = v },
		OnHTTPField: func(name, value string) {
			fields[name] = value
		},
		OnHeaderDone: func() { headerDone = true },
	})

	raw := "GET /foo/bar?x=1 HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"
	n := p.Execute([]byte(raw), false)

	if n != len(raw) {
		t.Fatalf("consumed %d, want %d", n, len(raw))
	}
	if !p.IsFinished() {
		t.Fatalf("parser not finished")
	}
	if p.HasError() {
		t.Fatalf("unexpected error: %v", p.Err())
	}
	if method != "GET" || uri != "/foo/bar?x=1" || path != "/foo/bar" || query != "x=1" || version != "HTTP/1.1" {
		t.Fatalf("unexpected parse: method=%q uri=%q path=%q query=%q version=%q", method, uri, path, query, version)
	}
	if !headerDone {
		t.Fatalf("header done callback not fired")
	}
	if fields["Host"] != "example.com" || fields["Connection"] != "close" {
		t.Fatalf("unexpected header fields: %v", fields)
	}
}

func TestRequestParserWithBody(t *testing.T) {
	var body []byte
	p := NewRequestParser(newTestCfg(), RequestCallbacks{
		OnBody: func(chunk []byte) { body = append(body, chunk...) },
	})

	raw := "POST /submit HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello"
	n := p.Execute([]byte(raw), false)

	if n != len(raw) {
		t.Fatalf("consumed %d, want %d", n, len(raw))
	}
	if !p.IsFinished() {
		t.Fatalf("parser not finished")
	}
	if string(body) != "hello" {
		t.Fatalf("body = %q, want hello", body)
	}
}

func TestRequestParserChunkedBody(t *testing.T) {
	var body []byte
	var lastChunk bool
	p := NewRequestParser(newTestCfg(), RequestCallbacks{
		OnBody:      func(chunk []byte) { body = append(body, chunk...) },
		OnLastChunk: func() { lastChunk = true },
	})

	raw := "POST /stream HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n" +
		"6\r\n world\r\n" +
		"0\r\n\r\n"
	n := p.Execute([]byte(raw), false)

	if n != len(raw) {
		t.Fatalf("consumed %d, want %d", n, len(raw))
	}
	if !p.IsFinished() {
		t.Fatalf("parser not finished")
	}
	if string(body) != "hello world" {
		t.Fatalf("body = %q, want %q", body, "hello world")
	}
	if !lastChunk {
		t.Fatalf("last-chunk callback not fired")
	}
}

func TestRequestParserFeedByteAtATime(t *testing.T) {
	var method string
	var headerDone bool
	p := NewRequestParser(newTestCfg(), RequestCallbacks{
		OnMethod:    func(m string) { method = m },
		OnHeaderDone: func() { headerDone = true },
	})

	raw := "GET / HTTP/1.1\r\nHost: x\r\n\r\n"
	for i := 0; i < len(raw); i++ {
		p.Execute([]byte{raw[i]}, false)
		if p.HasError() {
			t.Fatalf("unexpected error at byte %d: %v", i, p.Err())
		}
	}
	if method != "GET" || !headerDone || !p.IsFinished() {
		t.Fatalf("byte-at-a-time parse failed: method=%q headerDone=%v finished=%v", method, headerDone, p.IsFinished())
	}
}

func TestRequestParserMalformedRequestLine(t *testing.T) {
	p := NewRequestParser(newTestCfg(), RequestCallbacks{})
	raw := "NOTAVALIDLINE\r\n"
	p.Execute([]byte(raw), false)
	if !p.HasError() {
		t.Fatalf("expected error for malformed request line")
	}
	if p.Err() != ErrMalformedRequest {
		t.Fatalf("err = %v, want ErrMalformedRequest", p.Err())
	}
}

func TestRequestParserBufferSizeExceeded(t *testing.T) {
	cfg := config.New()
	cfg.Set("http.request.buffer_size", "8")
	p := NewRequestParser(cfg, RequestCallbacks{})

	raw := "GET /this/is/a/very/long/uri/line HTTP/1.1\r\n"
	p.Execute([]byte(raw), false)
	if !p.HasError() || p.Err() != ErrRequestLineTooLarge {
		t.Fatalf("expected ErrRequestLineTooLarge, got %v", p.Err())
	}
}

func TestRequestParserBodyTooLarge(t *testing.T) {
	cfg := config.New()
	cfg.Set("http.request.max_body_size", "3")
	p := NewRequestParser(cfg, RequestCallbacks{})

	raw := "POST /x HTTP/1.1\r\nContent-Length: 10\r\n\r\n0123456789"
	p.Execute([]byte(raw), false)
	if !p.HasError() || p.Err() != ErrBodyTooLarge {
		t.Fatalf("expected ErrBodyTooLarge, got %v", p.Err())
	}
}

// TestRequestBufferFeedAcrossSeveralReads drives RequestBuffer.Feed
// over a real socketpair with the request line, headers, and body
// each arriving in their own Write, confirming Feed's compaction
// correctly carries partially-consumed bytes across reads.
func TestRequestBufferFeedAcrossSeveralReads(t *testing.T) {
	tm := timer.New(timer.DefaultSlots, timer.DefaultTickMs, timer.NewRealClock())
	r, err := reactor.New(tm)
	if err != nil {
		t.Fatalf("new reactor: %v", err)
	}
	defer r.Close()
	hook.Bind(r, tm)
	s := scheduler.New(2, false, "http1-test", scheduler.WithIdler(r))
	s.Start()
	defer s.Stop()

	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	server := netstream.New(fds[0], true)
	client := netstream.New(fds[1], true)
	defer server.Close()
	defer client.Close()

	var method, path string
	var body []byte
	p := NewRequestParser(newTestCfg(), RequestCallbacks{
		OnMethod: func(m string) { method = m },
		OnPath:   func(pp string) { path = pp },
		OnBody:   func(chunk []byte) { body = append(body, chunk...) },
	})
	rb := NewRequestBuffer(server, 64)

	done := make(chan struct{})
	f := fiber.New(func(ctx context.Context) {
		for !p.IsFinished() && !p.HasError() {
			if err := rb.Feed(ctx, p); err != nil {
				t.Errorf("feed: %v", err)
				close(done)
				return
			}
		}
		close(done)
	})
	if err := s.Schedule(scheduler.FiberTask(f)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	writer := fiber.New(func(ctx context.Context) {
		_ = client.WriteExact(ctx, []byte("POST /upload HTTP/1.1\r\n"))
		time.Sleep(10 * time.Millisecond)
		_ = client.WriteExact(ctx, []byte("Content-Length: 5\r\n\r\n"))
		time.Sleep(10 * time.Millisecond)
		_ = client.WriteExact(ctx, []byte("hello"))
	})
	if err := s.Schedule(scheduler.FiberTask(writer)); err != nil {
		t.Fatalf("schedule writer: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("request never finished parsing")
	}

	if method != "POST" || path != "/upload" || string(body) != "hello" {
		t.Fatalf("method=%q path=%q body=%q", method, path, body)
	}
}
