// File: protocol/http1.go
// Package protocol's HTTP/1.x parser: a byte-at-a-time state machine
// invoked with a callback table, matching the core's contract of
// execute(buffer, len, is_chunk), is_finished(), has_error().
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on original_source/Sylar/HttpServer/http_parser.cc's
// HttpRequestParser: a ragel-generated byte state machine invoking
// on_request_method/on_request_uri/on_request_fragment/
// on_request_query/on_request_version/on_request_http_field/
// on_request_header_done through a void* callback table. Reworked
// into a small hand-written Go state machine with a struct of typed
// func fields instead of ragel-generated C and void* callback data,
// since this runtime has no ragel/C dependency anywhere in its
// retrieval pack. Buffer-size and body-size caps are read from
// package config, matching http_parser.cc's ConfigVar-backed
// g_http_request_buffer_size/g_http_request_max_body_size.
package protocol

import (
	"bytes"
	"context"
	"errors"
	"strconv"

	"github.com/momentics/fiberd/config"
	"github.com/momentics/fiberd/netstream"
)

// httpParseState enumerates the byte state machine's phases.
type httpParseState int

const (
	stateMethod httpParseState = iota
	stateURI
	stateVersion
	stateHeaderLine
	stateHeaderDone
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkCRLF
	stateLastChunk
	stateFinished
	stateError
)

// RequestCallbacks is the callback table the HTTP/1.x core invokes as
// it recognizes each element of an incoming request.
type RequestCallbacks struct {
	OnMethod      func(method string)
	OnURI         func(uri string)
	OnPath        func(path string)
	OnQuery       func(query string)
	OnFragment    func(fragment string)
	OnVersion     func(version string)
	OnHTTPField   func(name, value string)
	OnHeaderDone  func()
	OnBody        func(chunk []byte)
	OnChunkSize   func(size uint64)
	OnLastChunk   func()
}

// ErrRequestLineTooLarge is returned when the request line or headers
// exceed the configured buffer size before header_done is reached.
var ErrRequestLineTooLarge = errors.New("protocol: http request line/headers exceed buffer size")

// ErrBodyTooLarge is returned when a request body (declared via
// Content-Length or accumulated chunks) exceeds the configured max
// body size.
var ErrBodyTooLarge = errors.New("protocol: http request body exceeds max body size")

// ErrMalformedRequest is returned for a request line or header that
// the state machine cannot parse.
var ErrMalformedRequest = errors.New("protocol: malformed http request")

// RequestParser is a byte-at-a-time HTTP/1.x request parser driven by
// repeated calls to Execute.
type RequestParser struct {
	cb RequestCallbacks

	bufferSize  int64
	maxBodySize int64

	state   httpParseState
	lineBuf bytes.Buffer
	err     error

	contentLength   int64
	bodyRead        int64
	chunked         bool
	chunkRemaining  int64
}

// NewRequestParser constructs a parser reading its buffer-size and
// max-body-size caps from cfg's http.request.* keys.
func NewRequestParser(cfg *config.Store, cb RequestCallbacks) *RequestParser {
	return &RequestParser{
		cb:          cb,
		bufferSize:  cfg.Int("http.request.buffer_size", 8192),
		maxBodySize: cfg.Int("http.request.max_body_size", 1<<20),
	}
}

// IsFinished reports whether the request (headers plus body, if any)
// has been fully parsed.
func (p *RequestParser) IsFinished() bool { return p.state == stateFinished }

// HasError reports whether the parser has entered a terminal error
// state; Err returns the specific error.
func (p *RequestParser) HasError() bool { return p.state == stateError }

// Err returns the error that put the parser into its error state, if
// any.
func (p *RequestParser) Err() error { return p.err }

// Execute feeds buf (a chunk of the raw byte stream, in arrival order)
// to the parser and returns the number of bytes consumed. isChunk is
// accepted but not consulted: buf always runs through the parser's own
// state machine, including its built-in chunk decoder.
func (p *RequestParser) Execute(buf []byte, isChunk bool) int {
	consumed := 0
	for consumed < len(buf) {
		if p.state == stateFinished || p.state == stateError {
			break
		}
		if p.state == stateBody {
			n := p.consumeBody(buf[consumed:])
			consumed += n
			continue
		}
		if p.state == stateChunkSize || p.state == stateChunkData || p.state == stateChunkCRLF || p.state == stateLastChunk {
			n := p.consumeChunked(buf[consumed:])
			consumed += n
			continue
		}

		b := buf[consumed]
		consumed++
		if b == '\n' {
			line := p.lineBuf.String()
			p.lineBuf.Reset()
			// A false result (body, chunked, finished or error) needs no
			// special case: the loop head dispatches the remaining bytes
			// or stops.
			p.handleLine(trimCR(line))
			continue
		}
		if p.lineBuf.Len() >= int(p.bufferSize) {
			p.fail(ErrRequestLineTooLarge)
			return consumed
		}
		p.lineBuf.WriteByte(b)
	}
	return consumed
}

func trimCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}

func (p *RequestParser) fail(err error) {
	p.err = err
	p.state = stateError
}

// handleLine processes one CRLF-terminated line according to the
// current state. Returns false if the parser transitioned to a
// non-line-oriented state (body) and the caller should stop treating
// subsequent bytes as lines.
func (p *RequestParser) handleLine(line string) bool {
	switch p.state {
	case stateMethod:
		return p.handleRequestLine(line)
	case stateHeaderLine:
		return p.handleHeaderLine(line)
	}
	return true
}

func (p *RequestParser) handleRequestLine(line string) bool {
	parts := bytes.Fields([]byte(line))
	if len(parts) != 3 {
		p.fail(ErrMalformedRequest)
		return false
	}
	method, uri, version := string(parts[0]), string(parts[1]), string(parts[2])
	if p.cb.OnMethod != nil {
		p.cb.OnMethod(method)
	}
	if p.cb.OnURI != nil {
		p.cb.OnURI(uri)
	}
	path, query, fragment := splitURI(uri)
	if p.cb.OnPath != nil {
		p.cb.OnPath(path)
	}
	if p.cb.OnQuery != nil {
		p.cb.OnQuery(query)
	}
	if p.cb.OnFragment != nil {
		p.cb.OnFragment(fragment)
	}
	if p.cb.OnVersion != nil {
		p.cb.OnVersion(version)
	}
	p.state = stateHeaderLine
	return true
}

func splitURI(uri string) (path, query, fragment string) {
	path = uri
	if i := bytes.IndexByte([]byte(path), '#'); i >= 0 {
		fragment = path[i+1:]
		path = path[:i]
	}
	if i := bytes.IndexByte([]byte(path), '?'); i >= 0 {
		query = path[i+1:]
		path = path[:i]
	}
	return
}

func (p *RequestParser) handleHeaderLine(line string) bool {
	if line == "" {
		if p.cb.OnHeaderDone != nil {
			p.cb.OnHeaderDone()
		}
		return p.startBody()
	}
	i := bytes.IndexByte([]byte(line), ':')
	if i < 0 {
		p.fail(ErrMalformedRequest)
		return false
	}
	name := trimSpace(line[:i])
	value := trimSpace(line[i+1:])
	if p.cb.OnHTTPField != nil {
		p.cb.OnHTTPField(name, value)
	}
	switch lowerASCII(name) {
	case "content-length":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			p.contentLength = n
		}
	case "transfer-encoding":
		if lowerASCII(value) == "chunked" {
			p.chunked = true
		}
	}
	return true
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func (p *RequestParser) startBody() bool {
	switch {
	case p.chunked:
		if p.contentLength > p.maxBodySize {
			p.fail(ErrBodyTooLarge)
			return false
		}
		p.state = stateChunkSize
	case p.contentLength > 0:
		if p.contentLength > p.maxBodySize {
			p.fail(ErrBodyTooLarge)
			return false
		}
		p.state = stateBody
	default:
		p.state = stateFinished
	}
	return false
}

func (p *RequestParser) consumeBody(buf []byte) int {
	remaining := p.contentLength - p.bodyRead
	n := int64(len(buf))
	if n > remaining {
		n = remaining
	}
	if n > 0 {
		if p.cb.OnBody != nil {
			p.cb.OnBody(buf[:n])
		}
		p.bodyRead += n
	}
	if p.bodyRead >= p.contentLength {
		p.state = stateFinished
	}
	return int(n)
}

func (p *RequestParser) consumeChunked(buf []byte) int {
	consumed := 0
	for consumed < len(buf) {
		switch p.state {
		case stateChunkSize:
			b := buf[consumed]
			consumed++
			if b == '\n' {
				line := trimCR(p.lineBuf.String())
				p.lineBuf.Reset()
				size, err := strconv.ParseInt(stripChunkExt(line), 16, 64)
				if err != nil {
					p.fail(ErrMalformedRequest)
					return consumed
				}
				p.bodyRead += size
				if p.bodyRead > p.maxBodySize {
					p.fail(ErrBodyTooLarge)
					return consumed
				}
				if p.cb.OnChunkSize != nil {
					p.cb.OnChunkSize(uint64(size))
				}
				if size == 0 {
					p.state = stateLastChunk
				} else {
					p.chunkRemaining = size
					p.state = stateChunkData
				}
				continue
			}
			p.lineBuf.WriteByte(b)
		case stateChunkData:
			n := int64(len(buf) - consumed)
			if n > p.chunkRemaining {
				n = p.chunkRemaining
			}
			if n > 0 {
				if p.cb.OnBody != nil {
					p.cb.OnBody(buf[consumed : consumed+int(n)])
				}
				consumed += int(n)
				p.chunkRemaining -= n
			}
			if p.chunkRemaining == 0 {
				p.state = stateChunkCRLF
			}
		case stateChunkCRLF:
			b := buf[consumed]
			consumed++
			if b == '\n' {
				p.state = stateChunkSize
			}
		case stateLastChunk:
			b := buf[consumed]
			consumed++
			if b == '\n' {
				line := trimCR(p.lineBuf.String())
				p.lineBuf.Reset()
				if line == "" {
					if p.cb.OnLastChunk != nil {
						p.cb.OnLastChunk()
					}
					p.state = stateFinished
					return consumed
				}
				continue
			}
			p.lineBuf.WriteByte(b)
		default:
			return consumed
		}
	}
	return consumed
}

// stripChunkExt drops a ";ext=value" chunk extension, per RFC 7230
// §4.1.1, before parsing the hex size.
func stripChunkExt(line string) string {
	if i := bytes.IndexByte([]byte(line), ';'); i >= 0 {
		return line[:i]
	}
	return line
}

// RequestBuffer drives a RequestParser over a netstream.Stream,
// reading one chunk at a time into a fixed buffer and re-invoking
// Execute until the chunk is consumed or the parser stalls waiting
// for more bytes.
type RequestBuffer struct {
	conn *netstream.Stream
	buf  []byte
	fill int
}

// NewRequestBuffer allocates a RequestBuffer backed by a size-byte
// buffer; size should track the same http.request.buffer_size cap
// NewRequestParser was constructed with, since neither a request
// line nor a header line can exceed it without failing the parser
// with ErrRequestLineTooLarge first.
func NewRequestBuffer(conn *netstream.Stream, size int) *RequestBuffer {
	return &RequestBuffer{conn: conn, buf: make([]byte, size)}
}

// Feed reads one chunk off conn and drives p.Execute over it,
// compacting whatever Execute could not consume to the front of buf
// before returning. The compaction copy costs O(unconsumed) per Feed
// call; unconsumed is bounded by buf's fixed size (the parser only
// stalls mid-line, never mid-body, since consumeBody/consumeChunked
// drain everything available), so this buffer never reallocates or
// grows, at the cost of that bounded copy instead of the zero-copy a
// ring buffer would give. Kept as the simpler of the two since no
// other component in this runtime needs a ring buffer.
func (rb *RequestBuffer) Feed(ctx context.Context, p *RequestParser) error {
	n, rerr := rb.conn.Read(ctx, rb.buf[rb.fill:])
	if n > 0 {
		avail := rb.buf[:rb.fill+n]
		total := 0
		for total < len(avail) {
			c := p.Execute(avail[total:], false)
			if c == 0 {
				break
			}
			total += c
			if p.IsFinished() || p.HasError() {
				break
			}
		}
		leftover := len(avail) - total
		copy(rb.buf, avail[total:])
		rb.fill = leftover
	}
	if rerr != nil {
		return rerr
	}
	return nil
}

// Reset clears any buffered bytes and fill state, for reuse across
// pipelined requests on the same connection.
func (rb *RequestBuffer) Reset() { rb.fill = 0 }
