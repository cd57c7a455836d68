// File: session/session.go
// Package session implements the reconnecting asynchronous
// request/response protocol session: one reader fiber, one writer
// fiber, a strictly increasing correlation sequence number, and a
// notify fan-out for fire-and-forget frames.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The sn->Ctx map and send queue each get their own dedicated
// reader-writer lock rather than the sharded map internal/session/store.go
// uses for its SessionManager — a single session's in-flight request
// count is small, so sharding would add complexity without a
// concurrency benefit. The sharded pattern is reused instead in
// package loadbalance, where the shard key (peer id) actually spreads
// load across many independent sessions.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/momentics/fiberd/fiber"
	"github.com/momentics/fiberd/netstream"
	"github.com/momentics/fiberd/scheduler"
	"github.com/momentics/fiberd/timer"
)

// NotifyQueueCapacity bounds the notify fan-out channel. A peer that
// floods NOTIFY frames faster than the handler drains them has its
// oldest unconsumed notify dropped rather than growing the queue
// without bound.
const NotifyQueueCapacity = 1024

var (
	// ErrClosed is returned by Request once the session has closed.
	ErrClosed = errors.New("session: closed")
	// ErrNotConnected is returned to a pending request when the
	// session closes out from under it.
	ErrNotConnected = errors.New("session: not connected")
)

// Result classifies how a Request resolved.
type Result int32

const (
	ResultOK Result = iota
	ResultTimeout
	ResultIOError
	ResultNotConnected
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultTimeout:
		return "TIMEOUT"
	case ResultIOError:
		return "IO_ERROR"
	case ResultNotConnected:
		return "NOT_CONNECT"
	default:
		return "UNKNOWN"
	}
}

// NotifyHandler is invoked on the request worker for every inbound
// NOTIFY frame.
type NotifyHandler func(ctx context.Context, f *Frame)

// ConnectHandler is invoked on connect/disconnect, grounded on
// spec.md's "connect/disconnect callbacks" field on the session.
type ConnectHandler func(s *Session)

// Dialer opens a fresh stream for auto-reconnect. Sessions that never
// reconnect (inbound server-side sessions) pass a nil Dialer.
type Dialer func(ctx context.Context) (*netstream.Stream, error)

// Session owns one stream and runs a reader/writer fiber pair over
// it, correlating REQUEST/RESPONSE frames by sequence number and
// fanning NOTIFY frames out to a bounded channel.
type Session struct {
	codec   Codec
	ioSched *scheduler.Scheduler
	reqSched *scheduler.Scheduler
	timers  *timer.Manager

	onNotify    NotifyHandler
	onConnect   ConnectHandler
	onDisconnect ConnectHandler

	autoConnect bool
	dial        Dialer

	streamMu sync.RWMutex
	stream   *netstream.Stream

	sn atomic.Uint64

	pendingMu sync.RWMutex
	pending   map[uint64]*Ctx

	sendMu    sync.RWMutex
	sendQueue []*SendCtx

	notifyCh chan *Frame

	readerFiber *fiber.Fiber
	writerFiber *fiber.Fiber
	notifyFiber *fiber.Fiber

	closed    atomic.Bool
	closeOnce sync.Once
	closeCh   chan struct{}
}

// Config groups Session construction parameters.
type Config struct {
	Codec        Codec
	IOScheduler  *scheduler.Scheduler
	ReqScheduler *scheduler.Scheduler
	Timers       *timer.Manager
	OnNotify     NotifyHandler
	OnConnect    ConnectHandler
	OnDisconnect ConnectHandler
	AutoConnect  bool
	Dial         Dialer
}

// New wraps stream in a Session and starts its reader and writer
// fibers on cfg.IOScheduler. stream may be nil, in which case New
// starts no fibers and makes no connection attempt of its own.
func New(stream *netstream.Stream, cfg Config) *Session {
	s := &Session{
		codec:        cfg.Codec,
		ioSched:      cfg.IOScheduler,
		reqSched:     cfg.ReqScheduler,
		timers:       cfg.Timers,
		onNotify:     cfg.OnNotify,
		onConnect:    cfg.OnConnect,
		onDisconnect: cfg.OnDisconnect,
		autoConnect:  cfg.AutoConnect,
		dial:         cfg.Dial,
		stream:       stream,
		pending:      make(map[uint64]*Ctx),
		notifyCh:     make(chan *Frame, NotifyQueueCapacity),
		closeCh:      make(chan struct{}),
	}
	if stream != nil {
		s.startFibers()
		if s.onConnect != nil {
			s.onConnect(s)
		}
	}
	return s
}

// Notify returns the bounded channel NOTIFY frames are delivered on,
// for callers that prefer to drain it themselves instead of
// registering an OnNotify handler.
func (s *Session) Notify() <-chan *Frame { return s.notifyCh }

func (s *Session) currentStream() *netstream.Stream {
	s.streamMu.RLock()
	defer s.streamMu.RUnlock()
	return s.stream
}

func (s *Session) startFibers() {
	s.readerFiber = fiber.New(func(ctx context.Context) { s.readerLoop(ctx) })
	s.writerFiber = fiber.New(func(ctx context.Context) { s.writerLoop(ctx) })
	s.notifyFiber = fiber.New(func(ctx context.Context) { s.notifyLoop(ctx) })
	_ = s.ioSched.Schedule(scheduler.FiberTask(s.readerFiber))
	_ = s.ioSched.Schedule(scheduler.FiberTask(s.writerFiber))
	_ = s.reqSched.Schedule(scheduler.FiberTask(s.notifyFiber))
}

// Closed reports whether the session has torn down.
func (s *Session) Closed() bool { return s.closed.Load() }

// PendingCount returns the number of in-flight requests currently
// correlating a sequence number to a waiting Ctx, for diagnostic
// probes (see control.RegisterSessionProbes).
func (s *Session) PendingCount() int {
	s.pendingMu.RLock()
	defer s.pendingMu.RUnlock()
	return len(s.pending)
}

// Close tears the session down: closes the stream, wakes the reader
// and writer fibers, and resolves every still-pending request with
// ResultNotConnected. If auto-connect is enabled, it also starts a
// reconnect fiber.
func (s *Session) Close() {
	s.closeWithResult(ResultNotConnected)
}

// closeWithResult is Close's implementation, parameterized by the
// Result every still-pending request is failed with. reader.go and
// writer.go call this directly with ResultIOError when the stream
// itself broke mid-decode/mid-encode, so a caller blocked in Request
// can distinguish "this connection's wire broke" from ResultNotConnected,
// which Close reserves for ordinary teardown (the session was closed
// out from under a pending request, not because that request's own
// frame failed).
func (s *Session) closeWithResult(r Result) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closeCh)
		if st := s.currentStream(); st != nil {
			st.Close()
		}
		s.failAllPending(r)
		safeWake(s.ioSched, s.writerFiber)
		safeWake(s.reqSched, s.notifyFiber)
		if s.onDisconnect != nil {
			s.onDisconnect(s)
		}
		if s.autoConnect && s.dial != nil {
			s.startReconnect()
		}
	})
}

// safeWake schedules f unconditionally rather than gating on
// f.State() == fiber.HOLD: that check races the target fiber's own
// unlock-then-Yield sequence (enqueueSend can observe EXEC a moment
// before the fiber actually parks, and then never retry), which can
// strand a just-queued send until some unrelated later enqueue
// happens to catch HOLD. The scheduler's own Worker.pick skips a
// queued task whose fiber is still EXEC without dropping it, and
// drops one whose fiber already went TERM/EXCEPT, so scheduling
// blindly here cannot panic Resume and cannot lose the wakeup: the
// task sits in the queue until the fiber is actually parked, or is
// discarded if it has already exited.
func safeWake(sched *scheduler.Scheduler, f *fiber.Fiber) {
	if f != nil {
		_ = sched.Schedule(scheduler.FiberTask(f))
	}
}

func (s *Session) failAllPending(r Result) {
	s.pendingMu.Lock()
	pending := s.pending
	s.pending = make(map[uint64]*Ctx)
	s.pendingMu.Unlock()

	for _, c := range pending {
		c.resolve(r, nil)
	}
}
