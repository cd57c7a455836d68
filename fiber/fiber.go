// File: fiber/fiber.go
// Package fiber implements a resumable unit of work with its own
// continuation, modeled as a goroutine parked on a resume/yield handoff
// rather than a raw stack switch.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fiber

import (
	"context"
	"fmt"
	"sync/atomic"
)

// State is the fiber lifecycle state.
type State int32

const (
	INIT State = iota
	READY
	EXEC
	HOLD
	TERM
	EXCEPT
)

func (s State) String() string {
	switch s {
	case INIT:
		return "INIT"
	case READY:
		return "READY"
	case EXEC:
		return "EXEC"
	case HOLD:
		return "HOLD"
	case TERM:
		return "TERM"
	case EXCEPT:
		return "EXCEPT"
	default:
		return "UNKNOWN"
	}
}

// Entry is the user function run inside a fiber. It receives a context
// that always carries the running fiber itself, retrievable via Current.
type Entry func(ctx context.Context)

var idSeq atomic.Uint64

type ctxKey struct{}

// Fiber is a cooperatively scheduled unit of work with its own
// continuation. It is never preempted except at a yield point.
type Fiber struct {
	id      uint64
	state   atomic.Int32
	entry   Entry
	resume  chan struct{}
	yielded chan struct{}
	started atomic.Bool

	// LastWorker records the id of the scheduler worker that most
	// recently ran this fiber. -1 if never run.
	LastWorker int

	// Err holds the panic payload if the fiber terminated via EXCEPT.
	Err error

	// ctx is the context handed to the entry function; it is rebuilt
	// on every Reset so stale values never leak across reuse.
	ctx context.Context
}

// New creates a fiber in state INIT. It does not start the backing
// goroutine; that happens lazily on the first Resume.
func New(entry Entry) *Fiber {
	f := &Fiber{
		id:         idSeq.Add(1),
		entry:      entry,
		resume:     make(chan struct{}, 1),
		yielded:    make(chan struct{}, 1),
		LastWorker: -1,
	}
	f.state.Store(int32(INIT))
	return f
}

// ID returns the fiber's monotonic identity.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// Current returns the fiber running on the calling goroutine, if any.
// Outside of a fiber's own entry (e.g. on a scheduler's main/idle
// fiber), ok is false.
func Current(ctx context.Context) (*Fiber, bool) {
	f, ok := ctx.Value(ctxKey{}).(*Fiber)
	return f, ok
}

// Resume enters the fiber from the caller (normally a scheduler
// worker). It blocks until the fiber yields back control or
// terminates. Resume is illegal unless the fiber is READY, HOLD, or
// (on the very first call) INIT.
func (f *Fiber) Resume(parent context.Context) {
	switch f.State() {
	case READY, HOLD:
		f.state.Store(int32(EXEC))
		f.resume <- struct{}{}
	case INIT:
		f.state.Store(int32(EXEC))
		f.ctx = context.WithValue(parent, ctxKey{}, f)
		f.started.Store(true)
		go f.run()
	default:
		panic(fmt.Sprintf("fiber: resume illegal from state %s", f.State()))
	}
	<-f.yielded
}

// run is the backing goroutine's body. It executes exactly once per
// Fiber lifetime (a terminal fiber must be Reset before reuse).
func (f *Fiber) run() {
	defer func() {
		if r := recover(); r != nil {
			f.Err = fmt.Errorf("fiber %d panic: %v", f.id, r)
			f.state.Store(int32(EXCEPT))
		}
		f.yielded <- struct{}{}
	}()
	f.entry(f.ctx)
	if f.State() != EXCEPT {
		f.state.Store(int32(TERM))
	}
}

// Yield suspends the calling fiber, handing control back to whatever
// Resumed it, and sets its own state to next (READY to be rescheduled
// immediately, or HOLD to wait on some external event). Yield must be
// called from inside the fiber's own goroutine.
func Yield(ctx context.Context, next State) {
	f, ok := Current(ctx)
	if !ok {
		panic("fiber: Yield called outside a fiber")
	}
	if next != READY && next != HOLD {
		panic("fiber: Yield target state must be READY or HOLD")
	}
	f.state.Store(int32(next))
	f.yielded <- struct{}{}
	<-f.resume
}

// Reset rearms a terminal fiber with a new entry so its goroutine slot
// (and, implicitly, GC pressure) can be reused. Legal only from TERM,
// EXCEPT (the scheduler reuses its callback wrapper after a panic), or
// INIT (a reset of a never-started fiber); any other state panics.
func (f *Fiber) Reset(entry Entry) {
	switch f.State() {
	case TERM, EXCEPT, INIT:
		f.entry = entry
		f.state.Store(int32(INIT))
		f.started.Store(false)
		f.Err = nil
		// Fresh channels: the old goroutine, if any, has already
		// returned by the time a fiber reaches TERM/EXCEPT.
		f.resume = make(chan struct{}, 1)
		f.yielded = make(chan struct{}, 1)
	default:
		panic(fmt.Sprintf("fiber: reset illegal from state %s", f.State()))
	}
}
