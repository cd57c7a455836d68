// File: session/ctx.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package session

import (
	"sync/atomic"

	"github.com/momentics/fiberd/fiber"
	"github.com/momentics/fiberd/scheduler"
	"github.com/momentics/fiberd/timer"
)

// Ctx is the per-in-flight-request state correlating a sequence
// number to its waiting fiber.
type Ctx struct {
	sn        uint64
	timeoutMs int64

	resolved atomic.Bool
	result   Result
	response *Frame

	sched *scheduler.Scheduler
	f     *fiber.Fiber
	th    *timer.Handle
}

func newCtx(sn uint64, timeoutMs int64, sched *scheduler.Scheduler, f *fiber.Fiber) *Ctx {
	return &Ctx{sn: sn, timeoutMs: timeoutMs, sched: sched, f: f}
}

// resolve stores the outcome and reschedules the waiting fiber exactly
// once. A second call (e.g. a timeout racing a late response) is a
// no-op, mirroring the write-lock-serializes-refresh-vs-fire rule used
// by the timer wheel's own Reset/fire race.
func (c *Ctx) resolve(r Result, resp *Frame) {
	if !c.resolved.CompareAndSwap(false, true) {
		return
	}
	c.result = r
	c.response = resp
	if c.th != nil {
		c.th.Cancel()
	}
	_ = c.sched.Schedule(scheduler.FiberTask(c.f))
}

// SendCtx is a pending write on the session's send queue.
type SendCtx struct {
	sn   uint64
	cmd  uint32
	body []byte
}
