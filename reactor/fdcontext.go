// File: reactor/fdcontext.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"sync"
	"time"
)

// NoTimeout is the sentinel recv/send timeout meaning "block
// indefinitely", matching time.Duration's own zero-value-is-not-enough
// need for an explicit "no deadline" value.
const NoTimeout = time.Duration(1<<63 - 1)

// FdContext tracks the per-fd bookkeeping package hook needs to decide
// whether a given fd should suspend the calling fiber on EAGAIN: is it
// a socket, did the application ask for non-blocking mode itself, has
// hook put the underlying fd into non-blocking mode, and what
// recv/send deadlines apply.
type FdContext struct {
	fd int

	mu           sync.RWMutex
	isSocket     bool
	userNonblock bool
	sysNonblock  bool
	closed       bool
	recvTimeout  time.Duration
	sendTimeout  time.Duration
}

func newFdContext(fd int) *FdContext {
	return &FdContext{fd: fd, recvTimeout: NoTimeout, sendTimeout: NoTimeout}
}

// Fd returns the underlying file descriptor.
func (c *FdContext) Fd() int { return c.fd }

func (c *FdContext) IsSocket() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isSocket
}

func (c *FdContext) SetIsSocket(v bool) {
	c.mu.Lock()
	c.isSocket = v
	c.mu.Unlock()
}

func (c *FdContext) UserNonblock() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userNonblock
}

func (c *FdContext) SetUserNonblock(v bool) {
	c.mu.Lock()
	c.userNonblock = v
	c.mu.Unlock()
}

func (c *FdContext) SysNonblock() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sysNonblock
}

func (c *FdContext) SetSysNonblock(v bool) {
	c.mu.Lock()
	c.sysNonblock = v
	c.mu.Unlock()
}

func (c *FdContext) RecvTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recvTimeout
}

func (c *FdContext) SetRecvTimeout(d time.Duration) {
	c.mu.Lock()
	c.recvTimeout = d
	c.mu.Unlock()
}

func (c *FdContext) SendTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sendTimeout
}

func (c *FdContext) SetSendTimeout(d time.Duration) {
	c.mu.Lock()
	c.sendTimeout = d
	c.mu.Unlock()
}

// IsClosed reports whether Close has already been called for this fd.
// A fiber parked in hook.Read/hook.Write that is still holding this
// *FdContext when another goroutine closes the fd observes this flip
// without needing to re-look-up the (possibly already reused) fd
// number in the process-wide table.
func (c *FdContext) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// SetClosed marks this FdContext closed.
func (c *FdContext) SetClosed(v bool) {
	c.mu.Lock()
	c.closed = v
	c.mu.Unlock()
}

var fdContexts sync.Map // map[int]*FdContext

// GetFdContext returns fd's FdContext, creating one on first use.
func GetFdContext(fd int) *FdContext {
	if v, ok := fdContexts.Load(fd); ok {
		return v.(*FdContext)
	}
	c := newFdContext(fd)
	actual, _ := fdContexts.LoadOrStore(fd, c)
	return actual.(*FdContext)
}

// RemoveFdContext marks fd's FdContext closed and drops it from the
// table, called when the fd is closed so a later unrelated fd of the
// same number starts fresh.
func RemoveFdContext(fd int) {
	if v, ok := fdContexts.Load(fd); ok {
		v.(*FdContext).SetClosed(true)
	}
	fdContexts.Delete(fd)
}
