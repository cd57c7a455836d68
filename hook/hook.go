// File: hook/hook.go
// Package hook is the sole sanctioned entry point for raw-fd I/O in
// this repository. Go cannot intercept libc syscalls process-wide the
// way an LD_PRELOAD-style hook does; routing every blocking-shaped call
// through these functions instead reaches the same outcome by a route
// Go actually allows — no code in this tree parks an OS thread on a
// would-block fd, because nothing outside this package ever calls
// syscall.Read/Write/Connect directly on a fiber-owned fd.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-thread hook enablement (the original's thread-local flag) maps to
// per-scheduler.Worker enablement, grounded on teacher's
// PinCurrentThread/runtime.LockOSThread use in
// internal/concurrency/executor.go's worker loop: each Worker already
// pins itself to one OS thread for its lifetime, so a bool field on
// *scheduler.Worker is exactly as meaningful as the original's TLS slot.
package hook

import (
	"context"
	"errors"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/momentics/fiberd/fiber"
	"github.com/momentics/fiberd/reactor"
	"github.com/momentics/fiberd/scheduler"
	"github.com/momentics/fiberd/timer"
)

// ErrTimeout is returned by Read/Write/Connect when the fd's configured
// recv/send timeout elapses before the fd became ready.
var ErrTimeout = errors.New("hook: i/o timeout")

var (
	theReactor *reactor.Reactor
	theTimers  *timer.Manager
)

// Bind installs the reactor and timer manager that hook suspends fibers
// against. Call once during startup, before any worker is started.
func Bind(r *reactor.Reactor, tm *timer.Manager) {
	theReactor = r
	theTimers = tm
}

func hookEnabled(ctx context.Context) bool {
	w, ok := scheduler.CurrentWorker(ctx)
	if !ok || theReactor == nil {
		return false
	}
	return w.HookEnabled.Load()
}

// waitFd suspends the calling fiber until fd becomes ready for mask, or
// timeout elapses (reactor.NoTimeout disables the deadline). Returns
// the event mask that actually fired, or ErrTimeout.
func waitFd(ctx context.Context, fd int, mask reactor.EventMask, timeout time.Duration) (reactor.EventMask, error) {
	f, ok := fiber.Current(ctx)
	if !ok {
		panic("hook: waitFd called outside a fiber")
	}
	sched, ok := scheduler.Current(ctx)
	if !ok {
		panic("hook: waitFd called outside a scheduler")
	}

	var done atomic.Bool
	var timedOut atomic.Bool
	var resultMask reactor.EventMask
	var th *timer.Handle

	onReady := func(m reactor.EventMask) {
		if !done.CompareAndSwap(false, true) {
			return
		}
		resultMask = m
		if th != nil {
			th.Cancel()
		}
		_ = sched.Schedule(scheduler.FiberTask(f))
	}
	if err := theReactor.AddEvent(fd, mask, onReady); err != nil {
		return 0, err
	}

	if timeout > 0 && timeout != reactor.NoTimeout {
		th = theTimers.AddTimer(timeout.Milliseconds(), func() {
			if !done.CompareAndSwap(false, true) {
				return
			}
			timedOut.Store(true)
			theReactor.DelEvent(fd, mask)
			_ = sched.Schedule(scheduler.FiberTask(f))
		}, false)
	}

	fiber.Yield(ctx, fiber.HOLD)
	if timedOut.Load() {
		return 0, ErrTimeout
	}
	if resultMask&reactor.EventError != 0 {
		return resultMask, nil
	}
	return resultMask, nil
}

// Read behaves like syscall.Read but, when called from a hooked fiber
// on a non-user-nonblock socket fd, suspends the fiber instead of the
// OS thread across EAGAIN, honoring the fd's recv timeout.
func Read(ctx context.Context, fd int, b []byte) (int, error) {
	fc := reactor.GetFdContext(fd)
	if !hookEnabled(ctx) || fc.UserNonblock() || !fc.IsSocket() || fc.IsClosed() {
		return syscall.Read(fd, b)
	}
	for {
		n, err := syscall.Read(fd, b)
		if err == syscall.EAGAIN {
			if _, werr := waitFd(ctx, fd, reactor.EventRead, fc.RecvTimeout()); werr != nil {
				return 0, werr
			}
			continue
		}
		if err == syscall.EINTR {
			continue
		}
		return n, err
	}
}

// Write behaves like syscall.Write but suspends the fiber across EAGAIN
// the same way Read does, honoring the fd's send timeout.
func Write(ctx context.Context, fd int, b []byte) (int, error) {
	fc := reactor.GetFdContext(fd)
	if !hookEnabled(ctx) || fc.UserNonblock() || !fc.IsSocket() || fc.IsClosed() {
		return syscall.Write(fd, b)
	}
	total := 0
	for total < len(b) {
		n, err := syscall.Write(fd, b[total:])
		if err == syscall.EAGAIN {
			if _, werr := waitFd(ctx, fd, reactor.EventWrite, fc.SendTimeout()); werr != nil {
				return total, werr
			}
			continue
		}
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Accept accepts a connection on listening fd, suspending the calling
// fiber across EAGAIN the same way Read does. The returned fd is put
// into non-blocking mode and marked as a socket before being handed
// back, so a caller's first hooked Read/Write on it behaves correctly.
func Accept(ctx context.Context, fd int) (int, syscall.Sockaddr, error) {
	fc := reactor.GetFdContext(fd)
	for {
		nfd, sa, err := syscall.Accept4(fd, syscall.SOCK_NONBLOCK)
		if err == syscall.EAGAIN {
			if !hookEnabled(ctx) {
				return 0, nil, err
			}
			if _, werr := waitFd(ctx, fd, reactor.EventRead, fc.RecvTimeout()); werr != nil {
				return 0, nil, werr
			}
			continue
		}
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return 0, nil, err
		}
		nfc := reactor.GetFdContext(nfd)
		nfc.SetIsSocket(true)
		nfc.SetSysNonblock(true)
		return nfd, sa, nil
	}
}

// Connect performs a non-blocking connect, suspending the calling fiber
// until the socket becomes writable (connected) or errors out.
func Connect(ctx context.Context, fd int, sa syscall.Sockaddr, timeout time.Duration) error {
	fc := reactor.GetFdContext(fd)
	fc.SetIsSocket(true)
	if err := syscall.SetNonblock(fd, true); err != nil {
		return err
	}
	fc.SetSysNonblock(true)

	err := syscall.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != syscall.EINPROGRESS && err != syscall.EAGAIN {
		return err
	}
	if !hookEnabled(ctx) {
		return err
	}
	if _, werr := waitFd(ctx, fd, reactor.EventWrite, timeout); werr != nil {
		return werr
	}
	errno, gerr := syscall.GetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if errno != 0 {
		return syscall.Errno(errno)
	}
	return nil
}

// Close cancels any waiters parked on fd, drops its FdContext, and
// closes the fd.
func Close(fd int) error {
	if theReactor != nil {
		theReactor.CancelAll(fd)
	}
	reactor.RemoveFdContext(fd)
	return syscall.Close(fd)
}

// SetNonblock records the application's own O_NONBLOCK request. Once
// set, hook never suspends the calling fiber on this fd — EAGAIN is
// returned straight to the caller, matching the original's rule that
// explicit user nonblocking mode disables interception.
func SetNonblock(fd int, nonblock bool) error {
	fc := reactor.GetFdContext(fd)
	fc.SetUserNonblock(nonblock)
	return nil
}

// SetTimeout sets fd's recv or send deadline for future hooked calls.
func SetTimeout(fd int, which reactor.EventMask, d time.Duration) {
	fc := reactor.GetFdContext(fd)
	if which&reactor.EventRead != 0 {
		fc.SetRecvTimeout(d)
	}
	if which&reactor.EventWrite != 0 {
		fc.SetSendTimeout(d)
	}
}

// Sleep suspends the calling fiber for d, rescheduling it once the
// timer wheel's sweep reaches its deadline, without blocking the OS
// thread the way time.Sleep would.
func Sleep(ctx context.Context, d time.Duration) {
	f, ok := fiber.Current(ctx)
	if !ok {
		time.Sleep(d)
		return
	}
	sched, ok := scheduler.Current(ctx)
	if !ok {
		time.Sleep(d)
		return
	}
	theTimers.AddTimer(d.Milliseconds(), func() {
		_ = sched.Schedule(scheduler.FiberTask(f))
	}, false)
	fiber.Yield(ctx, fiber.HOLD)
}
