// File: reactor/reactor.go
// Package reactor implements a readiness-based epoll event loop and
// doubles as a scheduler.Idler: idle workers block in EpollWait instead
// of parking on a channel, waking on fd readiness or the next due timer.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on the teacher's reactor/reactor_linux.go
// (golang.org/x/sys/unix EpollCreate1/EpollCtl/EpollWait) and
// generalized to a per-(fd,direction) waiter with one-shot
// (EPOLLONESHOT, level-triggered) re-arming, since a single fd commonly has independent readers and
// writers suspended on it at once.

package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/momentics/fiberd/fiber"
	"github.com/momentics/fiberd/scheduler"
	"github.com/momentics/fiberd/timer"
)

// EventMask selects which directions a waiter cares about.
type EventMask uint32

const (
	EventRead EventMask = 1 << iota
	EventWrite
	EventError
)

// HardCapMs bounds how long the idle loop will block even with no
// timer pending, so a Stop() request is noticed promptly.
const HardCapMs = 3000

type waiter struct {
	onReady func(EventMask)
}

type fdSlot struct {
	mu    sync.Mutex
	read  *waiter
	write *waiter
	armed uint32 // epoll event bits currently registered
}

// Reactor owns one epoll fd, the per-fd waiter table, and a self-pipe
// used to wake a blocked EpollWait from another goroutine (Tickle).
type Reactor struct {
	epfd int

	mu    sync.RWMutex
	slots map[int]*fdSlot

	tickleR int
	tickleW int

	timers *timer.Manager

	closed sync.Once
}

// New creates a Reactor driving its idle-fiber wait off tm's deadlines.
func New(tm *timer.Manager) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll create: %w", err)
	}
	r := &Reactor{
		epfd:   epfd,
		slots:  make(map[int]*fdSlot),
		timers: tm,
	}
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: tickle pipe: %w", err)
	}
	r.tickleR, r.tickleW = fds[0], fds[1]
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, r.tickleR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(r.tickleR),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(r.tickleR)
		unix.Close(r.tickleW)
		return nil, fmt.Errorf("reactor: tickle register: %w", err)
	}
	tm.OnTimerInsertedAtFront(func() { r.Tickle(nil) })
	return r, nil
}

func (r *Reactor) slotFor(fd int) *fdSlot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.slots[fd]
	if s == nil {
		s = &fdSlot{}
		r.slots[fd] = s
	}
	return s
}

// ErrAlreadyArmed is returned by AddEvent when the requested direction
// on fd already has a waiter registered: at most one waiter per
// (fd, direction) may be armed in the reactor at any time.
var ErrAlreadyArmed = errors.New("reactor: fd direction already armed")

// AddEvent arms mask on fd, invoking onReady exactly once the next time
// the fd becomes ready in that direction (one-shot: the fd is
// registered with EPOLLONESHOT and without EPOLLET, so it is
// level-triggered; callers that want repeated notification call
// AddEvent again from onReady). Fails
// with ErrAlreadyArmed, without touching the epoll registration, if any
// requested direction already has a waiter parked on it.
func (r *Reactor) AddEvent(fd int, mask EventMask, onReady func(EventMask)) error {
	s := r.slotFor(fd)
	s.mu.Lock()
	defer s.mu.Unlock()

	if mask&EventRead != 0 && s.read != nil {
		return ErrAlreadyArmed
	}
	if mask&EventWrite != 0 && s.write != nil {
		return ErrAlreadyArmed
	}

	if mask&EventRead != 0 {
		s.read = &waiter{onReady: onReady}
	}
	if mask&EventWrite != 0 {
		s.write = &waiter{onReady: onReady}
	}

	var bits uint32
	if s.read != nil {
		bits |= unix.EPOLLIN
	}
	if s.write != nil {
		bits |= unix.EPOLLOUT
	}
	bits |= unix.EPOLLONESHOT

	op := unix.EPOLL_CTL_MOD
	if s.armed == 0 {
		op = unix.EPOLL_CTL_ADD
	}
	ev := unix.EpollEvent{Events: bits, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll ctl: %w", err)
	}
	s.armed = bits
	return nil
}

// DelEvent removes interest in mask on fd without firing its waiter.
func (r *Reactor) DelEvent(fd int, mask EventMask) error {
	s := r.slotFor(fd)
	s.mu.Lock()
	defer s.mu.Unlock()
	if mask&EventRead != 0 {
		s.read = nil
	}
	if mask&EventWrite != 0 {
		s.write = nil
	}
	return r.rearmOrRemoveLocked(fd, s)
}

// CancelEvent fires mask's waiter (if any) with EventError and removes
// it, for the case where a fiber's deadline timer expires before the
// fd ever became ready.
func (r *Reactor) CancelEvent(fd int, mask EventMask) {
	s := r.slotFor(fd)
	s.mu.Lock()
	var fired []*waiter
	if mask&EventRead != 0 && s.read != nil {
		fired = append(fired, s.read)
		s.read = nil
	}
	if mask&EventWrite != 0 && s.write != nil {
		fired = append(fired, s.write)
		s.write = nil
	}
	_ = r.rearmOrRemoveLocked(fd, s)
	s.mu.Unlock()
	for _, w := range fired {
		w.onReady(EventError)
	}
}

// CancelAll cancels both directions on fd, used when a connection is
// being torn down.
func (r *Reactor) CancelAll(fd int) {
	r.CancelEvent(fd, EventRead|EventWrite)
	r.mu.Lock()
	delete(r.slots, fd)
	r.mu.Unlock()
}

func (r *Reactor) rearmOrRemoveLocked(fd int, s *fdSlot) error {
	var bits uint32
	if s.read != nil {
		bits |= unix.EPOLLIN
	}
	if s.write != nil {
		bits |= unix.EPOLLOUT
	}
	if bits == 0 {
		if s.armed != 0 {
			unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		}
		s.armed = 0
		return nil
	}
	bits |= unix.EPOLLONESHOT
	ev := unix.EpollEvent{Events: bits, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll ctl: %w", err)
	}
	s.armed = bits
	return nil
}

// Close releases the epoll fd and the self-pipe.
func (r *Reactor) Close() error {
	r.closed.Do(func() {
		unix.Close(r.epfd)
		unix.Close(r.tickleR)
		unix.Close(r.tickleW)
	})
	return nil
}

// Idle implements scheduler.Idler: it blocks in EpollWait for at most
// min(timer.NextTimer(), HardCapMs), dispatches every fd-ready waiter
// and every expired timer as a scheduled task, then yields back to the
// worker loop.
func (r *Reactor) Idle(ctx context.Context, w *scheduler.Worker) {
	timeoutMs := HardCapMs
	if ms, ok := r.timers.NextTimer(); ok && int(ms) < timeoutMs {
		if ms < 0 {
			ms = 0
		}
		timeoutMs = int(ms)
	}

	const maxEvents = 128
	var events [maxEvents]unix.EpollEvent
	n, err := unix.EpollWait(r.epfd, events[:], timeoutMs)
	if err != nil && err != unix.EINTR {
		fiber.Yield(ctx, fiber.READY)
		return
	}

	for i := 0; i < n; i++ {
		ev := events[i]
		fd := int(ev.Fd)
		if fd == r.tickleR {
			var buf [64]byte
			for {
				if n, _ := unix.Read(r.tickleR, buf[:]); n <= 0 {
					break
				}
			}
			continue
		}

		var mask EventMask
		if ev.Events&unix.EPOLLIN != 0 {
			mask |= EventRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			mask |= EventWrite
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			mask |= EventError
			mask |= EventRead | EventWrite
		}

		s := r.slotFor(fd)
		s.mu.Lock()
		var fired []*waiter
		var firedMask EventMask
		if mask&EventRead != 0 && s.read != nil {
			fired = append(fired, s.read)
			s.read = nil
			firedMask = mask
		}
		if mask&EventWrite != 0 && s.write != nil {
			fired = append(fired, s.write)
			s.write = nil
			firedMask = mask
		}
		r.rearmOrRemoveLocked(fd, s)
		s.mu.Unlock()

		for _, wt := range fired {
			onReady := wt.onReady
			m := firedMask
			_ = w.Scheduler().Schedule(scheduler.CallbackTask(func() { onReady(m) }))
		}
	}

	expired := r.timers.ListExpired(r.timers.Now())
	if len(expired) > 0 {
		tasks := make([]scheduler.Task, 0, len(expired))
		for _, t := range expired {
			if cb := t.Callback(); cb != nil {
				tasks = append(tasks, scheduler.CallbackTask(cb))
			}
		}
		if len(tasks) > 0 {
			_ = w.Scheduler().ScheduleBatch(tasks)
		}
	}

	fiber.Yield(ctx, fiber.READY)
}

// Tickle implements scheduler.Idler by waking one goroutine blocked in
// EpollWait on this reactor's epfd, via the self-pipe.
func (r *Reactor) Tickle(*scheduler.Scheduler) {
	var b [1]byte
	unix.Write(r.tickleW, b[:])
}
