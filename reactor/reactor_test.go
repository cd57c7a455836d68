package reactor

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/fiberd/timer"
)

func TestAddEventFiresOnReadable(t *testing.T) {
	tm := timer.New(timer.DefaultSlots, timer.DefaultTickMs, timer.NewRealClock())
	r, err := New(tm)
	if err != nil {
		t.Fatalf("new reactor: %v", err)
	}
	defer r.Close()

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	rfd, wfd := fds[0], fds[1]
	defer unix.Close(rfd)
	defer unix.Close(wfd)

	done := make(chan EventMask, 1)
	if err := r.AddEvent(rfd, EventRead, func(m EventMask) { done <- m }); err != nil {
		t.Fatalf("add event: %v", err)
	}

	var b [1]byte
	unix.Write(wfd, b[:])

	const maxEvents = 8
	var events [maxEvents]unix.EpollEvent
	n, err := unix.EpollWait(r.epfd, events[:], 1000)
	if err != nil {
		t.Fatalf("epoll wait: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected at least one event")
	}
	found := false
	for i := 0; i < n; i++ {
		if int(events[i].Fd) == rfd {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected rfd among ready events")
	}
}

func TestCancelEventFiresError(t *testing.T) {
	tm := timer.New(timer.DefaultSlots, timer.DefaultTickMs, timer.NewRealClock())
	r, err := New(tm)
	if err != nil {
		t.Fatalf("new reactor: %v", err)
	}
	defer r.Close()

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	rfd, wfd := fds[0], fds[1]
	defer unix.Close(rfd)
	defer unix.Close(wfd)

	got := make(chan EventMask, 1)
	if err := r.AddEvent(rfd, EventRead, func(m EventMask) { got <- m }); err != nil {
		t.Fatalf("add event: %v", err)
	}
	r.CancelEvent(rfd, EventRead)

	select {
	case m := <-got:
		if m&EventError == 0 {
			t.Fatalf("expected EventError, got %v", m)
		}
	case <-time.After(time.Second):
		t.Fatalf("cancel did not fire waiter")
	}
}

func TestAddEventRejectsSecondWaiterOnSameDirection(t *testing.T) {
	tm := timer.New(timer.DefaultSlots, timer.DefaultTickMs, timer.NewRealClock())
	r, err := New(tm)
	if err != nil {
		t.Fatalf("new reactor: %v", err)
	}
	defer r.Close()

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	rfd, wfd := fds[0], fds[1]
	defer unix.Close(rfd)
	defer unix.Close(wfd)

	first := make(chan EventMask, 1)
	if err := r.AddEvent(rfd, EventRead, func(m EventMask) { first <- m }); err != nil {
		t.Fatalf("first add event: %v", err)
	}

	second := make(chan EventMask, 1)
	err = r.AddEvent(rfd, EventRead, func(m EventMask) { second <- m })
	if err != ErrAlreadyArmed {
		t.Fatalf("second add event: got %v, want ErrAlreadyArmed", err)
	}

	r.CancelEvent(rfd, EventRead)

	select {
	case m := <-first:
		if m&EventError == 0 {
			t.Fatalf("expected EventError on first waiter, got %v", m)
		}
	case <-time.After(time.Second):
		t.Fatalf("cancel did not wake the first (surviving) waiter")
	}

	select {
	case <-second:
		t.Fatalf("rejected second waiter must never be woken")
	default:
	}
}
