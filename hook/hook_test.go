package hook

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/momentics/fiberd/fiber"
	"github.com/momentics/fiberd/reactor"
	"github.com/momentics/fiberd/scheduler"
	"github.com/momentics/fiberd/timer"
)

func newTestRig(t *testing.T) (*scheduler.Scheduler, func()) {
	tm := timer.New(timer.DefaultSlots, timer.DefaultTickMs, timer.NewRealClock())
	r, err := reactor.New(tm)
	if err != nil {
		t.Fatalf("new reactor: %v", err)
	}
	Bind(r, tm)
	s := scheduler.New(2, false, "hook-test", scheduler.WithIdler(r))
	s.Start()
	return s, func() { s.Stop(); r.Close() }
}

func TestReadSuspendsUntilReadable(t *testing.T) {
	s, cleanup := newTestRig(t)
	defer cleanup()

	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := syscall.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("setnonblock: %v", err)
	}
	rfd, wfd := fds[0], fds[1]
	reactor.GetFdContext(rfd).SetIsSocket(true)
	defer syscall.Close(wfd)

	done := make(chan []byte, 1)
	f := fiber.New(func(ctx context.Context) {
		buf := make([]byte, 5)
		n, err := Read(ctx, rfd, buf)
		if err != nil {
			t.Errorf("read: %v", err)
		}
		done <- buf[:n]
	})
	if err := s.Schedule(scheduler.FiberTask(f)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	syscall.Write(wfd, []byte("hello"))

	select {
	case got := <-done:
		if string(got) != "hello" {
			t.Fatalf("expected hello, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("read never completed")
	}
}

// TestReadBypassesHookForNonSocket confirms Read delegates straight to
// the real syscall for a non-socket fd (a pipe here), returning EAGAIN
// immediately instead of suspending the fiber on the reactor.
func TestReadBypassesHookForNonSocket(t *testing.T) {
	s, cleanup := newTestRig(t)
	defer cleanup()

	fds := make([]int, 2)
	if err := syscall.Pipe2(fds, syscall.O_NONBLOCK); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	rfd, wfd := fds[0], fds[1]
	defer syscall.Close(rfd)
	defer syscall.Close(wfd)

	done := make(chan error, 1)
	f := fiber.New(func(ctx context.Context) {
		buf := make([]byte, 5)
		_, err := Read(ctx, rfd, buf)
		done <- err
	})
	if err := s.Schedule(scheduler.FiberTask(f)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	select {
	case err := <-done:
		if err != syscall.EAGAIN {
			t.Fatalf("expected EAGAIN from the unhooked syscall, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("read never returned; hook appears to have suspended a non-socket fd")
	}
}

func TestReadTimesOut(t *testing.T) {
	s, cleanup := newTestRig(t)
	defer cleanup()

	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := syscall.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("setnonblock: %v", err)
	}
	rfd, wfd := fds[0], fds[1]
	reactor.GetFdContext(rfd).SetIsSocket(true)
	defer syscall.Close(rfd)
	defer syscall.Close(wfd)

	SetTimeout(rfd, reactor.EventRead, 100*time.Millisecond)

	done := make(chan error, 1)
	f := fiber.New(func(ctx context.Context) {
		buf := make([]byte, 5)
		_, err := Read(ctx, rfd, buf)
		done <- err
	})
	if err := s.Schedule(scheduler.FiberTask(f)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	select {
	case err := <-done:
		if err != ErrTimeout {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("read never timed out")
	}
}
