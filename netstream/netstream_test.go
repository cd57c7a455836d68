package netstream

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/momentics/fiberd/fiber"
	"github.com/momentics/fiberd/hook"
	"github.com/momentics/fiberd/reactor"
	"github.com/momentics/fiberd/scheduler"
	"github.com/momentics/fiberd/timer"
)

func TestReadExactAcrossMultipleWrites(t *testing.T) {
	tm := timer.New(timer.DefaultSlots, timer.DefaultTickMs, timer.NewRealClock())
	r, err := reactor.New(tm)
	if err != nil {
		t.Fatalf("new reactor: %v", err)
	}
	defer r.Close()
	hook.Bind(r, tm)

	s := scheduler.New(2, false, "netstream-test", scheduler.WithIdler(r))
	s.Start()
	defer s.Stop()

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
		st := New(rfd, true)
		buf := make([]byte, 10)
		if err := st.ReadExact(ctx, buf); err != nil {
			t.Errorf("read exact: %v", err)
			done <- nil
			return
		}
		done <- buf
	})
	if err := s.Schedule(scheduler.FiberTask(f)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	syscall.Write(wfd, []byte("hello"))
	time.Sleep(30 * time.Millisecond)
	syscall.Write(wfd, []byte("world"))

	select {
	case got := <-done:
		if string(got) != "helloworld" {
			t.Fatalf("expected helloworld, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("read exact never completed")
	}
}
