package tcpserver

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/momentics/fiberd/fiber"
	"github.com/momentics/fiberd/hook"
	"github.com/momentics/fiberd/netstream"
	"github.com/momentics/fiberd/reactor"
	"github.com/momentics/fiberd/scheduler"
	"github.com/momentics/fiberd/timer"
)

func runFiber(s *scheduler.Scheduler, fn func(ctx context.Context)) {
	f := fiber.New(fn)
	_ = s.Schedule(scheduler.FiberTask(f))
}

func tcpSockaddr(a *net.TCPAddr) (syscall.Sockaddr, error) {
	if ip4 := a.IP.To4(); ip4 != nil {
		sa := &syscall.SockaddrInet4{Port: a.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	if ip6 := a.IP.To16(); ip6 != nil {
		sa := &syscall.SockaddrInet6{Port: a.Port}
		copy(sa.Addr[:], ip6)
		return sa, nil
	}
	return nil, errors.New("tcpserver: unresolved address")
}

type echoHandler struct {
	got chan string
}

func (h *echoHandler) HandleClient(ctx context.Context, conn *netstream.Stream) {
	buf := make([]byte, 5)
	if err := conn.ReadExact(ctx, buf); err != nil {
		h.got <- ""
		return
	}
	h.got <- string(buf)
	conn.WriteExact(ctx, buf)
}

func TestAcceptDispatchesToHandler(t *testing.T) {
	tm := timer.New(timer.DefaultSlots, timer.DefaultTickMs, timer.NewRealClock())
	r, err := reactor.New(tm)
	if err != nil {
		t.Fatalf("new reactor: %v", err)
	}
	defer r.Close()
	hook.Bind(r, tm)

	s := scheduler.New(2, false, "tcpserver-test", scheduler.WithIdler(r))
	s.Start()
	defer s.Stop()

	srv, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	h := &echoHandler{got: make(chan string, 1)}
	if err := srv.Start(s, h); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	clientDone := make(chan string, 1)
	client := func(ctx context.Context) {
		sa, err := tcpSockaddr(srv.Addr())
		if err != nil {
			clientDone <- ""
			return
		}
		conn, err := netstream.Connect(ctx, sa)
		if err != nil {
			clientDone <- ""
			return
		}
		defer conn.Close()
		if err := conn.WriteExact(ctx, []byte("hello")); err != nil {
			clientDone <- ""
			return
		}
		buf := make([]byte, 5)
		if err := conn.ReadExact(ctx, buf); err != nil {
			clientDone <- ""
			return
		}
		clientDone <- string(buf)
	}

	runFiber(s, client)

	select {
	case got := <-h.got:
		if got != "hello" {
			t.Fatalf("expected hello, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received connection")
	}

	select {
	case got := <-clientDone:
		if got != "hello" {
			t.Fatalf("expected echoed hello, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("client never got echo")
	}
}
