package protocol

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/momentics/fiberd/fiber"
	"github.com/momentics/fiberd/hook"
	"github.com/momentics/fiberd/netstream"
	"github.com/momentics/fiberd/reactor"
	"github.com/momentics/fiberd/scheduler"
	"github.com/momentics/fiberd/session"
	"github.com/momentics/fiberd/timer"
)

func newRockRig(t *testing.T) (*scheduler.Scheduler, func(), *netstream.Stream, *netstream.Stream) {
	tm := timer.New(timer.DefaultSlots, timer.DefaultTickMs, timer.NewRealClock())
	r, err := reactor.New(tm)
	if err != nil {
		t.Fatalf("new reactor: %v", err)
	}
	hook.Bind(r, tm)
	s := scheduler.New(2, false, "rock-test", scheduler.WithIdler(r))
	s.Start()

	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	cleanup := func() { s.Stop(); r.Close() }
	return s, cleanup, netstream.New(fds[0], true), netstream.New(fds[1], true)
}

func runRockFiber(s *scheduler.Scheduler, fn func(ctx context.Context)) {
	f := fiber.New(fn)
	_ = s.Schedule(scheduler.FiberTask(f))
}

func TestRequestEncodeDecodeRoundTrip(t *testing.T) {
	s, cleanup, a, b := newRockRig(t)
	defer cleanup()
	defer a.Close()
	defer b.Close()

	codec := RockCodec{}
	got := make(chan *Request, 1)

	runRockFiber(s, func(ctx context.Context) {
		req, err := codec.DecodeRequest(ctx, b)
		if err != nil {
			t.Errorf("decode request: %v", err)
			got <- nil
			return
		}
		got <- req
	})

	runRockFiber(s, func(ctx context.Context) {
		if err := codec.EncodeRequest(ctx, a, 7, 42, []byte("hello")); err != nil {
			t.Errorf("encode request: %v", err)
		}
	})

	select {
	case req := <-got:
		if req == nil {
			t.Fatalf("decode failed")
		}
		if req.Sn != 7 || req.Cmd != 42 || string(req.Body) != "hello" {
			t.Fatalf("unexpected request: %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("round trip never completed")
	}
}

func TestResponseDecodesAsSessionFrame(t *testing.T) {
	s, cleanup, a, b := newRockRig(t)
	defer cleanup()
	defer a.Close()
	defer b.Close()

	codec := RockCodec{}
	got := make(chan *session.Frame, 1)

	runRockFiber(s, func(ctx context.Context) {
		f, err := codec.DecodeFrame(ctx, b)
		if err != nil {
			t.Errorf("decode frame: %v", err)
			got <- nil
			return
		}
		got <- f
	})

	runRockFiber(s, func(ctx context.Context) {
		if err := codec.EncodeResponse(ctx, a, 3, 5, -1, "bad", []byte("body")); err != nil {
			t.Errorf("encode response: %v", err)
		}
	})

	select {
	case f := <-got:
		if f == nil {
			t.Fatalf("decode failed")
		}
		if f.Kind != session.FrameResponse || f.Sn != 3 || f.Cmd != 5 || f.ResultCode != -1 || f.ResultStr != "bad" || string(f.Body) != "body" {
			t.Fatalf("unexpected frame: %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("round trip never completed")
	}
}

func TestNotifyDecodesAsSessionFrame(t *testing.T) {
	s, cleanup, a, b := newRockRig(t)
	defer cleanup()
	defer a.Close()
	defer b.Close()

	codec := RockCodec{}
	got := make(chan *session.Frame, 1)

	runRockFiber(s, func(ctx context.Context) {
		f, err := codec.DecodeFrame(ctx, b)
		if err != nil {
			t.Errorf("decode frame: %v", err)
			got <- nil
			return
		}
		got <- f
	})

	runRockFiber(s, func(ctx context.Context) {
		if err := codec.EncodeNotify(ctx, a, 99, []byte("ping")); err != nil {
			t.Errorf("encode notify: %v", err)
		}
	})

	select {
	case f := <-got:
		if f == nil {
			t.Fatalf("decode failed")
		}
		if f.Kind != session.FrameNotify || f.Cmd != 99 || string(f.Body) != "ping" {
			t.Fatalf("unexpected frame: %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("round trip never completed")
	}
}

func TestDecodeFrameRejectsRequestType(t *testing.T) {
	s, cleanup, a, b := newRockRig(t)
	defer cleanup()
	defer a.Close()
	defer b.Close()

	codec := RockCodec{}
	errs := make(chan error, 1)

	runRockFiber(s, func(ctx context.Context) {
		_, err := codec.DecodeFrame(ctx, b)
		errs <- err
	})

	runRockFiber(s, func(ctx context.Context) {
		if err := codec.EncodeRequest(ctx, a, 1, 1, nil); err != nil {
			t.Errorf("encode request: %v", err)
		}
	})

	select {
	case err := <-errs:
		if err != ErrBadFrame {
			t.Fatalf("expected ErrBadFrame, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("decode never returned")
	}
}

func TestDecodeRequestRejectsNonRequestType(t *testing.T) {
	s, cleanup, a, b := newRockRig(t)
	defer cleanup()
	defer a.Close()
	defer b.Close()

	codec := RockCodec{}
	errs := make(chan error, 1)

	runRockFiber(s, func(ctx context.Context) {
		_, err := codec.DecodeRequest(ctx, b)
		errs <- err
	})

	runRockFiber(s, func(ctx context.Context) {
		if err := codec.EncodeNotify(ctx, a, 1, nil); err != nil {
			t.Errorf("encode notify: %v", err)
		}
	})

	select {
	case err := <-errs:
		if err != ErrBadFrame {
			t.Fatalf("expected ErrBadFrame, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("decode never returned")
	}
}

func TestDecodeFrameTooLarge(t *testing.T) {
	s, cleanup, a, b := newRockRig(t)
	defer cleanup()
	defer a.Close()
	defer b.Close()

	errs := make(chan error, 1)
	runRockFiber(s, func(ctx context.Context) {
		_, err := (RockCodec{}).DecodeFrame(ctx, b)
		errs <- err
	})

	runRockFiber(s, func(ctx context.Context) {
		var lenBuf [4]byte
		lenBuf[0] = 0x7f
		_ = a.WriteExact(ctx, lenBuf[:])
	})

	select {
	case err := <-errs:
		if err != ErrFrameTooLarge {
			t.Fatalf("expected ErrFrameTooLarge, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("decode never returned")
	}
}
