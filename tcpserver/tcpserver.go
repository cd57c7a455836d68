// File: tcpserver/tcpserver.go
// Package tcpserver binds a listening TCP socket and dispatches each
// accepted connection to a ClientHandler on a caller-chosen scheduler.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on server/server.go's NewServer/Serve/Shutdown shape: a
// listener is bound up front, Serve's accept loop runs until told to
// stop, and each connection is handed off for independent processing.
// Generalized from "go func(cConn *protocol.WSConnection)" per
// connection to posting a fiber onto a *scheduler.Scheduler, and from
// net.Listener.Accept to a hook.Accept loop so the accept loop itself
// suspends through the reactor instead of parking an OS thread.
package tcpserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/momentics/fiberd/fiber"
	"github.com/momentics/fiberd/hook"
	"github.com/momentics/fiberd/netstream"
	"github.com/momentics/fiberd/reactor"
	"github.com/momentics/fiberd/scheduler"
)

// ErrAlreadyRunning is returned by Start if called more than once on
// the same Server.
var ErrAlreadyRunning = errors.New("tcpserver: already running")

// ClientHandler processes one accepted connection. Implementations run
// inside a fiber and may call any hook-backed blocking-shaped API
// (netstream, hook.Sleep, and so on) without parking an OS thread.
type ClientHandler interface {
	HandleClient(ctx context.Context, conn *netstream.Stream)
}

// Server binds one listening TCP socket and dispatches accepted
// connections to a ClientHandler.
type Server struct {
	fd          int
	addr        *net.TCPAddr
	sched       *scheduler.Scheduler
	handler     ClientHandler
	mu          sync.Mutex
	running     bool
	stopOnce    sync.Once
	stopCh      chan struct{}
	recvTimeout time.Duration
}

// Bind creates, binds, and listens on a TCP socket at addr ("host:port"),
// without yet accepting connections.
func Bind(addr string) (*Server, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}

	domain := syscall.AF_INET
	if tcpAddr.IP != nil && tcpAddr.IP.To4() == nil {
		domain = syscall.AF_INET6
	}
	fd, err := syscall.Socket(domain, syscall.SOCK_STREAM, syscall.IPPROTO_TCP)
	if err != nil {
		return nil, err
	}
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		syscall.Close(fd)
		return nil, err
	}

	sa, err := sockaddrFromTCPAddr(tcpAddr, domain)
	if err != nil {
		syscall.Close(fd)
		return nil, err
	}
	if err := syscall.Bind(fd, sa); err != nil {
		syscall.Close(fd)
		return nil, err
	}
	if err := syscall.Listen(fd, syscall.SOMAXCONN); err != nil {
		syscall.Close(fd)
		return nil, err
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return nil, err
	}

	if tcpAddr.Port == 0 {
		bound, err := syscall.Getsockname(fd)
		if err == nil {
			switch b := bound.(type) {
			case *syscall.SockaddrInet4:
				tcpAddr.Port = b.Port
			case *syscall.SockaddrInet6:
				tcpAddr.Port = b.Port
			}
		}
	}

	fc := reactor.GetFdContext(fd)
	fc.SetIsSocket(true)
	fc.SetSysNonblock(true)

	return &Server{
		fd:          fd,
		addr:        tcpAddr,
		stopCh:      make(chan struct{}),
		recvTimeout: reactor.NoTimeout,
	}, nil
}

func sockaddrFromTCPAddr(a *net.TCPAddr, domain int) (syscall.Sockaddr, error) {
	if domain == syscall.AF_INET6 {
		sa := &syscall.SockaddrInet6{Port: a.Port}
		if a.IP != nil {
			copy(sa.Addr[:], a.IP.To16())
		}
		return sa, nil
	}
	sa := &syscall.SockaddrInet4{Port: a.Port}
	if a.IP != nil {
		ip4 := a.IP.To4()
		if ip4 == nil {
			return nil, errors.New("tcpserver: not an IPv4 address")
		}
		copy(sa.Addr[:], ip4)
	}
	return sa, nil
}

// Addr returns the address the server was bound to.
func (s *Server) Addr() *net.TCPAddr { return s.addr }

// Fd returns the listening socket's file descriptor.
func (s *Server) Fd() int { return s.fd }

// SetRecvTimeout sets the recv timeout every subsequently accepted
// client connection is stamped with, per spec C8's "each accepted
// client is stamped with the server's recv timeout" contract.
func (s *Server) SetRecvTimeout(d time.Duration) {
	s.mu.Lock()
	s.recvTimeout = d
	s.mu.Unlock()
}

// RecvTimeout returns the recv timeout currently applied to newly
// accepted connections.
func (s *Server) RecvTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvTimeout
}

// Start schedules the accept loop onto sched, dispatching each accepted
// connection to handler via a fresh fiber. Start returns once the
// accept loop fiber has been scheduled, not once it exits.
func (s *Server) Start(sched *scheduler.Scheduler, handler ClientHandler) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.sched = sched
	s.handler = handler
	s.mu.Unlock()

	acceptFiber := fiber.New(func(ctx context.Context) {
		s.acceptLoop(ctx)
	})
	return sched.Schedule(scheduler.FiberTask(acceptFiber))
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		nfd, _, err := hook.Accept(ctx, s.fd)
		if err != nil {
			if err == syscall.EBADF || err == syscall.EINVAL {
				return
			}
			continue
		}

		reactor.GetFdContext(nfd).SetRecvTimeout(s.RecvTimeout())
		conn := netstream.New(nfd, true)
		handler := s.handler
		clientFiber := fiber.New(func(cctx context.Context) {
			defer conn.Close()
			handler.HandleClient(cctx, conn)
		})
		_ = s.sched.Schedule(scheduler.FiberTask(clientFiber))
	}
}

// Stop closes the listening socket and signals the accept loop to exit
// on its next EAGAIN wakeup.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		err = hook.Close(s.fd)
	})
	return err
}
