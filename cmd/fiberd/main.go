// File: cmd/fiberd/main.go
// Command fiberd runs the cooperative-fiber concurrency runtime as a
// standalone TCP server hosting Rock RPC and WebSocket sessions.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// CLI surface and daemon-supervisor loop grounded on
// original_source/Sylar/daemon.cc's start_daemon/real_daemon
// (fork-and-waitpid restart-on-nonclean-exit), reworked from
// C++'s fork(2)-based self-respawn into Go's exec.Command-based
// self-respawn since Go's runtime is not fork-safe post-goroutine
// start.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/momentics/fiberd/config"
	"github.com/momentics/fiberd/control"
	"github.com/momentics/fiberd/hook"
	"github.com/momentics/fiberd/netstream"
	"github.com/momentics/fiberd/protocol"
	"github.com/momentics/fiberd/reactor"
	"github.com/momentics/fiberd/rlog"
	"github.com/momentics/fiberd/scheduler"
	"github.com/momentics/fiberd/tcpserver"
	"github.com/momentics/fiberd/timer"
)

var log = rlog.Named("main")

func main() {
	foreground := flag.Bool("s", false, "run in foreground")
	daemonize := flag.Bool("d", false, "run as a daemon, restarting on non-clean exit")
	confDir := flag.String("c", ".", "config directory")
	printHelp := flag.Bool("p", false, "print help and exit")
	flag.Parse()

	if *printHelp {
		flag.Usage()
		return
	}
	if !*foreground && !*daemonize {
		fmt.Fprintln(os.Stderr, "fiberd: one of -s (foreground) or -d (daemon) is required")
		os.Exit(1)
	}

	cfg := config.NewDefault()
	if err := loadConfigDir(cfg, *confDir); err != nil {
		fmt.Fprintf(os.Stderr, "fiberd: invalid config: %v\n", err)
		os.Exit(1)
	}

	if *daemonize {
		os.Exit(runSupervised(cfg))
	}
	os.Exit(runServer(cfg))
}

// loadConfigDir is a placeholder seam for a directory-driven config
// loader: it reads no files and only records dir as server.work_path,
// so fiberd starts from the built-in defaults.
func loadConfigDir(cfg *config.Store, dir string) error {
	if dir == "" {
		return nil
	}
	cfg.Set("server.work_path", dir)
	return nil
}

// runSupervised re-execs the current binary in foreground mode,
// restarting it after daemon.restart_interval seconds (read with
// cfg.Int, default 1) whenever it exits uncleanly. Grounded on real_daemon's fork/waitpid
// loop, translated to exec.Command since Go processes do not survive
// a raw fork once multiple OS threads exist.
func runSupervised(cfg *config.Store) int {
	restartInterval := time.Duration(cfg.Int("daemon.restart_interval", 1)) * time.Second
	args := append([]string{"-s"}, filterDaemonFlag(os.Args[1:])...)

	for {
		cmd := exec.Command(os.Args[0], args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Stdin = os.Stdin

		log.Infof("starting child process: %v", args)
		err := cmd.Run()
		if err == nil {
			log.Infof("child exited cleanly")
			return 0
		}
		log.Errorf("child exited with error: %v; restarting in %s", err, restartInterval)
		time.Sleep(restartInterval)
	}
}

func filterDaemonFlag(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == "-d" || a == "-s" {
			continue
		}
		out = append(out, a)
	}
	return out
}

// runServer wires the full runtime for one foreground process:
// timer wheel, reactor, hook bindings, scheduler, TCP acceptors for
// the Rock RPC, WebSocket and HTTP/1.x protocols, and a debug probe
// registry.
func runServer(cfg *config.Store) int {
	tm := timer.New(timer.DefaultSlots, timer.DefaultTickMs, timer.NewRealClock())
	r, err := reactor.New(tm)
	if err != nil {
		log.Fatalf("new reactor: %v", err)
	}
	defer r.Close()
	hook.Bind(r, tm)

	sched := scheduler.New(4, false, "fiberd", scheduler.WithIdler(r))
	sched.Start()
	defer sched.Stop()

	probes := control.NewDebugProbes()
	metrics := control.NewMetricsRegistry()
	probes.RegisterProbe("config", func() any { return cfg.Snapshot() })
	control.RegisterPlatformProbes(probes)
	control.RegisterSchedulerProbes(probes, sched)
	metrics.Set("start_time", time.Now().Format(time.RFC3339))
	metrics.Sample(probes)

	rockAddr := cfg.StringOr("rock.listen", "0.0.0.0:9100")
	wsAddr := cfg.StringOr("ws.listen", "0.0.0.0:9101")
	recvTimeout := cfg.Duration("tcp.recv.timeout", 30*time.Second)

	rockSrv, err := tcpserver.Bind(rockAddr)
	if err != nil {
		log.Fatalf("bind rock listener %s: %v", rockAddr, err)
	}
	rockSrv.SetRecvTimeout(recvTimeout)
	if err := rockSrv.Start(sched, rockClientHandler{}); err != nil {
		log.Fatalf("start rock listener: %v", err)
	}
	log.Infof("rock rpc listening on %s", rockSrv.Addr())

	wsSrv, err := tcpserver.Bind(wsAddr)
	if err != nil {
		log.Fatalf("bind websocket listener %s: %v", wsAddr, err)
	}
	wsSrv.SetRecvTimeout(recvTimeout)
	if err := wsSrv.Start(sched, wsClientHandler{}); err != nil {
		log.Fatalf("start websocket listener: %v", err)
	}
	log.Infof("websocket listening on %s", wsSrv.Addr())

	httpAddr := cfg.StringOr("http.listen", "0.0.0.0:9102")
	httpSrv, err := tcpserver.Bind(httpAddr)
	if err != nil {
		log.Fatalf("bind http listener %s: %v", httpAddr, err)
	}
	httpSrv.SetRecvTimeout(recvTimeout)
	if err := httpSrv.Start(sched, http1ClientHandler{cfg: cfg}); err != nil {
		log.Fatalf("start http listener: %v", err)
	}
	log.Infof("http/1.x listening on %s", httpSrv.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Infof("shutting down")
	_ = rockSrv.Stop()
	_ = wsSrv.Stop()
	_ = httpSrv.Stop()
	return 0
}

// rockClientHandler implements tcpserver.ClientHandler for the Rock
// RPC protocol: every request is echoed back as its own response
// until a real service dispatcher is wired in.
type rockClientHandler struct{}

func (rockClientHandler) HandleClient(ctx context.Context, conn *netstream.Stream) {
	codec := protocol.RockCodec{}
	for {
		req, err := codec.DecodeRequest(ctx, conn)
		if err != nil {
			return
		}
		if err := codec.EncodeResponse(ctx, conn, req.Sn, req.Cmd, 0, "", req.Body); err != nil {
			return
		}
	}
}

// http1ClientHandler implements tcpserver.ClientHandler for plain
// HTTP/1.x: it drives protocol.RequestParser off the connection one
// request at a time and answers each with a minimal 200 response
// echoing the request path, until the peer disconnects or sends a
// malformed request.
type http1ClientHandler struct {
	cfg *config.Store
}

func (h http1ClientHandler) HandleClient(ctx context.Context, conn *netstream.Stream) {
	bufSize := int(h.cfg.Int("http.request.buffer_size", 8192))
	rb := protocol.NewRequestBuffer(conn, bufSize)

	for {
		var path string
		var bodyLen int
		p := protocol.NewRequestParser(h.cfg, protocol.RequestCallbacks{
			OnPath: func(v string) { path = v },
			OnBody: func(chunk []byte) { bodyLen += len(chunk) },
		})

		for !p.IsFinished() && !p.HasError() {
			if err := rb.Feed(ctx, p); err != nil {
				return
			}
		}
		if p.HasError() {
			_, _ = conn.Write(ctx, []byte("HTTP/1.1 400 Bad Request\r\nConnection: close\r\n\r\n"))
			return
		}

		body := fmt.Sprintf("%s (%d body bytes)", path, bodyLen)
		resp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\nConnection: keep-alive\r\n\r\n%s", len(body), body)
		if err := conn.WriteExact(ctx, []byte(resp)); err != nil {
			return
		}
	}
}

// wsClientHandler implements tcpserver.ClientHandler for the
// WebSocket protocol: completes the handshake, then echoes every
// data frame received back to the peer.
type wsClientHandler struct{}

func (wsClientHandler) HandleClient(ctx context.Context, conn *netstream.Stream) {
	wsConn, _, err := protocol.ServeUpgrade(ctx, conn)
	if err != nil {
		return
	}
	wsConn.SetHandler(func(f *protocol.WSFrame) {
		_ = wsConn.SendFrame(f)
	})
	sched, _ := scheduler.Current(ctx)
	wsConn.Start(sched)
	<-wsConn.Done()
}
