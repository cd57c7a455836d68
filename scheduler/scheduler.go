// File: scheduler/scheduler.go
// Package scheduler implements a cooperative, multi-consumer worker pool
// that pulls ready fibers/callbacks and runs them to their next yield.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Generalized from the teacher's round-robin Executor
// (internal/concurrency/executor.go) to the pinned/skip/tickle worker
// loop this runtime's reactor and timer service require.

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/momentics/fiberd/affinity"
	"github.com/momentics/fiberd/fiber"
)

var (
	// ErrStopped is returned by Schedule once the scheduler has begun
	// stopping.
	ErrStopped = errors.New("scheduler: stopped")
	// ErrWrongThread names a stop call made from the wrong thread.
	// Stop never returns it: Go gives Stop no goroutine identity to
	// check its caller against.
	ErrWrongThread = errors.New("scheduler: stop called from wrong thread")
)

type schedKey struct{}
type workerKey struct{}

// Idler customizes what a worker does when it finds no runnable task.
// The base scheduler's default idler simply parks until tickled or
// stopped; the reactor (package reactor) supplies one that blocks on
// epoll and the timer wheel instead.
type Idler interface {
	// Idle runs inside the worker's dedicated idle fiber. It must
	// eventually Yield(ctx, fiber.READY) to return control to the
	// worker loop, directly or indirectly (e.g. after waking from a
	// kernel wait and re-enqueuing ready work).
	Idle(ctx context.Context, w *Worker)
	// Tickle wakes one idle worker, if any is currently idle.
	Tickle(s *Scheduler)
}

// defaultIdler blocks on its worker's wake channel until tickled, or
// until the scheduler's stop channel closes.
type defaultIdler struct{}

func (defaultIdler) Idle(ctx context.Context, w *Worker) {
	select {
	case <-w.wake:
	case <-w.sched.stopCh:
	}
	fiber.Yield(ctx, fiber.READY)
}

func (defaultIdler) Tickle(s *Scheduler) {
	s.mu.Lock()
	idle := s.idleWorkers
	s.mu.Unlock()
	for _, w := range idle {
		select {
		case w.wake <- struct{}{}:
			return
		default:
		}
	}
}

// Scheduler is a pool of OS threads, each cooperatively multiplexing
// many fibers. Construct with New, then Start, Schedule work, and Stop.
type Scheduler struct {
	name      string
	useCaller bool
	autoStop  bool

	mu          sync.Mutex
	queue       []Task
	idleWorkers []*Worker

	workers []*Worker

	idler Idler

	// cpus, when non-empty, pins worker i to cpus[i % len(cpus)] for
	// the life of that worker's OS thread.
	cpus []int

	stopCh     chan struct{}
	stopping   atomic.Bool
	started    atomic.Bool
	runningCnt atomic.Int32
	wg         sync.WaitGroup

	callerWorker *Worker // set when useCaller is true
}

// Option customizes scheduler construction.
type Option func(*Scheduler)

// WithIdler overrides the default park-on-channel idle behavior, e.g.
// to install a reactor.
func WithIdler(idler Idler) Option {
	return func(s *Scheduler) { s.idler = idler }
}

// WithAutoStop controls whether Stop's wait condition requires the
// queue to have drained naturally (true, the default) or simply that
// the stopping flag was observed (false, for callers that drain
// explicitly before calling Stop).
func WithAutoStop(auto bool) Option {
	return func(s *Scheduler) { s.autoStop = auto }
}

// WithCPUAffinity pins worker i's OS thread to cpus[i % len(cpus)].
// A failed pin is logged by affinity.PinWorker; Worker.loop ignores
// the returned error and keeps running unpinned rather than crash a
// worker thread over a platform that lacks affinity support.
func WithCPUAffinity(cpus []int) Option {
	return func(s *Scheduler) { s.cpus = cpus }
}

// New constructs a Scheduler with the given worker count (>=1), a
// use-caller flag (fold the calling goroutine into the pool as one
// fewer spawned worker), and a name used only for diagnostics.
func New(workers int, useCaller bool, name string, opts ...Option) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		name:      name,
		useCaller: useCaller,
		autoStop:  true,
		stopCh:    make(chan struct{}),
		idler:     defaultIdler{},
	}
	for _, o := range opts {
		o(s)
	}
	s.workers = make([]*Worker, workers)
	for i := 0; i < workers; i++ {
		s.workers[i] = newWorker(s, i)
	}
	return s
}

// Current returns the scheduler active on the calling fiber's context,
// if any.
func Current(ctx context.Context) (*Scheduler, bool) {
	s, ok := ctx.Value(schedKey{}).(*Scheduler)
	return s, ok
}

// CurrentWorker returns the worker driving the calling fiber's
// context, if any.
func CurrentWorker(ctx context.Context) (*Worker, bool) {
	w, ok := ctx.Value(workerKey{}).(*Worker)
	return w, ok
}

// MainFiber returns the per-worker fiber representing the scheduling
// loop itself for the calling context's worker.
func MainFiber(ctx context.Context) (*fiber.Fiber, bool) {
	w, ok := CurrentWorker(ctx)
	if !ok {
		return nil, false
	}
	return w.mainFiber, true
}

// Schedule enqueues a task, optionally pinned to a specific worker id
// (AnyWorker for unpinned).
func (s *Scheduler) Schedule(t Task) error {
	if s.stopping.Load() {
		return ErrStopped
	}
	s.mu.Lock()
	s.queue = append(s.queue, t)
	s.mu.Unlock()
	s.idler.Tickle(s)
	return nil
}

// ScheduleBatch enqueues every task in ts under a single lock
// acquisition, preserving FIFO order within the burst.
func (s *Scheduler) ScheduleBatch(ts []Task) error {
	if len(ts) == 0 {
		return nil
	}
	if s.stopping.Load() {
		return ErrStopped
	}
	s.mu.Lock()
	s.queue = append(s.queue, ts...)
	s.mu.Unlock()
	s.idler.Tickle(s)
	return nil
}

// Start launches worker goroutines. If useCaller is set, the calling
// goroutine becomes worker 0's loop and Start blocks until Stop; all
// other workers always run on spawned goroutines.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	first := 0
	if s.useCaller {
		first = 1
		s.callerWorker = s.workers[0]
	}
	for i := first; i < len(s.workers); i++ {
		w := s.workers[i]
		s.wg.Add(1)
		go w.loop()
	}
	if s.useCaller {
		s.wg.Add(1)
		s.callerWorker.loop()
	}
}

// Stop sets the stopping flag, wakes every idle worker, waits for the
// queue to drain and all workers to go idle-with-nothing-pending (or,
// with WithAutoStop(false), simply for the stopping flag to be
// observed by every worker), and joins. Call it from a non-worker
// goroutine. With use-caller enabled, Start runs worker 0's loop on
// the goroutine that called it and does not return until the
// scheduler stops, so Stop comes from some other goroutine; Stop does
// not check which goroutine calls it.
func (s *Scheduler) Stop() error {
	if s.useCaller {
		// The goroutine that called Start is still inside worker 0's
		// loop; Go offers no goroutine identity to verify the caller.
	}
	if !s.stopping.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopCh)
	for _, w := range s.workers {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
	s.wg.Wait()
	return nil
}

// Stopping reports whether Stop has been called.
func (s *Scheduler) Stopping() bool { return s.stopping.Load() }

// Name returns the diagnostic name passed to New.
func (s *Scheduler) Name() string { return s.name }

// NumWorkers returns the configured worker count.
func (s *Scheduler) NumWorkers() int { return len(s.workers) }

// QueueDepth returns the number of tasks currently waiting in the
// FIFO queue, for diagnostic probes (see control.RegisterSchedulerProbes).
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Worker returns the worker with the given id, or nil if out of range.
func (s *Scheduler) Worker(id int) *Worker {
	if id < 0 || id >= len(s.workers) {
		return nil
	}
	return s.workers[id]
}

// baseCtx builds the root context threaded through every fiber run on
// worker w, carrying both scheduler and worker identity.
func (s *Scheduler) baseCtx(w *Worker) context.Context {
	ctx := context.WithValue(context.Background(), schedKey{}, s)
	return context.WithValue(ctx, workerKey{}, w)
}

// Worker is one OS thread running the scheduler loop. It pins itself
// to its OS thread for its lifetime so per-worker state (the hook
// enablement flag, in package hook) is meaningful.
type Worker struct {
	id        int
	sched     *Scheduler
	mainFiber *fiber.Fiber
	idleFiber *fiber.Fiber
	cbFiber   *fiber.Fiber // cached callback-wrapper fiber, at most one
	wake      chan struct{}

	// HookEnabled is read by package hook to decide whether raw-fd
	// I/O on this worker suspends the calling fiber instead of
	// blocking the OS thread. Workers enable it on entry, per spec.
	HookEnabled atomic.Bool
}

func newWorker(s *Scheduler, id int) *Worker {
	w := &Worker{
		id:    id,
		sched: s,
		wake:  make(chan struct{}, 1),
	}
	w.idleFiber = fiber.New(func(ctx context.Context) {
		for {
			s.idler.Idle(ctx, w)
		}
	})
	return w
}

// ID returns the worker's index within its scheduler.
func (w *Worker) ID() int { return w.id }

// Scheduler returns the owning scheduler.
func (w *Worker) Scheduler() *Scheduler { return w.sched }

func (w *Worker) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	w.HookEnabled.Store(true)
	defer w.sched.wg.Done()

	if cpus := w.sched.cpus; len(cpus) > 0 {
		_ = affinity.PinWorker(w.id, cpus[w.id%len(cpus)])
	}

	ctx := w.sched.baseCtx(w)
	w.mainFiber = fiber.New(func(context.Context) {
		panic("scheduler: main fiber must never be resumed as a task")
	})

	for {
		if w.sched.stopping.Load() && w.drainedAndIdle() {
			return
		}

		task, tickleMe := w.pick()
		if task == nil {
			w.markIdle()
			w.idleFiber.Resume(ctx)
			w.unmarkIdle()
			if tickleMe {
				w.sched.idler.Tickle(w.sched)
			}
			continue
		}
		if tickleMe {
			w.sched.idler.Tickle(w.sched)
		}
		w.run(ctx, *task)
	}
}

// drainedAndIdle reports whether the scheduler may stop: the queue is
// empty and no worker is currently executing a task. Used only when
// autoStop is enabled.
func (w *Worker) drainedAndIdle() bool {
	if !w.sched.autoStop {
		return true
	}
	w.sched.mu.Lock()
	empty := len(w.sched.queue) == 0
	w.sched.mu.Unlock()
	return empty && w.sched.runningCnt.Load() == 0
}

// pick scans the FIFO queue once under lock, selecting the first task
// whose pin matches this worker (or is unpinned) and whose fiber (if
// any) is not already EXEC elsewhere. A task whose fiber has already
// gone TERM or EXCEPT is dropped outright rather than returned: it is
// a stale wake request racing the fiber's own exit (see safeWake in
// package session and wakeSender in package protocol, both of which
// schedule unconditionally and rely on pick to absorb exactly this
// race instead of snapshotting fiber state themselves). pick reports
// whether any task was skipped purely because of pinning, a signal
// that another worker may need waking.
func (w *Worker) pick() (*Task, bool) {
	w.sched.mu.Lock()
	defer w.sched.mu.Unlock()
	tickleMe := false
	for i := 0; i < len(w.sched.queue); {
		t := w.sched.queue[i]
		if t.Fiber != nil {
			switch t.Fiber.State() {
			case fiber.EXEC:
				i++
				continue
			case fiber.TERM, fiber.EXCEPT:
				w.sched.queue = append(w.sched.queue[:i], w.sched.queue[i+1:]...)
				continue
			}
		}
		if t.WorkerHint != AnyWorker && t.WorkerHint != w.id {
			tickleMe = true
			i++
			continue
		}
		w.sched.queue = append(w.sched.queue[:i], w.sched.queue[i+1:]...)
		out := t
		return &out, tickleMe
	}
	return nil, tickleMe
}

func (w *Worker) markIdle() {
	w.sched.mu.Lock()
	w.sched.idleWorkers = append(w.sched.idleWorkers, w)
	w.sched.mu.Unlock()
}

func (w *Worker) unmarkIdle() {
	w.sched.mu.Lock()
	for i, iw := range w.sched.idleWorkers {
		if iw == w {
			w.sched.idleWorkers = append(w.sched.idleWorkers[:i], w.sched.idleWorkers[i+1:]...)
			break
		}
	}
	w.sched.mu.Unlock()
}

func (w *Worker) run(ctx context.Context, t Task) {
	f := t.Fiber
	if f == nil {
		if w.cbFiber == nil {
			w.cbFiber = fiber.New(nil)
		}
		cb := t.Callback
		w.cbFiber.Reset(func(ctx context.Context) { cb() })
		f = w.cbFiber
	}
	f.LastWorker = w.id
	w.sched.runningCnt.Add(1)
	f.Resume(ctx)
	w.sched.runningCnt.Add(-1)

	switch f.State() {
	case fiber.READY:
		_ = w.sched.Schedule(Task{Fiber: f, WorkerHint: t.WorkerHint})
	case fiber.TERM, fiber.EXCEPT:
		if f == w.cbFiber {
			// cached wrapper stays TERM/EXCEPT until next Reset
		}
	case fiber.HOLD:
		// parked elsewhere (reactor/timer/session); nothing to do.
	default:
		panic(fmt.Sprintf("scheduler: fiber left in unexpected state %s", f.State()))
	}
}
