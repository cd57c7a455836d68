// File: timer/wheel.go
// Package timer implements a hashed-slot timer wheel producing batches
// of expired callbacks for the scheduler to run.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Slot storage is github.com/eapache/queue.Queue, the teacher's own
// go.mod dependency (present in go.mod but never imported by any
// teacher .go file) — it is exactly the growable ring-buffer FIFO a
// wheel slot needs, so it is wired in here rather than left unused.

package timer

import (
	"math"
	"sync"

	"github.com/eapache/queue"
)

const (
	// DefaultSlots is the spec's default wheel width.
	DefaultSlots = 60
	// DefaultTickMs is the spec's default slot duration.
	DefaultTickMs = 1000
	// AnomalyThresholdMs is how far monotonic and wall clocks may
	// diverge per tick before a time anomaly is signaled.
	AnomalyThresholdMs = 1000
)

// noDeadline marks an empty slot's earliest-deadline sentinel.
const noDeadline = int64(math.MaxInt64)

// Anomaly is emitted on TimeAnomaly() when the wall and monotonic
// clocks have diverged by more than AnomalyThresholdMs within one
// tick. Diagnostic only; no policy is attached (spec.md leaves the
// re-pegging question open and instructs not to guess).
type Anomaly struct {
	DeltaMs int64
}

// Timer is the wheel's internal record. Callers never see *Timer
// directly; they hold a *Handle, which survives Reset reassigning the
// underlying Timer.
type Timer struct {
	mu        sync.Mutex
	deadline  int64
	periodMs  int64
	recurring bool
	cb        func()
	aliveFn   func() bool // nil for unconditional timers
	cancelled bool
}

func (t *Timer) snapshot() (cb func(), recurring bool, alive bool, cancelled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cb = t.cb
	recurring = t.recurring
	cancelled = t.cancelled
	alive = t.aliveFn == nil || t.aliveFn()
	return
}

type slot struct {
	q        *queue.Queue
	earliest int64
}

func newSlot() *slot {
	return &slot{q: queue.New(), earliest: noDeadline}
}

// Manager owns the wheel: SLOTS slots of TICK ms each, a moving
// cursor, and the callback fired when an insertion creates a new
// global-earliest deadline ahead of the previous minimum.
type Manager struct {
	mu    sync.RWMutex
	slots []*slot

	cursor   int
	nextTick int64 // monotonic ms at which the cursor next advances
	tickMs   int64

	// pending holds timers swept out by the most recent catchUpLocked
	// pass, for ListExpired to hand to its caller.
	pending []*Timer

	clock Clock

	onInsertedAtFront func()

	anomalyCh     chan Anomaly
	lastWallCheck int64
	lastMonoTick  int64
}

// New constructs a Manager with the given slot count and tick
// duration. Pass DefaultSlots/DefaultTickMs for the spec's defaults.
func New(slots int, tickMs int64, clock Clock) *Manager {
	if slots < 1 {
		slots = DefaultSlots
	}
	if tickMs < 1 {
		tickMs = DefaultTickMs
	}
	m := &Manager{
		slots:     make([]*slot, slots),
		tickMs:    tickMs,
		clock:     clock,
		anomalyCh: make(chan Anomaly, 16),
	}
	for i := range m.slots {
		m.slots[i] = newSlot()
	}
	now := clock.NowMonotonic()
	m.nextTick = now + tickMs
	m.lastMonoTick = now
	m.lastWallCheck = clock.NowWall()
	return m
}

// OnTimerInsertedAtFront registers the callback fired synchronously,
// under the wheel's write lock, whenever an insertion's deadline is
// earlier than every previously-known deadline. The reactor uses this
// to break out of an in-progress idle wait.
func (m *Manager) OnTimerInsertedAtFront(fn func()) {
	m.mu.Lock()
	m.onInsertedAtFront = fn
	m.mu.Unlock()
}

// TimeAnomaly exposes the diagnostic-only signal described in
// spec.md §4.4/§9: the wheel samples both clocks each tick and emits
// here when they diverge by more than AnomalyThresholdMs. No policy
// is implemented on top of this; callers decide what, if anything, to
// do about it.
func (m *Manager) TimeAnomaly() <-chan Anomaly { return m.anomalyCh }

// AddTimer arms a one-shot or recurring timer firing ms milliseconds
// from now (and every ms thereafter, if recurring).
func (m *Manager) AddTimer(ms int64, cb func(), recurring bool) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.addTimerLocked(ms, cb, recurring, nil)
	return &Handle{mgr: m, t: t}
}

// AddConditionTimer wraps cb so that, at fire time, it only runs if
// alive() still reports true — the Go-idiomatic substitute for a weak
// handle to a sentinel object.
func (m *Manager) AddConditionTimer(ms int64, cb func(), alive func() bool, recurring bool) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.addTimerLocked(ms, cb, recurring, alive)
	return &Handle{mgr: m, t: t}
}

func (m *Manager) addTimerLocked(ms int64, cb func(), recurring bool, alive func() bool) *Timer {
	if ms < 0 {
		ms = 0
	}
	now := m.clock.NowMonotonic()
	prevMin := m.globalMinLocked()

	deadline := now + ms
	idx := m.slotForDeadlineLocked(deadline)
	t := &Timer{deadline: deadline, periodMs: ms, recurring: recurring, cb: cb, aliveFn: alive}

	s := m.slots[idx]
	s.q.Add(t)
	if deadline < s.earliest {
		s.earliest = deadline
	}

	newMin := m.globalMinLocked()
	if newMin < prevMin && m.onInsertedAtFront != nil {
		m.onInsertedAtFront()
	}
	return t
}

// sweepsDoneLocked returns how many tick boundaries have been swept
// since the wheel started. cursor always equals sweepsDone % N, but
// sweepsDone itself (unbounded) is what slot placement needs to stay
// correct across wheel wraps.
func (m *Manager) sweepsDoneLocked() int64 {
	return m.nextTick/m.tickMs - 1
}

// slotForDeadlineLocked maps an absolute monotonic deadline to the
// slot that will be swept at the smallest tick boundary >= deadline.
// Placement is derived from absolute tick counts rather than from
// m.cursor plus a relative tick delta: the cursor only tracks "now" to
// the precision of the last catchUpLocked call, and computing the
// target slot directly from deadline/tickMs avoids depending on that
// being fresh.
func (m *Manager) slotForDeadlineLocked(deadline int64) int {
	targetTick := (deadline + m.tickMs - 1) / m.tickMs
	if min := m.sweepsDoneLocked() + 1; targetTick < min {
		targetTick = min
	}
	return int((targetTick - 1) % int64(len(m.slots)))
}

func (m *Manager) globalMinLocked() int64 {
	min := noDeadline
	for _, s := range m.slots {
		if s.earliest < min {
			min = s.earliest
		}
	}
	return min
}

// Now returns the manager's current monotonic clock reading, for
// callers (the reactor's idle loop) that need to pass a consistent
// "now" into ListExpired without owning a Clock themselves.
func (m *Manager) Now() int64 { return m.clock.NowMonotonic() }

// NextTimer returns the number of milliseconds until the earliest
// live deadline, and true — or (0, false) if no timer is pending.
func (m *Manager) NextTimer() (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	min := m.globalMinLocked()
	if min == noDeadline {
		return 0, false
	}
	now := m.clock.NowMonotonic()
	if min <= now {
		return 0, true
	}
	return min - now, true
}

// ListExpired advances the cursor across every slot whose tick
// boundary has elapsed and returns every live (non-cancelled,
// sentinel-alive) timer found, recurring timers having already been
// re-armed for their next period.
func (m *Manager) ListExpired(now int64) []*Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sampleAnomalyLocked(now)
	m.catchUpLocked(now)

	out := m.pending
	m.pending = nil
	return out
}

// catchUpLocked advances the cursor across every slot whose tick
// boundary has elapsed as of now, appending every live timer it sweeps
// out to m.pending. A recurring timer's re-arm calls addTimerLocked
// from inside this sweep, but addTimerLocked never calls back into
// catchUpLocked: slot placement is computed from the absolute deadline
// alone (see slotForDeadlineLocked), so the cursor does not need to be
// current at insertion time, only at sweep time.
func (m *Manager) catchUpLocked(now int64) {
	for now >= m.nextTick {
		s := m.slots[m.cursor]
		// Drain exactly the items present at the start of this sweep.
		// A recurring timer with a period at or below tick resolution
		// can re-arm into this very slot (idx collapses to the
		// current cursor when its next deadline clamps to "the very
		// next sweep"); using a fixed count instead of a live length
		// check keeps such a re-armed timer from being picked up and
		// fired again within the same sweep.
		n := s.q.Length()
		for i := 0; i < n; i++ {
			raw := s.q.Remove()
			t := raw.(*Timer)
			cb, recurring, alive, cancelled := t.snapshot()
			if cancelled || cb == nil {
				continue
			}
			t.mu.Lock()
			dl := t.deadline
			t.mu.Unlock()
			if dl > m.nextTick {
				// Due on a later revolution of the wheel: keep it in
				// this slot until the sweep that reaches its deadline.
				s.q.Add(t)
				continue
			}
			if !alive {
				continue
			}
			m.pending = append(m.pending, t)
			if recurring {
				m.addTimerLocked(t.periodMs, cb, true, t.aliveFn)
			}
		}
		// Anything left in s.q now is a timer due on a later revolution,
		// or a re-armed recurring timer that landed back in the slot
		// just drained (idx collapses to the
		// current cursor for a period at or below tick resolution);
		// recompute earliest from it rather than blanking the slot.
		s.earliest = noDeadline
		for j := 0; j < s.q.Length(); j++ {
			if d, ok := s.q.Get(j).(*Timer); ok {
				d.mu.Lock()
				dl := d.deadline
				d.mu.Unlock()
				if dl < s.earliest {
					s.earliest = dl
				}
			}
		}
		m.cursor = (m.cursor + 1) % len(m.slots)
		m.nextTick += m.tickMs
	}
}

// sampleAnomalyLocked compares how far the wall clock moved against
// how far the monotonic clock moved since the last sample; under
// normal operation the two track each other within one tick. A
// larger divergence means the wall clock stepped (NTP correction,
// VM pause) without the monotonic clock moving the same amount.
func (m *Manager) sampleAnomalyLocked(nowMono int64) {
	monoDelta := nowMono - m.lastMonoTick
	if monoDelta < m.tickMs {
		return
	}
	m.lastMonoTick = nowMono
	wall := m.clock.NowWall()
	wallDelta := wall - m.lastWallCheck
	m.lastWallCheck = wall

	skew := wallDelta - monoDelta
	if skew < 0 {
		skew = -skew
	}
	if skew > AnomalyThresholdMs {
		select {
		case m.anomalyCh <- Anomaly{DeltaMs: skew}:
		default:
		}
	}
}

// Callback invokes t's callback directly; used by callers that run
// expired timers inline rather than via a scheduler batch.
func (t *Timer) Callback() func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cb
}

// Handle is what callers hold: it survives Reset reassigning the
// underlying Timer, so a caller's reference stays valid across
// cancel/refresh/reset.
type Handle struct {
	mgr *Manager
	mu  sync.Mutex
	t   *Timer
}

// Cancel tombstones the timer: its callback is cleared so the wheel
// can skip it cheaply at sweep time. Idempotent.
func (h *Handle) Cancel() {
	h.mu.Lock()
	t := h.t
	h.mu.Unlock()
	if t == nil {
		return
	}
	t.mu.Lock()
	t.cancelled = true
	t.cb = nil
	t.mu.Unlock()
}

// Refresh re-arms the timer for its original duration, counted from
// now.
func (h *Handle) Refresh() {
	h.mu.Lock()
	t := h.t
	h.mu.Unlock()
	if t == nil {
		return
	}
	t.mu.Lock()
	ms := t.periodMs
	t.mu.Unlock()
	h.Reset(ms, true)
}

// Reset tombstones the current timer and arms a fresh one with the
// same callback and liveness predicate. If fromNow is true the new
// deadline is ms from the current time; otherwise it extends from the
// timer's previous deadline.
func (h *Handle) Reset(ms int64, fromNow bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.t
	if old == nil {
		return
	}

	old.mu.Lock()
	cb := old.cb
	recurring := old.recurring
	alive := old.aliveFn
	oldDeadline := old.deadline
	cancelled := old.cancelled
	old.cancelled = true
	old.cb = nil
	old.mu.Unlock()

	if cancelled || cb == nil {
		return
	}

	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()

	if !fromNow {
		delta := oldDeadline - h.mgr.clock.NowMonotonic()
		if delta > 0 {
			ms = delta + ms
		}
	}
	h.t = h.mgr.addTimerLocked(ms, cb, recurring, alive)
}
