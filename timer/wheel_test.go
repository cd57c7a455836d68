package timer

import (
	"sort"
	"testing"
)

func TestOneShotTimerFires(t *testing.T) {
	clk := NewFakeClock(0)
	m := New(DefaultSlots, DefaultTickMs, clk)

	fired := false
	m.AddTimer(5000, func() { fired = true }, false)

	clk.Advance(4999)
	out := m.ListExpired(clk.NowMonotonic())
	if len(out) != 0 {
		t.Fatalf("timer fired too early")
	}

	clk.Advance(2)
	out = m.ListExpired(clk.NowMonotonic())
	if len(out) != 1 {
		t.Fatalf("expected 1 expired timer, got %d", len(out))
	}
	out[0].Callback()()
	if !fired {
		t.Fatalf("callback did not run")
	}
}

func TestRecurringTimerRefires(t *testing.T) {
	clk := NewFakeClock(0)
	m := New(DefaultSlots, DefaultTickMs, clk)

	count := 0
	m.AddTimer(1000, func() { count++ }, true)

	for i := 0; i < 5; i++ {
		clk.Advance(1000)
		out := m.ListExpired(clk.NowMonotonic())
		for _, e := range out {
			e.Callback()()
		}
	}
	if count != 5 {
		t.Fatalf("expected 5 fires, got %d", count)
	}
}

func TestCancelSkipsFiring(t *testing.T) {
	clk := NewFakeClock(0)
	m := New(DefaultSlots, DefaultTickMs, clk)

	fired := false
	h := m.AddTimer(1000, func() { fired = true }, false)
	h.Cancel()
	h.Cancel() // idempotent

	clk.Advance(1000)
	out := m.ListExpired(clk.NowMonotonic())
	if len(out) != 0 {
		t.Fatalf("cancelled timer should not appear in expired batch")
	}
	if fired {
		t.Fatalf("cancelled timer fired")
	}
}

func TestConditionTimerSkipsWhenDead(t *testing.T) {
	clk := NewFakeClock(0)
	m := New(DefaultSlots, DefaultTickMs, clk)

	alive := false
	fired := false
	m.AddConditionTimer(1000, func() { fired = true }, func() bool { return alive }, false)

	clk.Advance(1000)
	out := m.ListExpired(clk.NowMonotonic())
	if len(out) != 0 {
		t.Fatalf("expected dead-sentinel timer to be skipped")
	}
	if fired {
		t.Fatalf("dead-sentinel timer fired")
	}
}

func TestResetRearmsTimer(t *testing.T) {
	clk := NewFakeClock(0)
	m := New(DefaultSlots, DefaultTickMs, clk)

	fired := 0
	h := m.AddTimer(1000, func() { fired++ }, false)

	clk.Advance(500)
	h.Reset(1000, true) // now due at t=1500; wheel resolution rounds up to the 2000ms boundary

	clk.Advance(500) // t=1000: original deadline, should NOT fire (tombstoned)
	out := m.ListExpired(clk.NowMonotonic())
	if len(out) != 0 {
		t.Fatalf("tombstoned original timer fired")
	}

	clk.Advance(500) // t=1500: reset timer not yet due at tick granularity
	out = m.ListExpired(clk.NowMonotonic())
	if len(out) != 0 {
		t.Fatalf("reset timer fired before its tick boundary, got %d", len(out))
	}

	clk.Advance(500) // t=2000: reset timer's tick boundary
	out = m.ListExpired(clk.NowMonotonic())
	if len(out) != 1 {
		t.Fatalf("expected reset timer to fire once, got %d", len(out))
	}
	out[0].Callback()()
	if fired != 1 {
		t.Fatalf("expected exactly 1 fire, got %d", fired)
	}
}

func TestWheelCorrectnessBulk(t *testing.T) {
	clk := NewFakeClock(0)
	m := New(DefaultSlots, DefaultTickMs, clk)

	const n = 10000
	deadlines := make([]int64, n)
	fireOrder := make([]int64, 0, n)

	for i := 0; i < n; i++ {
		ms := int64((i * 60000) / n)
		deadlines[i] = ms
		m.AddTimer(ms, func(d int64) func() {
			return func() { fireOrder = append(fireOrder, d) }
		}(ms), false)
	}

	total := 0
	for clk.NowMonotonic() <= 60000+DefaultTickMs {
		clk.Advance(DefaultTickMs)
		out := m.ListExpired(clk.NowMonotonic())
		for _, e := range out {
			e.Callback()()
			total++
		}
	}

	if total != n {
		t.Fatalf("expected all %d timers to fire exactly once, got %d", n, total)
	}

	sorted := append([]int64{}, fireOrder...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i := range sorted {
		if sorted[i] != fireOrder[i] {
			t.Fatalf("fire order is not non-decreasing by deadline")
		}
	}
}

func TestNextTimerReportsEarliestLiveDeadline(t *testing.T) {
	clk := NewFakeClock(0)
	m := New(DefaultSlots, DefaultTickMs, clk)

	if _, ok := m.NextTimer(); ok {
		t.Fatalf("expected no pending timer initially")
	}

	m.AddTimer(5000, func() {}, false)
	ms, ok := m.NextTimer()
	if !ok {
		t.Fatalf("expected a pending timer")
	}
	if ms <= 0 || ms > 5000 {
		t.Fatalf("unexpected next-timer estimate: %d", ms)
	}
}
