// File: timer/clock.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package timer

import "time"

// Clock abstracts monotonic and wall time so tests can drive the wheel
// deterministically (spec.md §8 scenario 4) instead of sleeping.
type Clock interface {
	// NowMonotonic returns milliseconds from an arbitrary but steady
	// epoch; never affected by NTP steps.
	NowMonotonic() int64
	// NowWall returns the wall-clock time in milliseconds since Unix
	// epoch; used only for the time-anomaly diagnostic.
	NowWall() int64
}

// realClock is the production Clock, backed by time.Now's monotonic
// reading for NowMonotonic and its wall-clock reading for NowWall.
type realClock struct{ start time.Time }

// NewRealClock returns a Clock backed by the OS steady and wall clocks.
func NewRealClock() Clock {
	return &realClock{start: time.Now()}
}

func (c *realClock) NowMonotonic() int64 {
	return time.Since(c.start).Milliseconds()
}

func (c *realClock) NowWall() int64 {
	return time.Now().UnixMilli()
}

// FakeClock is a manually advanced Clock for deterministic tests.
type FakeClock struct {
	mono int64
	wall int64
}

// NewFakeClock returns a FakeClock starting at mono=0, wall=wallStart.
func NewFakeClock(wallStart int64) *FakeClock {
	return &FakeClock{wall: wallStart}
}

func (c *FakeClock) NowMonotonic() int64 { return c.mono }
func (c *FakeClock) NowWall() int64      { return c.wall }

// Advance moves both clocks forward by ms milliseconds in lockstep.
func (c *FakeClock) Advance(ms int64) {
	c.mono += ms
	c.wall += ms
}

// Skew moves only the wall clock, simulating an NTP step, to exercise
// the time-anomaly detector.
func (c *FakeClock) Skew(ms int64) {
	c.wall += ms
}
