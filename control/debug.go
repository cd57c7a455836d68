// control/debug.go
// Author: momentics <momentics@gmail.com>
//
// Runtime debug handler and probe reflector for internal inspection.
// cmd/fiberd/main.go registers one of these per process and points
// RegisterSchedulerProbes at the scheduler it actually wires up, so
// DumpState's output reflects this runtime's own scheduler state rather
// than generic process stats. RegisterSessionProbes covers a session,
// but main.go registers no session probes.

package control

import (
	"sync"

	"github.com/momentics/fiberd/scheduler"
	"github.com/momentics/fiberd/session"
)

// DebugProbes holds registered probe functions.
type DebugProbes struct {
	mu     sync.RWMutex
	probes map[string]func() any
}

// NewDebugProbes creates a probe registry.
func NewDebugProbes() *DebugProbes {
	return &DebugProbes{
		probes: make(map[string]func() any),
	}
}

// RegisterProbe inserts a named debug hook.
func (dp *DebugProbes) RegisterProbe(name string, fn func() any) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.probes[name] = fn
}

// DumpState returns output of all probes.
func (dp *DebugProbes) DumpState() map[string]any {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	out := make(map[string]any)
	for k, fn := range dp.probes {
		out[k] = fn()
	}
	return out
}

// RegisterSchedulerProbes registers "scheduler.<name>.workers" and
// "scheduler.<name>.queue_depth" probes reading live state off s, so a
// DumpState call surfaces how backed-up a given worker pool's task
// queue currently is without the caller needing its own reference to
// s.
func RegisterSchedulerProbes(dp *DebugProbes, s *scheduler.Scheduler) {
	prefix := "scheduler." + s.Name() + "."
	dp.RegisterProbe(prefix+"workers", func() any { return s.NumWorkers() })
	dp.RegisterProbe(prefix+"queue_depth", func() any { return s.QueueDepth() })
}

// RegisterSessionProbes registers a "session.<name>.pending" probe
// reporting s's in-flight request-correlation count, matching
// spec.md §8's "pending Ctx count equals |sn->Ctx|" invariant — this
// is the live value a debug dump can compare against that invariant.
func RegisterSessionProbes(dp *DebugProbes, name string, s *session.Session) {
	dp.RegisterProbe("session."+name+".pending", func() any { return s.PendingCount() })
}
