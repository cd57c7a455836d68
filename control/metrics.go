// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics collector for system-level monitoring.
// Exposes counters in a thread-safe map with dynamic registration.
// Sample bridges this registry to a DebugProbes: a probe is a
// point-in-time reflection hook, a metric is the timestamped value
// that reflection produced the last time someone asked.

package control

import (
	"sync"
	"time"
)

// MetricsRegistry holds mutable and read-only metrics.
type MetricsRegistry struct {
	mu      sync.RWMutex
	metrics map[string]any
	updated time.Time
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		metrics: make(map[string]any),
	}
}

// Set sets or updates a metric key.
func (mr *MetricsRegistry) Set(key string, value any) {
	mr.mu.Lock()
	mr.metrics[key] = value
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// Sample evaluates every probe registered on dp and records its
// current value under the same key, so a scheduler/session probe
// wired via RegisterSchedulerProbes/RegisterSessionProbes shows up in
// Snapshot alongside this registry's own directly-Set metrics.
func (mr *MetricsRegistry) Sample(dp *DebugProbes) {
	for k, v := range dp.DumpState() {
		mr.Set(k, v)
	}
}

// Snapshot returns the latest metrics, keyed the same way config.Store
// keys its own Snapshot.
func (mr *MetricsRegistry) Snapshot() map[string]any {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]any, len(mr.metrics))
	for k, v := range mr.metrics {
		out[k] = v
	}
	return out
}

// Updated reports when a metric was last Set or Sampled.
func (mr *MetricsRegistry) Updated() time.Time {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.updated
}
