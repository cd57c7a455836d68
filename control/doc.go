// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics and debug introspection layer.
// Part of the fiberd high-load runtime core.
//
// Provides concurrent-safe primitives including:
//   - Metrics telemetry contracts (MetricsRegistry)
//   - State export, debug hooks, and probe registration (DebugProbes)
//
// It holds no configuration state and performs no hot-reload.
//
// This package is cross-platform and build-tag-partitioned as needed.
package control
