//go:build !linux && !windows
// +build !linux,!windows

// File: affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms. PinWorker's caller,
// scheduler.Worker.loop, already treats a non-nil error here as
// non-fatal (it just keeps the worker's OS thread unpinned), so this
// stub's only job is to report the reason clearly instead of panicking
// or pretending to succeed.

package affinity

import "fmt"

// setAffinityPlatform is a stub for platforms where CPU affinity is not supported.
func setAffinityPlatform(cpuID int) error {
	return fmt.Errorf("affinity: cpu affinity not supported on this platform (requested cpu %d)", cpuID)
}
