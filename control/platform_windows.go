//go:build windows
// +build windows

// control/platform_windows.go
// Author: momentics <momentics@gmail.com>
//
// Windows-specific metrics/debug introspection points.
// "platform.max_affinity_cpus" calls out a Windows-specific limit
// affinity.setAffinityPlatform doesn't: SetThreadAffinityMask takes a
// single uintptr bitmask, so only the first 64 logical CPUs (32 on a
// 32-bit uintptr) are ever reachable through it, unlike the Linux
// cpu_set_t path which has no such cap.

package control

import (
	"runtime"
	"unsafe"
)

// RegisterPlatformProbes sets Windows-specific debug probes.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	dp.RegisterProbe("platform.gomaxprocs", func() any {
		return runtime.GOMAXPROCS(0)
	})
	dp.RegisterProbe("platform.max_affinity_cpus", func() any {
		return int(unsafe.Sizeof(uintptr(0)) * 8)
	})
}
