//go:build linux
// +build linux

// control/platform_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific platform metrics or debug probe integrations.
// "platform.cpus" is exactly the bound affinity.setAffinityPlatform
// validates a scheduler.WithCPUAffinity cpu id against on this
// platform, so a debug dump showing a cpu list wider than this value
// points straight at a misconfigured worker-to-core mapping.

package control

import (
	"runtime"
)

// RegisterPlatformProbes sets Linux-specific debug metrics.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	dp.RegisterProbe("platform.gomaxprocs", func() any {
		return runtime.GOMAXPROCS(0)
	})
}
