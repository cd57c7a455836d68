//go:build windows
// +build windows

// File: affinity/affinity_windows.go
// Author: momentics <momentics@gmail.com>
//
// Windows-specific implementation for setting thread CPU affinity.
// Called from scheduler.Worker.loop (via PinWorker) once per worker,
// right after that worker's own runtime.LockOSThread, so the affinity
// mask below is scoped to exactly the OS thread driving that worker's
// fiber loop for its whole lifetime.

package affinity

import (
	"fmt"
	"runtime"
	"syscall"
)

// setAffinityPlatform sets thread affinity to a given CPU for Windows.
// cpuID is validated against runtime.NumCPU() first: a
// scheduler.WithCPUAffinity list wider than the machine's actual core
// count (a config/deploy mismatch, not a kernel error) gets a plain
// Go error here instead of a silently-zero affinity mask.
func setAffinityPlatform(cpuID int) error {
	if cpuID < 0 || cpuID >= runtime.NumCPU() {
		return fmt.Errorf("affinity: cpu %d out of range [0,%d)", cpuID, runtime.NumCPU())
	}
	kernel32 := syscall.NewLazyDLL("kernel32.dll")
	procSetThreadAffinityMask := kernel32.NewProc("SetThreadAffinityMask")
	procGetCurrentThread := kernel32.NewProc("GetCurrentThread")
	hThread, _, _ := procGetCurrentThread.Call()
	mask := uintptr(1) << cpuID
	ret, _, err := procSetThreadAffinityMask.Call(hThread, mask)
	if ret == 0 {
		return err
	}
	return nil
}
