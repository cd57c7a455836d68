//go:build linux
// +build linux

// File: affinity/affinity_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific implementation for setting thread CPU affinity.
// Called from scheduler.Worker.loop (via PinWorker) once per worker,
// right after that worker's own runtime.LockOSThread, so the
// cpu_set_t below is scoped to exactly the OS thread driving that
// worker's fiber loop for its whole lifetime.

package affinity

/*
#define _GNU_SOURCE
#include <sched.h>
#include <pthread.h>
#include <errno.h>

// Set calling thread's affinity to the provided CPU core.
int go_setaffinity(int cpu) {
	cpu_set_t set;
	CPU_ZERO(&set);
	CPU_SET(cpu, &set);
	return pthread_setaffinity_np(pthread_self(), sizeof(set), &set);
}
*/
import "C"
import (
	"fmt"
	"runtime"
)

// setAffinityPlatform sets thread affinity to a given CPU for Linux.
// cpuID is validated against runtime.NumCPU() first: a
// scheduler.WithCPUAffinity list wider than the machine's actual core
// count (a config/deploy mismatch, not a kernel error) gets a plain
// Go error here instead of an opaque pthread errno.
func setAffinityPlatform(cpuID int) error {
	if cpuID < 0 || cpuID >= runtime.NumCPU() {
		return fmt.Errorf("affinity: cpu %d out of range [0,%d)", cpuID, runtime.NumCPU())
	}
	ret := C.go_setaffinity(C.int(cpuID))
	if ret != 0 {
		return fmt.Errorf("affinity: pthread_setaffinity_np failed, code %d", ret)
	}
	return nil
}
