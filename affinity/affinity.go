// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations are located
// in separate files (affinity_linux.go, affinity_windows.go, etc.) guarded by build tags.
//
// PinWorker is the entry point scheduler.Worker.loop actually calls
// (via scheduler.WithCPUAffinity): each worker already locks itself to
// one OS thread for its lifetime via runtime.LockOSThread, so pinning
// that thread to a logical CPU here makes the worker-to-core
// assignment hold for the worker's whole run rather than just its
// first timeslice.

package affinity

import "github.com/momentics/fiberd/rlog"

var log = rlog.Named("affinity")

// SetAffinity pins current OS thread to a given logical CPU/core on supported platforms.
// On unsupported platforms returns an error.
func SetAffinity(cpuID int) error {
	return setAffinityPlatform(cpuID)
}

// PinWorker pins scheduler worker workerID's OS thread to cpuID. A
// platform that cannot pin (affinity_stub.go, or a failed platform
// call) logs the failure and returns it: losing the pin degrades a
// worker to ordinary OS scheduling, not to incorrect behavior, so
// scheduler.Worker.loop discards the error and keeps running unpinned
// rather than treat this as fatal.
func PinWorker(workerID, cpuID int) error {
	if err := SetAffinity(cpuID); err != nil {
		log.Warnf("worker %d: pin to cpu %d failed: %v", workerID, cpuID, err)
		return err
	}
	log.Debugf("worker %d: pinned to cpu %d", workerID, cpuID)
	return nil
}
