// File: scheduler/task.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package scheduler

import "github.com/momentics/fiberd/fiber"

// AnyWorker is the WorkerHint value meaning "no pin, run anywhere".
const AnyWorker = -1

// Task is a unit the scheduler can run: either a Fiber or a bare
// callback, optionally pinned to a specific worker.
type Task struct {
	Fiber      *fiber.Fiber
	Callback   func()
	WorkerHint int
}

// FiberTask wraps an existing fiber as a schedulable, unpinned task.
func FiberTask(f *fiber.Fiber) Task {
	return Task{Fiber: f, WorkerHint: AnyWorker}
}

// CallbackTask wraps a bare callback as a schedulable, unpinned task.
func CallbackTask(cb func()) Task {
	return Task{Callback: cb, WorkerHint: AnyWorker}
}

// PinnedFiberTask pins a fiber task to a specific worker id.
func PinnedFiberTask(f *fiber.Fiber, workerID int) Task {
	return Task{Fiber: f, WorkerHint: workerID}
}
