// Package cputime reads the CPU time consumed by the calling OS thread.
// Callers must hold the thread with runtime.LockOSThread for the readings
// to be attributable to a single execution context.
package cputime

import "time"

// Clock reads per-thread CPU time. The driver takes a Clock so tests can
// substitute a deterministic one.
type Clock interface {
	Now() (time.Duration, error)
	ThreadID() int
}

// Thread is the Clock backed by the operating system.
var Thread Clock = threadClock{}

type threadClock struct{}

func (threadClock) Now() (time.Duration, error) { return Now() }
func (threadClock) ThreadID() int               { return ThreadID() }
