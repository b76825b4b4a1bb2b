//go:build !linux

package cputime

import (
	"errors"
	"time"
)

var errUnsupported = errors.New("per-thread cpu clock is not supported on this platform")

// Now returns the CPU time consumed so far by the calling thread.
func Now() (time.Duration, error) { return 0, errUnsupported }

// ThreadID returns the kernel id of the calling thread.
func ThreadID() int { return 0 }

// Of returns the CPU time consumed by another thread of this process.
func Of(int) (time.Duration, error) { return 0, errUnsupported }
