//go:build linux

package cputime

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Now returns the CPU time consumed so far by the calling thread.
func Now() (time.Duration, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_THREAD_CPUTIME_ID, &ts); err != nil {
		return 0, fmt.Errorf("clock_gettime(CLOCK_THREAD_CPUTIME_ID): %w", err)
	}
	return time.Duration(ts.Nano()), nil
}

// ThreadID returns the kernel id of the calling thread.
func ThreadID() int {
	return unix.Gettid()
}

// Of returns the CPU time consumed by another thread of this process.
// It uses the per-thread clock id encoding of the Linux kernel.
func Of(tid int) (time.Duration, error) {
	clockID := int32((^tid)<<3 | 6)
	var ts unix.Timespec
	if err := unix.ClockGettime(clockID, &ts); err != nil {
		return 0, fmt.Errorf("clock_gettime(thread %d): %w", tid, err)
	}
	return time.Duration(ts.Nano()), nil
}
