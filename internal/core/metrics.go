package core

import (
	"fmt"
	"time"
)

// CPUPhase distinguishes the two halves of a poll cycle.
type CPUPhase int

const (
	CPUEnter CPUPhase = iota
	CPULeave
)

// CPUUsageMetrics is emitted twice per poll cycle: Enter before the engine is
// driven and Leave after it. Accumulated is the worker's lifetime total and
// equals the sum of every Diff reported so far.
type CPUUsageMetrics struct {
	Phase       CPUPhase
	ThreadID    int
	Accumulated time.Duration
	Diff        time.Duration
}

// Enter builds the metric sent before a poll.
func Enter(threadID int) CPUUsageMetrics {
	return CPUUsageMetrics{Phase: CPUEnter, ThreadID: threadID}
}

// Leave builds the metric sent after a poll.
func Leave(accumulated, diff time.Duration) CPUUsageMetrics {
	return CPUUsageMetrics{Phase: CPULeave, Accumulated: accumulated, Diff: diff}
}

func (m CPUUsageMetrics) String() string {
	if m.Phase == CPUEnter {
		return fmt.Sprintf("enter(tid=%d)", m.ThreadID)
	}
	return fmt.Sprintf("leave(acc=%v, diff=%v)", m.Accumulated, m.Diff)
}
