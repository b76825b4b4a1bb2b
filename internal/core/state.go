package core

import "fmt"

// WorkerState is a node of the per-worker lifecycle state machine.
type WorkerState int32

const (
	StateRequested WorkerState = iota
	StateProvisioning
	StateRunning
	StateSoftLimitWarned
	StateTerminating
	StateTerminated
)

func (s WorkerState) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateProvisioning:
		return "provisioning"
	case StateRunning:
		return "running"
	case StateSoftLimitWarned:
		return "soft-limit-warned"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var transitions = map[WorkerState][]WorkerState{
	StateRequested:       {StateProvisioning, StateTerminated},
	StateProvisioning:    {StateRunning, StateTerminating, StateTerminated},
	StateRunning:         {StateSoftLimitWarned, StateTerminating, StateTerminated},
	StateSoftLimitWarned: {StateTerminating, StateTerminated},
	StateTerminating:     {StateTerminated},
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to WorkerState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Live reports whether a worker in this state may still accept work.
func (s WorkerState) Live() bool {
	return s == StateRunning || s == StateSoftLimitWarned
}

// Stopping reports whether the worker is on its way out.
func (s WorkerState) Stopping() bool {
	return s >= StateTerminating
}
