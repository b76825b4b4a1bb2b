package core

import (
	"time"
)

// Role selects the capability set bound into a worker's context.
type Role int

const (
	// RoleUser runs tenant code with restricted capabilities.
	RoleUser Role = iota
	// RoleMain runs the privileged router that creates user workers.
	RoleMain
	// RoleEvent consumes lifecycle events emitted by other workers.
	RoleEvent
)

func (r Role) String() string {
	switch r {
	case RoleMain:
		return "main"
	case RoleEvent:
		return "event"
	default:
		return "user"
	}
}

// Limits holds the per-worker resource ceilings. Zero values disable the
// corresponding check.
type Limits struct {
	MemoryBytes         uint64
	CPUSoft             time.Duration
	CPUHard             time.Duration
	WallClock           time.Duration
	LowMemoryMultiplier float64
}

// WorkerOptions describes a worker to be admitted by the supervisor.
type WorkerOptions struct {
	Role              Role
	ServicePath       string
	Limits            Limits
	NetAccessDisabled bool
	NoModuleCache     bool
	ForceCreate       bool

	// EnvVars is the explicit environment visible to the worker. User
	// workers never see anything else.
	EnvVars map[string]string
}

// LogEntry is a single console call captured from a worker.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// EventKind identifies a worker lifecycle event.
type EventKind string

const (
	EventBoot              EventKind = "boot"
	EventShutdown          EventKind = "shutdown"
	EventLog               EventKind = "log"
	EventUncaughtException EventKind = "uncaughtException"
	EventLimitWarning      EventKind = "limitWarning"
)

// WorkerEvent is delivered to the event worker and external event sinks.
type WorkerEvent struct {
	Kind        EventKind      `json:"kind"`
	WorkerKey   string         `json:"workerKey"`
	ServicePath string         `json:"servicePath,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// EventSender publishes worker events. Implementations must not block.
type EventSender interface {
	Publish(ev WorkerEvent)
}
