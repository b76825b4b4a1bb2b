package core

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the runtime's failure taxonomy. Wrapped errors
// keep matching with errors.Is.
var (
	// ErrResourceBusy is returned when a connection handoff finds the
	// resource still referenced by another consumer.
	ErrResourceBusy = errors.New("resource busy")

	// ErrPoolSaturated is returned when admission could not obtain a worker
	// slot within the configured wait timeout.
	ErrPoolSaturated = errors.New("worker pool saturated")

	// ErrClock is returned when the per-thread CPU clock cannot be read.
	ErrClock = errors.New("cpu clock unavailable")

	// ErrEngineFault is returned when the script engine reports an
	// unrecoverable condition (out of memory, interrupted, internal error).
	ErrEngineFault = errors.New("engine fault")

	// ErrLimitExceeded matches every *LimitError.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrTrackingFailure is logged when the half-close synchronization
	// channel of a connection is broken.
	ErrTrackingFailure = errors.New("cannot track outbound connection correctly")

	// ErrWorkerNotFound is returned when a worker key is unknown or the
	// worker has already terminated.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrWorkerRetired is returned when routing to a worker that no longer
	// accepts connections.
	ErrWorkerRetired = errors.New("worker retired")

	// ErrNotSupported is returned by host capabilities that exist but refuse
	// the requested operation.
	ErrNotSupported = errors.New("operation not supported")

	// ErrPermissionDenied is returned when a worker's role lacks a capability.
	ErrPermissionDenied = errors.New("permission denied")
)

// Severity distinguishes advisory from enforcing limits.
type Severity int

const (
	SeveritySoft Severity = iota
	SeverityHard
)

func (s Severity) String() string {
	if s == SeverityHard {
		return "hard"
	}
	return "soft"
}

// LimitKind names the resource whose ceiling was crossed.
type LimitKind int

const (
	LimitCPU LimitKind = iota
	LimitMemory
	LimitWallClock
)

func (k LimitKind) String() string {
	switch k {
	case LimitCPU:
		return "cpu"
	case LimitMemory:
		return "memory"
	case LimitWallClock:
		return "wall-clock"
	default:
		return "unknown"
	}
}

// LimitError reports a resource ceiling breach.
type LimitError struct {
	Severity Severity
	Kind     LimitKind
	Limit    any // the configured ceiling (time.Duration or bytes)
	Observed any // the value that crossed it
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s %s limit exceeded (limit: %v, observed: %v)", e.Severity, e.Kind, e.Limit, e.Observed)
}

// Is makes every LimitError match ErrLimitExceeded.
func (e *LimitError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// IsHardLimit reports whether err carries a hard LimitError of the given kind.
func IsHardLimit(err error, kind LimitKind) bool {
	var le *LimitError
	if !errors.As(err, &le) {
		return false
	}
	return le.Severity == SeverityHard && le.Kind == kind
}

// WorkerError attaches a worker identity to a termination cause.
type WorkerError struct {
	Key    string
	Reason string
	Err    error
}

func (e *WorkerError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("worker %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("worker %s: %s: %v", e.Key, e.Reason, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// EngineFault wraps an engine error so it matches ErrEngineFault while
// keeping the original message.
func EngineFault(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrEngineFault, err)
}
