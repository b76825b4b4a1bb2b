package pool

import "fmt"

// Policy decides how workers are reused.
type Policy int

const (
	// PerWorker keeps a worker alive and reuses it for its service path.
	PerWorker Policy = iota
	// PerRequest gives every request a fresh worker.
	PerRequest
	// Oneshot runs a single worker; the supervisor is done once it exits.
	Oneshot
)

func (p Policy) String() string {
	switch p {
	case PerWorker:
		return "per_worker"
	case PerRequest:
		return "per_request"
	case Oneshot:
		return "oneshot"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts the names printed by String, with dashes or
// underscores.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "per_worker", "per-worker", "":
		return PerWorker, nil
	case "per_request", "per-request":
		return PerRequest, nil
	case "oneshot":
		return Oneshot, nil
	}
	return 0, fmt.Errorf("unknown worker pool policy %q", s)
}
