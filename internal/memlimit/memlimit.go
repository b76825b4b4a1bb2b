// Package memlimit accounts script-visible buffer memory against a
// per-worker ceiling.
package memlimit

import (
	"sync"
	"sync/atomic"
)

// Allocator tracks reserved bytes of one worker. Reservations happen on the
// worker thread; pressure may be toggled from any goroutine.
type Allocator struct {
	limit      uint64
	multiplier float64
	pressure   atomic.Bool

	mu   sync.Mutex
	used uint64
	peak uint64
}

// New creates an allocator with the given ceiling. A multiplier below 1 is
// treated as 1. A zero limit disables the ceiling.
func New(limit uint64, lowMemoryMultiplier float64) *Allocator {
	if lowMemoryMultiplier < 1 {
		lowMemoryMultiplier = 1
	}
	return &Allocator{limit: limit, multiplier: lowMemoryMultiplier}
}

// Limit returns the configured ceiling.
func (a *Allocator) Limit() uint64 { return a.limit }

// Effective returns the ceiling currently enforced, divided by the low
// memory multiplier while pressure is signalled.
func (a *Allocator) Effective() uint64 {
	if a.limit == 0 {
		return 0
	}
	if a.pressure.Load() {
		return uint64(float64(a.limit) / a.multiplier)
	}
	return a.limit
}

// SetPressure toggles pool-wide memory pressure for this allocator.
func (a *Allocator) SetPressure(on bool) { a.pressure.Store(on) }

// UnderPressure reports whether pressure is signalled.
func (a *Allocator) UnderPressure() bool { return a.pressure.Load() }

// Reserve accounts n bytes. It returns false, reserving nothing, when the
// reservation would exceed the effective ceiling.
func (a *Allocator) Reserve(n uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if eff := a.Effective(); eff > 0 && a.used+n > eff {
		return false
	}
	a.used += n
	if a.used > a.peak {
		a.peak = a.used
	}
	return true
}

// Release returns n previously reserved bytes.
func (a *Allocator) Release(n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > a.used {
		n = a.used
	}
	a.used -= n
}

// Used returns the bytes currently reserved.
func (a *Allocator) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Peak returns the high-water mark of reserved bytes.
func (a *Allocator) Peak() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peak
}

// HeapLimit returns the engine heap cap that pairs with a buffer ceiling:
// room for the buffers plus the runtime's own objects.
func HeapLimit(limit uint64) uint64 {
	if limit == 0 {
		return 0
	}
	return 2*limit + 32<<20
}
