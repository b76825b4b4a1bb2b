package driver

import (
	"sync"
	"sync/atomic"
)

// Flag is a one-way termination signal shared between a worker's driver and
// whoever supervises it. Raising it never interrupts a poll in progress.
type Flag struct {
	raised atomic.Bool
	once   sync.Once
	ch     chan struct{}
}

func NewFlag() *Flag {
	return &Flag{ch: make(chan struct{})}
}

// Raise sets the flag. Subsequent calls are no-ops.
func (f *Flag) Raise() {
	f.once.Do(func() {
		f.raised.Store(true)
		close(f.ch)
	})
}

func (f *Flag) Raised() bool { return f.raised.Load() }

// Done is closed once the flag is raised.
func (f *Flag) Done() <-chan struct{} { return f.ch }
