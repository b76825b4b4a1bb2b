package bridge

import (
	"context"
	"errors"
	"sync"
)

// ErrWatchClosed is returned by a Receiver once the Sender has been closed
// and the awaited condition can no longer become true.
var ErrWatchClosed = errors.New("watch channel closed")

// watch is a single-value broadcast cell. Every Send replaces the value and
// wakes all waiters by closing the current notification channel.
type watch[T any] struct {
	mu      sync.Mutex
	val     T
	changed chan struct{}
	closed  bool
}

// Sender is the single writing end of a watch cell.
type Sender[T any] struct {
	w *watch[T]
}

// Receiver observes a watch cell. Receivers may be shared freely.
type Receiver[T any] struct {
	w *watch[T]
}

// NewWatch creates a watch cell holding initial.
func NewWatch[T any](initial T) (*Sender[T], *Receiver[T]) {
	w := &watch[T]{val: initial, changed: make(chan struct{})}
	return &Sender[T]{w: w}, &Receiver[T]{w: w}
}

// Send stores v and wakes every waiter.
func (s *Sender[T]) Send(v T) error {
	w := s.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWatchClosed
	}
	w.val = v
	close(w.changed)
	w.changed = make(chan struct{})
	return nil
}

// Close drops the sender. Waiters whose predicate is not yet satisfied
// receive ErrWatchClosed. Close is idempotent.
func (s *Sender[T]) Close() {
	w := s.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.changed)
}

// Get returns the current value.
func (r *Receiver[T]) Get() T {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	return r.w.val
}

// WaitFor blocks until pred holds for the current value, the sender is
// closed, or ctx is done. A value already satisfying pred is returned even
// when the sender has been closed.
func (r *Receiver[T]) WaitFor(ctx context.Context, pred func(T) bool) (T, error) {
	w := r.w
	for {
		w.mu.Lock()
		val, closed, changed := w.val, w.closed, w.changed
		w.mu.Unlock()

		if pred(val) {
			return val, nil
		}
		if closed {
			return val, ErrWatchClosed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return val, ctx.Err()
		}
	}
}
