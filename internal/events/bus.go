// Package events fans worker lifecycle events out to the event worker and
// to external sinks.
package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cryguy/edgeruntime/internal/core"
)

// DefaultBuffer is the subscriber buffer used when Subscribe gets zero.
const DefaultBuffer = 1024

// Bus is a core.EventSender that never blocks. Subscribers that fall behind
// lose events rather than stalling the worker that published them.
type Bus struct {
	log *zap.Logger

	mu     sync.RWMutex
	subs   []chan core.WorkerEvent
	sinks  []core.EventSender
	closed bool

	dropped atomic.Uint64
}

var _ core.EventSender = (*Bus)(nil)

func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{log: log}
}

// Subscribe returns a channel receiving every event published from now on.
// The channel is closed by Close.
func (b *Bus) Subscribe(buffer int) <-chan core.WorkerEvent {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan core.WorkerEvent, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// AddSink forwards every event to s as well. Sinks must not block.
func (b *Bus) AddSink(s core.EventSender) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

func (b *Bus) Publish(ev core.WorkerEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if n := b.dropped.Add(1); n&(n-1) == 0 {
				b.log.Warn("event subscriber is falling behind", zap.Uint64("dropped", n))
			}
		}
	}
	for _, s := range b.sinks {
		s.Publish(ev)
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close closes every subscriber channel. Later events are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
