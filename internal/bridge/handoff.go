package bridge

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Bridge moves accepted connections from the outer listener into workers.
// Connections are parked in a resource table until a worker takes them
// over with Handoff.
type Bridge struct {
	table *Table
	log   *zap.Logger

	mu       sync.Mutex
	watchers map[ResourceID]*SyncHandle

	// DrainTimeout bounds the half-close wait of streams handed off by
	// this bridge.
	DrainTimeout time.Duration

	// OnTrackingFailure is called whenever a stream's ConnSync cell broke.
	OnTrackingFailure func(error)
}

// New creates an empty Bridge.
func New(log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		table:        NewTable(),
		log:          log,
		watchers:     make(map[ResourceID]*SyncHandle),
		DrainTimeout: DefaultDrainTimeout,
	}
}

// Register parks conn and returns its id. A non-nil watcher is attached to
// the stream produced by the eventual handoff.
func (b *Bridge) Register(conn net.Conn, watcher *SyncHandle) ResourceID {
	rid := b.table.Add(conn)
	if watcher != nil {
		b.mu.Lock()
		b.watchers[rid] = watcher
		b.mu.Unlock()
	}
	return rid
}

// Handoff takes exclusive ownership of the parked connection and wraps it
// in a Stream bound to its ConnSync watcher. A connection still borrowed
// through the table is left in place and core.ErrResourceBusy is returned.
func (b *Bridge) Handoff(rid ResourceID) (*Stream, *SyncHandle, error) {
	res, err := b.table.TryTake(rid)
	if err != nil {
		return nil, nil, fmt.Errorf("handoff: %w", err)
	}
	conn, ok := res.(net.Conn)
	if !ok {
		return nil, nil, fmt.Errorf("handoff %d: resource is %T, not a connection", rid, res)
	}

	b.mu.Lock()
	watcher := b.watchers[rid]
	delete(b.watchers, rid)
	b.mu.Unlock()

	s := NewStream(conn, watcher, b.log)
	s.drainTimeout = b.DrainTimeout
	s.onFailure = b.OnTrackingFailure
	return s, watcher, nil
}

// Reclaim removes a parked connection without wrapping it, returning
// ownership to the caller that registered it.
func (b *Bridge) Reclaim(rid ResourceID) (net.Conn, error) {
	res, err := b.table.TryTake(rid)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	delete(b.watchers, rid)
	b.mu.Unlock()
	conn, ok := res.(net.Conn)
	if !ok {
		return nil, fmt.Errorf("reclaim %d: resource is %T, not a connection", rid, res)
	}
	return conn, nil
}

// Pending returns the number of connections waiting for a handoff.
func (b *Bridge) Pending() int { return b.table.Len() }
