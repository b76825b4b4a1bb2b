package isolate

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/cryguy/edgeruntime/internal/bridge"
)

type streamKey struct{}

// streamSet tracks the bridge streams the HTTP server is serving. Request
// handlers borrow their stream; a WebSocket upgrade has to take it, which
// fails with core.ErrResourceBusy while another request on the same
// connection still holds a borrow.
type streamSet struct {
	table *bridge.Table

	mu  sync.Mutex
	ids map[net.Conn]bridge.ResourceID
}

func newStreamSet() *streamSet {
	return &streamSet{table: bridge.NewTable(), ids: make(map[net.Conn]bridge.ResourceID)}
}

// attach is the http.Server ConnContext hook.
func (s *streamSet) attach(ctx context.Context, c net.Conn) context.Context {
	st, ok := c.(*bridge.Stream)
	if !ok {
		return ctx
	}
	rid := s.table.Add(st)
	s.mu.Lock()
	s.ids[c] = rid
	s.mu.Unlock()
	return context.WithValue(ctx, streamKey{}, rid)
}

func (s *streamSet) detach(c net.Conn) {
	s.mu.Lock()
	rid, ok := s.ids[c]
	delete(s.ids, c)
	s.mu.Unlock()
	if ok {
		// Already gone when an upgrade took it.
		_, _ = s.table.TryTake(rid)
	}
}

func (s *streamSet) borrow(ctx context.Context) (func(), error) {
	rid, ok := ctx.Value(streamKey{}).(bridge.ResourceID)
	if !ok {
		return func() {}, nil
	}
	_, release, err := s.table.Borrow(rid)
	return release, err
}

// take removes the request's stream from the set. A request that did not
// arrive over a bridge stream yields nil.
func (s *streamSet) take(ctx context.Context) (*bridge.Stream, error) {
	rid, ok := ctx.Value(streamKey{}).(bridge.ResourceID)
	if !ok {
		return nil, nil
	}
	res, err := s.table.TryTake(rid)
	if errors.Is(err, bridge.ErrBadResource) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res.(*bridge.Stream), nil
}

func (s *streamSet) abortAll() {
	for _, res := range s.table.Drain() {
		res.(*bridge.Stream).Abort()
	}
	s.mu.Lock()
	clear(s.ids)
	s.mu.Unlock()
}
