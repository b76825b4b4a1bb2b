package bridge

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cryguy/edgeruntime/internal/core"
)

// DefaultDrainTimeout bounds how long a stream waits for its peer to
// acknowledge the response before closing anyway.
const DefaultDrainTimeout = 30 * time.Second

// ErrAlreadyUpgraded is returned by a second Upgrade call.
var ErrAlreadyUpgraded = errors.New("stream already upgraded")

// Stream is the worker end of a handed-off connection. Shutting it down
// (CloseWrite or Close) first waits until the peer reports, through the
// ConnSync cell, that it has received everything written.
type Stream struct {
	net.Conn

	sync         *SyncHandle
	log          *zap.Logger
	drainTimeout time.Duration
	onFailure    func(error)

	upgraded  atomic.Bool
	drainOnce sync.Once
	closeOnce sync.Once
	closeErr  error

	abortOnce sync.Once
	aborted   chan struct{}
}

// NewStream wraps conn. A nil sync handle disables half-close tracking.
func NewStream(conn net.Conn, sync *SyncHandle, log *zap.Logger) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{
		Conn:         conn,
		sync:         sync,
		log:          log,
		drainTimeout: DefaultDrainTimeout,
		aborted:      make(chan struct{}),
	}
}

// Abort stops waiting for the peer. A pending or later Close closes the
// connection right away.
func (s *Stream) Abort() {
	s.abortOnce.Do(func() { close(s.aborted) })
}

// Sync returns the ConnSync handle, or nil when untracked.
func (s *Stream) Sync() *SyncHandle { return s.sync }

// Upgrade transfers ownership of the connection to a protocol layer that
// took it over (for example a WebSocket). Afterwards shutdown no longer
// waits on ConnSync. Ownership moves exactly once.
func (s *Stream) Upgrade() (net.Conn, error) {
	if !s.upgraded.CompareAndSwap(false, true) {
		return nil, ErrAlreadyUpgraded
	}
	return s.Conn, nil
}

// Upgraded reports whether Upgrade has been called.
func (s *Stream) Upgraded() bool { return s.upgraded.Load() }

// CloseWrite shuts down the write half after the peer drained it.
func (s *Stream) CloseWrite() error {
	s.awaitPeer()
	if cw, ok := s.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close closes the connection after the peer drained it.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.awaitPeer()
		s.closeErr = s.Conn.Close()
	})
	return s.closeErr
}

func (s *Stream) awaitPeer() {
	if s.sync == nil || s.upgraded.Load() {
		return
	}
	s.drainOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
		defer cancel()
		go func() {
			select {
			case <-s.aborted:
				cancel()
			case <-ctx.Done():
			}
		}()
		_, err := s.sync.WaitFor(ctx, closable)
		switch {
		case err == nil:
		case isClosed(s.aborted):
		case errors.Is(err, ErrWatchClosed):
			s.log.Error(core.ErrTrackingFailure.Error(), zap.Stringer("remote", addrOf(s.Conn)))
			if s.onFailure != nil {
				s.onFailure(core.ErrTrackingFailure)
			}
		default:
			s.log.Warn("peer did not acknowledge response before drain timeout",
				zap.Duration("timeout", s.drainTimeout), zap.Error(err))
		}
	})
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func addrOf(c net.Conn) net.Addr {
	if a := c.RemoteAddr(); a != nil {
		return a
	}
	return c.LocalAddr()
}
