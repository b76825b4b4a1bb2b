package bridge

import (
	"errors"
	"net"
	"sync"
)

// ConnListener is a net.Listener fed with connections pushed by the host
// instead of accepted from a socket. Workers serve HTTP on it.
type ConnListener struct {
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
	addr  net.Addr
}

type listenerAddr string

func (a listenerAddr) Network() string { return "bridge" }
func (a listenerAddr) String() string  { return string(a) }

// NewConnListener creates a listener named name.
func NewConnListener(name string) *ConnListener {
	return &ConnListener{
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
		addr:  listenerAddr(name),
	}
}

// Push delivers conn to the next Accept call. It blocks until the
// connection is accepted or the listener is closed.
func (l *ConnListener) Push(conn net.Conn) error {
	select {
	case l.conns <- conn:
		return nil
	case <-l.done:
		return net.ErrClosed
	}
}

// Accept waits for a pushed connection.
func (l *ConnListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close stops Accept. Connections already accepted are unaffected.
func (l *ConnListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

// Addr returns the listener's synthetic address.
func (l *ConnListener) Addr() net.Addr { return l.addr }

// IsClosed reports whether err came from a closed ConnListener.
func IsClosed(err error) bool { return errors.Is(err, net.ErrClosed) }
