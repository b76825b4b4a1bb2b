package bridge

// ConnSync is the half-close state shared between the side that reads a
// response and the stream adapter that owns the worker end of the socket.
type ConnSync int

const (
	// SyncMustComplete means a response is in flight; the worker side must
	// not close the socket yet.
	SyncMustComplete ConnSync = iota
	// SyncRecv means the peer has read everything that was written.
	SyncRecv
	// SyncDone means the peer gave up on the connection; closing is safe.
	SyncDone
)

func (s ConnSync) String() string {
	switch s {
	case SyncMustComplete:
		return "must-complete"
	case SyncRecv:
		return "recv"
	case SyncDone:
		return "done"
	default:
		return "unknown"
	}
}

// closable reports whether the worker end may close the socket.
func closable(s ConnSync) bool {
	return s == SyncRecv || s == SyncDone
}

// SyncSender is the peer-side handle of a connection's ConnSync cell.
type SyncSender = Sender[ConnSync]

// SyncHandle is the worker-side handle of a connection's ConnSync cell.
type SyncHandle = Receiver[ConnSync]

// NewConnSync creates a cell starting in SyncMustComplete.
func NewConnSync() (*SyncSender, *SyncHandle) {
	return NewWatch(SyncMustComplete)
}
