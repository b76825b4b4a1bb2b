package webapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/eventloop"
)

// MaxWSMessageBytes is the maximum size of a single inbound message.
const MaxWSMessageBytes = 1 << 20

// wsSendBuffer is how many outbound frames may queue per socket, including
// the ones sent before the handshake completes.
const wsSendBuffer = 256

// upgradeJS defines Deno.upgradeWebSocket's socket object. Sockets start
// CONNECTING and open once the host attaches the accepted connection.
const upgradeJS = `
(function() {
	var sockets = {};
	class ServerWebSocket extends EventTarget {
		constructor(id) {
			super();
			this._id = id;
			this.readyState = 0;
			this.binaryType = 'arraybuffer';
			this.protocol = '';
			this.extensions = '';
			this.onopen = null;
			this.onmessage = null;
			this.onclose = null;
			this.onerror = null;
		}
		send(data) {
			if (this.readyState > 1) throw new DOMException('WebSocket is closed', 'InvalidStateError');
			if (typeof data === 'string') __wsSend(this._id, data, false);
			else __wsSend(this._id, __bufferSourceToB64(data), true);
		}
		close(code, reason) {
			if (this.readyState > 1) return;
			this.readyState = 2;
			__wsClose(this._id, code === undefined ? 1000 : code, reason === undefined ? '' : String(reason));
		}
		_fire(type, init) {
			var ev = new Event(type);
			if (init) Object.assign(ev, init);
			this.dispatchEvent(ev);
			var h = this['on' + type];
			if (typeof h === 'function') globalThis.__invokeGuarded(h.bind(this), [ev]);
		}
		static get CONNECTING() { return 0; }
		static get OPEN() { return 1; }
		static get CLOSING() { return 2; }
		static get CLOSED() { return 3; }
	}
	globalThis.__wsUpgrade = function(req) {
		var up = (req.headers.get('upgrade') || '').toLowerCase();
		if (up.indexOf('websocket') === -1) {
			throw new TypeError("Invalid Header: 'upgrade' header must contain 'websocket'");
		}
		var socket = new ServerWebSocket(__wsCreate());
		sockets[socket._id] = socket;
		return { socket: socket, response: new Response(null, { status: 101, _webSocket: socket }) };
	};
	globalThis.__wsEvent = function(id, type, a, b) {
		var s = sockets[id];
		if (!s) return;
		if (type === 'open') {
			s.readyState = 1;
			s._fire('open');
		} else if (type === 'message') {
			s._fire('message', { data: b ? __b64ToBuffer(a) : a });
		} else if (type === 'close') {
			s.readyState = 3;
			delete sockets[id];
			s._fire('close', { code: a, reason: b, wasClean: a === 1000 });
		} else if (type === 'error') {
			s._fire('error', { message: a });
		}
	};
})();
`

type wsFrame struct {
	typ    websocket.MessageType
	data   []byte
	close  bool
	code   websocket.StatusCode
	reason string
}

type wsSession struct {
	out    chan wsFrame
	closed bool
}

// WebSockets keeps the server side sockets created by upgradeWebSocket
// until the host attaches the accepted connection.
type WebSockets struct {
	el *eventloop.EventLoop

	mu       sync.Mutex
	nextID   uint64
	sessions map[string]*wsSession
}

// NewWebSockets creates the socket table of one context.
func NewWebSockets(el *eventloop.EventLoop) *WebSockets {
	return &WebSockets{el: el, sessions: make(map[string]*wsSession)}
}

// Setup installs __wsUpgrade and its callbacks.
func (w *WebSockets) Setup(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__wsCreate", w.create); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__wsSend", w.send); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__wsClose", w.close); err != nil {
		return err
	}
	return rt.Eval(upgradeJS)
}

func (w *WebSockets) create() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	id := "ws" + strconv.FormatUint(w.nextID, 10)
	w.sessions[id] = &wsSession{out: make(chan wsFrame, wsSendBuffer)}
	return id
}

func (w *WebSockets) enqueue(id string, f wsFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.sessions[id]
	if !ok || s.closed {
		return errors.New("WebSocket is closed")
	}
	if f.close {
		s.closed = true
	}
	select {
	case s.out <- f:
	default:
		return errors.New("WebSocket send buffer is full")
	}
	if f.close {
		close(s.out)
	}
	return nil
}

func (w *WebSockets) send(id, data string, binary bool) error {
	if !binary {
		return w.enqueue(id, wsFrame{typ: websocket.MessageText, data: []byte(data)})
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	return w.enqueue(id, wsFrame{typ: websocket.MessageBinary, data: raw})
}

func (w *WebSockets) close(id string, code int, reason string) error {
	return w.enqueue(id, wsFrame{close: true, code: websocket.StatusCode(code), reason: reason})
}

// Attach binds an accepted connection to the socket id and pumps frames in
// both directions until either side closes or ctx ends. The event loop is
// kept referenced meanwhile.
func (w *WebSockets) Attach(ctx context.Context, id string, conn *websocket.Conn) error {
	w.mu.Lock()
	s, ok := w.sessions[id]
	w.mu.Unlock()
	if !ok {
		conn.Close(websocket.StatusInternalError, "unknown socket")
		return fmt.Errorf("websocket %s: %w", id, core.ErrWorkerNotFound)
	}
	w.el.Ref()
	defer w.el.Unref()
	conn.SetReadLimit(MaxWSMessageBytes)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		for f := range s.out {
			if f.close {
				_ = conn.Close(f.code, f.reason)
				return
			}
			if err := conn.Write(ctx, f.typ, f.data); err != nil {
				return
			}
		}
	}()

	w.event(id, "open")
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			code := websocket.CloseStatus(err)
			reason := ""
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				reason = ce.Reason
			}
			if code == -1 {
				code = websocket.StatusAbnormalClosure
			}
			w.finish(id)
			w.event(id, "close", int(code), reason)
			_ = conn.CloseNow()
			if code == websocket.StatusNormalClosure || code == websocket.StatusGoingAway {
				return nil
			}
			return err
		}
		if typ == websocket.MessageBinary {
			w.event(id, "message", base64.StdEncoding.EncodeToString(data), true)
		} else {
			w.event(id, "message", string(data), false)
		}
	}
}

func (w *WebSockets) finish(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.sessions[id]; ok {
		if !s.closed {
			s.closed = true
			close(s.out)
		}
		delete(w.sessions, id)
	}
}

func (w *WebSockets) event(id, typ string, args ...any) {
	js := fmt.Sprintf("globalThis.__wsEvent(%q, %q", id, typ)
	for _, a := range args {
		switch v := a.(type) {
		case string:
			js += fmt.Sprintf(", %q", v)
		default:
			js += fmt.Sprintf(", %v", v)
		}
	}
	js += ")"
	w.el.Submit(func(rt core.JSRuntime) error {
		return rt.Eval(js)
	})
}
