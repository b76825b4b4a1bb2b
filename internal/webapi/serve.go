package webapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/eventloop"
)

// MaxRequestBodyBytes bounds the request bodies handed to a worker.
const MaxRequestBodyBytes = 32 << 20

// serveJS runs the registered handler for a request and reports the
// response back through __respond. The handler is whatever Deno.serve
// registered, falling back to the module's fetch export.
const serveJS = `
(function() {
	globalThis.__serveHandler = null;
	function handler() {
		if (typeof globalThis.__serveHandler === 'function') return globalThis.__serveHandler;
		var m = globalThis.__worker_module__;
		if (m && typeof m.fetch === 'function') return m.fetch.bind(m);
		return null;
	}
	function fail(id, e) {
		globalThis.__reportUncaught(e);
		__respondError(id, globalThis.__describeError(e));
	}
	globalThis.__dispatch = function(id, method, url, headersJSON, bodyName) {
		var body = null;
		if (bodyName) {
			body = globalThis[bodyName];
			delete globalThis[bodyName];
		}
		var h = handler();
		if (!h) {
			__respondError(id, 'TypeError: no request handler registered');
			return;
		}
		var req;
		try {
			req = new Request(url, { method: method, headers: JSON.parse(headersJSON), body: body });
		} catch (e) {
			fail(id, e);
			return;
		}
		Promise.resolve().then(function() { return h(req, { remoteAddr: null }); }).then(function(resp) {
			if (!(resp instanceof Response)) {
				throw new TypeError('Return value from serve handler must be a response or a promise resolving to a response');
			}
			var pairs = [];
			resp.headers.forEach(function(v, k) {
				if (k === 'set-cookie') resp.headers.getSetCookie().forEach(function(c) { pairs.push([k, c]); });
				else pairs.push([k, v]);
			});
			var name = '';
			if (resp._body !== null && resp._body !== undefined) {
				name = '__resp_body_' + id;
				globalThis[name] = __bodyBytes(resp._body).buffer;
			}
			var ws = resp._webSocket ? resp._webSocket._id : '';
			__respond(id, resp.status, JSON.stringify(pairs), name, ws);
		}).catch(function(e) {
			if (globalThis.__isFatal(e)) throw e;
			fail(id, e);
		});
	};
})();
`

// Response is what a worker answered for one request.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	// WebSocketID is set when the handler answered with an upgrade. The
	// caller completes the handshake and attaches the socket.
	WebSocketID string
}

// Write copies the response to w.
func (r *Response) Write(w http.ResponseWriter) error {
	for k, vals := range r.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	if r.Header.Get("Content-Length") == "" {
		w.Header().Set("Content-Length", strconv.Itoa(len(r.Body)))
	}
	w.WriteHeader(r.Status)
	_, err := w.Write(r.Body)
	return err
}

type served struct {
	resp *Response
	err  error
}

// Server feeds HTTP requests to the script's request handler.
type Server struct {
	el *eventloop.EventLoop

	mu      sync.Mutex
	nextID  uint64
	waiting map[uint64]chan served
}

// NewServer creates a Server bound to el. Its Setup must be installed in
// the context before Dispatch is used.
func NewServer(el *eventloop.EventLoop) *Server {
	return &Server{el: el, waiting: make(map[uint64]chan served)}
}

// Setup registers the response callbacks and the dispatcher.
func (s *Server) Setup(rt core.JSRuntime, el *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__respond", func(id int, status int, headersJSON, bodyName, wsID string) {
		var pairs [][2]string
		if err := json.Unmarshal([]byte(headersJSON), &pairs); err != nil {
			s.deliver(uint64(id), served{err: fmt.Errorf("decoding response headers: %w", err)})
			return
		}
		resp := &Response{Status: status, Header: make(http.Header, len(pairs)), WebSocketID: wsID}
		for _, p := range pairs {
			resp.Header.Add(p[0], p[1])
		}
		if bodyName == "" {
			s.deliver(uint64(id), served{resp: resp})
			return
		}
		el.Submit(func(rt core.JSRuntime) error {
			body, err := readBytes(rt, bodyName)
			if err != nil {
				s.deliver(uint64(id), served{err: err})
				return nil
			}
			resp.Body = body
			s.deliver(uint64(id), served{resp: resp})
			return nil
		})
	}); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__respondError", func(id int, msg string) {
		s.deliver(uint64(id), served{resp: &Response{
			Status: http.StatusInternalServerError,
			Header: http.Header{"Content-Type": {"text/plain;charset=UTF-8"}},
			Body:   []byte(msg),
		}})
	}); err != nil {
		return err
	}
	return rt.Eval(serveJS)
}

func (s *Server) deliver(id uint64, v served) {
	s.mu.Lock()
	ch, ok := s.waiting[id]
	delete(s.waiting, id)
	s.mu.Unlock()
	if ok {
		ch <- v
	}
}

// Dispatch hands r to the script and waits for its response. The event
// loop is kept referenced until the response arrives or ctx ends.
func (s *Server) Dispatch(ctx context.Context, r *http.Request) (*Response, error) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, MaxRequestBodyBytes+1))
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		if len(body) > MaxRequestBodyBytes {
			return &Response{Status: http.StatusRequestEntityTooLarge, Header: http.Header{}}, nil
		}
	}
	headers := make(map[string]string, len(r.Header))
	for k, vals := range r.Header {
		headers[k] = strings.Join(vals, ", ")
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	ch := make(chan served, 1)
	s.waiting[id] = ch
	s.mu.Unlock()

	s.el.Ref()
	defer s.el.Unref()

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	target := requestURL(r)
	s.el.Submit(func(rt core.JSRuntime) error {
		bodyName := ""
		if len(body) > 0 && method != http.MethodGet && method != http.MethodHead {
			bodyName = "__req_body_" + strconv.FormatUint(id, 10)
			if err := writeBytes(rt, bodyName, body); err != nil {
				s.deliver(id, served{err: err})
				return nil
			}
		}
		return rt.Eval(fmt.Sprintf("globalThis.__dispatch(%d, %q, %q, %q, %q)", id, method, target, headersJSON, bodyName))
	})

	select {
	case v := <-ch:
		return v.resp, v.err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.waiting, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Pending reports how many requests are waiting for a response.
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}

func requestURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	return scheme + "://" + host + r.URL.RequestURI()
}
