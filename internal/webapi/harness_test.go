//go:build !v8

package webapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/eventloop"
	"github.com/cryguy/edgeruntime/internal/quickjs"
)

type harness struct {
	t   *testing.T
	ctx core.ScriptContext
	el  *eventloop.EventLoop
	srv *Server
}

func newHarness(t *testing.T, extra ...SetupFunc) *harness {
	t.Helper()
	ctx, err := quickjs.NewEngine().NewContext(core.ContextOptions{HeapLimitBytes: 128 << 20})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(ctx.Close)
	el := eventloop.New()
	srv := NewServer(el)
	setups := append(Base(), extra...)
	setups = append(setups, srv.Setup)
	if err := Install(ctx, el, setups...); err != nil {
		t.Fatalf("Install: %v", err)
	}
	return &harness{t: t, ctx: ctx, el: el, srv: srv}
}

func (h *harness) load(source string) {
	h.t.Helper()
	code, err := WrapModule("main.ts", source)
	if err != nil {
		h.t.Fatalf("WrapModule: %v", err)
	}
	if err := h.ctx.LoadModule("main.ts", code); err != nil {
		h.t.Fatalf("LoadModule: %v", err)
	}
}

// pollUntil drives the loop until done reports true.
func (h *harness) pollUntil(done func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := h.el.Poll(h.ctx); err != nil {
			h.t.Fatalf("Poll: %v", err)
		}
		if done() {
			return
		}
		select {
		case <-h.el.Wake():
		case <-time.After(2 * time.Millisecond):
		}
	}
	h.t.Fatal("timed out driving the event loop")
}

func (h *harness) do(req *http.Request) *Response {
	h.t.Helper()
	type result struct {
		resp *Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := h.srv.Dispatch(req.Context(), req)
		ch <- result{resp, err}
	}()
	var got result
	received := false
	h.pollUntil(func() bool {
		select {
		case got = <-ch:
			received = true
		default:
		}
		return received
	})
	if got.err != nil {
		h.t.Fatalf("Dispatch: %v", got.err)
	}
	return got.resp
}

func (h *harness) get(url string) *Response {
	return h.do(httptest.NewRequest(http.MethodGet, url, nil))
}

// eval runs an async expression and returns its settled value as a string.
func (h *harness) eval(expr string) string {
	h.t.Helper()
	if err := h.ctx.Eval(`globalThis.__out = undefined; Promise.resolve().then(async () => ` + expr + `).then(
		v => { globalThis.__out = 'ok:' + (typeof v === 'string' ? v : JSON.stringify(v)); },
		e => { globalThis.__out = 'err:' + (e && e.name) + ':' + (e && e.message); });`); err != nil {
		h.t.Fatalf("Eval: %v", err)
	}
	var out string
	h.pollUntil(func() bool {
		done, err := h.ctx.EvalBool(`globalThis.__out !== undefined`)
		if err != nil {
			h.t.Fatalf("EvalBool: %v", err)
		}
		if done {
			out, _ = h.ctx.EvalString(`globalThis.__out`)
		}
		return done
	})
	return out
}

func decodeJSON(t *testing.T, r *Response, v any) {
	t.Helper()
	if r.Status != http.StatusOK {
		t.Fatalf("status %d, body %q", r.Status, r.Body)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		t.Fatalf("unmarshal %q: %v", r.Body, err)
	}
}

func wantPrefix(t *testing.T, got, prefix string) {
	t.Helper()
	if !strings.HasPrefix(got, prefix) {
		t.Errorf("got %q, want prefix %q", got, prefix)
	}
}
