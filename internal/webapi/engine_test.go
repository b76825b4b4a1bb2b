//go:build !v8

package webapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/memlimit"
)

func TestModuleDefaultExportFetch(t *testing.T) {
	h := newHarness(t)
	h.load(`export default {
  async fetch(request) {
    const url = new URL(request.url);
    return Response.json({ path: url.pathname, q: url.searchParams.get("q"), method: request.method });
  },
};`)

	var data struct {
		Path   string `json:"path"`
		Q      string `json:"q"`
		Method string `json:"method"`
	}
	decodeJSON(t, h.get("http://localhost/hello?q=1"), &data)
	if data.Path != "/hello" || data.Q != "1" || data.Method != "GET" {
		t.Errorf("unexpected %+v", data)
	}
}

func TestDenoServeEchoesBody(t *testing.T) {
	h := newHarness(t, Deno(DenoConfig{}))
	h.load(`Deno.serve(async (req) => {
  const body = await req.text();
  return new Response(body.toUpperCase(), { headers: { "x-len": String(body.length) } });
});`)

	req := httptest.NewRequest(http.MethodPost, "http://localhost/", strings.NewReader("héllo"))
	resp := h.do(req)
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d", resp.Status)
	}
	if string(resp.Body) != "HÉLLO" {
		t.Errorf("body = %q", resp.Body)
	}
	if resp.Header.Get("x-len") != "5" {
		t.Errorf("x-len = %q", resp.Header.Get("x-len"))
	}
	if !strings.HasPrefix(resp.Header.Get("content-type"), "text/plain") {
		t.Errorf("content-type = %q", resp.Header.Get("content-type"))
	}
}

func TestHandlerErrorBecomes500(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var reported []string
	if err := Install(h.ctx, h.el, Uncaught(func(msg, _ string) {
		mu.Lock()
		reported = append(reported, msg)
		mu.Unlock()
	})); err != nil {
		t.Fatal(err)
	}
	h.load(`export default { fetch() { throw new Error("kaput"); } };`)

	resp := h.get("http://localhost/")
	if resp.Status != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 1 || reported[0] != "Error: kaput" {
		t.Errorf("reported = %q", reported)
	}
}

func TestNonResponseReturnIsRejected(t *testing.T) {
	h := newHarness(t)
	h.load(`export default { fetch() { return "nope"; } };`)
	resp := h.get("http://localhost/")
	if resp.Status != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.Status)
	}
	if !strings.Contains(string(resp.Body), "must be a response") {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestHandlerErrorBodyHidesStack(t *testing.T) {
	h := newHarness(t)
	h.load(`export default { fetch() { throw new RangeError("out of range"); } };`)
	resp := h.get("http://localhost/")
	if resp.Status != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.Status)
	}
	if string(resp.Body) != "RangeError: out of range" {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestTimersAndMicrotasks(t *testing.T) {
	h := newHarness(t)
	got := h.eval(`await new Promise(resolve => {
		const order = [];
		setTimeout(() => { order.push("timeout"); resolve(order.join(",")); }, 5);
		queueMicrotask(() => order.push("micro"));
		order.push("sync");
	})`)
	if got != "ok:sync,micro,timeout" {
		t.Errorf("got %q", got)
	}
}

func TestClearedIntervalStops(t *testing.T) {
	h := newHarness(t)
	got := h.eval(`await new Promise(resolve => {
		let n = 0;
		const id = setInterval(() => {
			n++;
			if (n === 3) { clearInterval(id); setTimeout(() => resolve(n), 40); }
		}, 1);
	})`)
	if got != "ok:3" {
		t.Errorf("got %q", got)
	}
}

func TestHeadersAndURLSearchParams(t *testing.T) {
	h := newHarness(t)
	got := h.eval(`(() => {
		const hd = new Headers({ "X-A": "1" });
		hd.append("x-a", "2");
		const p = new URLSearchParams("a=1&b=2&a=3");
		p.set("a", "99");
		const u = new URL("https://example.com/x?y=1");
		u.searchParams.append("z", "a b");
		return [hd.get("x-a"), p.toString(), u.href].join("|");
	})()`)
	want := "ok:1, 2|a=99&b=2|https://example.com/x?y=1&z=a+b"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestTextEncoderRoundTrip(t *testing.T) {
	h := newHarness(t)
	got := h.eval(`new TextDecoder().decode(new TextEncoder().encode("añ€😀"))`)
	if got != "ok:añ€😀" {
		t.Errorf("got %q", got)
	}
}

func TestFetchDeniedWithoutNetAccess(t *testing.T) {
	h := newHarness(t, Fetch(FetchConfig{NetAccessDisabled: true}))
	got := h.eval(`fetch("https://example.com/data")`)
	want := `err:PermissionDenied:Requires net access to "example.com"`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFetchRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(append([]byte("got:"), body...))
	}))
	defer upstream.Close()

	h := newHarness(t, Fetch(FetchConfig{}))
	got := h.eval(`(async () => {
		const r = await fetch("` + upstream.URL + `", { method: "POST", body: new Uint8Array([104, 105]) });
		return r.status + " " + r.headers.get("x-method") + " " + await r.text();
	})()`)
	if got != "ok:201 POST got:hi" {
		t.Errorf("got %q", got)
	}
}

func TestFetchBlocksPrivateNetwork(t *testing.T) {
	h := newHarness(t, Fetch(FetchConfig{BlockPrivateNetwork: true}))
	got := h.eval(`fetch("http://127.0.0.1:1/")`)
	wantPrefix(t, got, "err:PermissionDenied:")
}

func TestDenoCapabilities(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("inside"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, Deno(DenoConfig{Env: map[string]string{"SB_EXECUTION_ID": "exec-1"}, ReadRoot: root}))

	if got := h.eval(`Deno.env.get("SB_EXECUTION_ID")`); got != "ok:exec-1" {
		t.Errorf("env.get = %q", got)
	}
	if got := h.eval(`Deno.env.set("A", "1")`); got != "err:NotSupported:The operation is not supported" {
		t.Errorf("env.set = %q", got)
	}
	if got := h.eval(`new Deno.Command("ls")`); got != "err:PermissionDenied:Spawning subprocesses is not allowed on Edge Runtime" {
		t.Errorf("Command = %q", got)
	}
	if got := h.eval(`Deno.readTextFile("a.txt")`); got != "ok:inside" {
		t.Errorf("readTextFile = %q", got)
	}
	if got := h.eval(`Deno.readTextFileSync("../etc/passwd")`); got != `err:PermissionDenied:Requires read access to "../etc/passwd"` {
		t.Errorf("readTextFileSync escape = %q", got)
	}
	wantPrefix(t, h.eval(`Deno.readTextFile("missing.txt")`), "err:NotFound:")
}

func TestAllocatorCeiling(t *testing.T) {
	a := memlimit.New(1<<20, 0)
	h := newHarness(t, Allocator(a))
	got := h.eval(`(() => {
		globalThis.keep = new Uint8Array(512 * 1024);
		try {
			new ArrayBuffer(2 * 1024 * 1024);
			return "allocated";
		} catch (e) {
			return e.name + ": " + e.message + " " + (keep instanceof Uint8Array);
		}
	})()`)
	if got != "ok:RangeError: Array buffer allocation failed true" {
		t.Errorf("got %q", got)
	}
	if a.Used() < 512*1024 {
		t.Errorf("Used() = %d, want at least the surviving allocation", a.Used())
	}
}

func TestAllocatorChargesIntegerAndFractionalSizes(t *testing.T) {
	a := memlimit.New(4<<20, 0)
	h := newHarness(t, Allocator(a))
	got := h.eval(`(() => {
		globalThis.a = new ArrayBuffer(1024 * 1024);
		globalThis.b = new ArrayBuffer(1.5);
		globalThis.c = new Float64Array(8);
		return a.byteLength + " " + b.byteLength + " " + c.byteLength;
	})()`)
	if got != "ok:1048576 1 64" {
		t.Fatalf("got %q", got)
	}
	if used := a.Used(); used < 1<<20+65 {
		t.Errorf("Used() = %d, want every buffer charged", used)
	}
}

func TestResponseBodyUnderAllocator(t *testing.T) {
	h := newHarness(t, Allocator(memlimit.New(64<<20, 0)))
	h.load(`export default { fetch() { return new Response("finished"); } };`)
	resp := h.get("http://localhost/")
	if resp.Status != http.StatusOK || string(resp.Body) != "finished" {
		t.Errorf("got %d %q", resp.Status, resp.Body)
	}
}

func TestCryptoBasics(t *testing.T) {
	h := newHarness(t)
	got := h.eval(`(async () => {
		const d = await crypto.subtle.digest("SHA-256", new TextEncoder().encode("abc"));
		const hex = Array.from(new Uint8Array(d)).map(b => b.toString(16).padStart(2, "0")).join("");
		const id = crypto.randomUUID();
		const r = crypto.getRandomValues(new Uint8Array(16));
		return hex.slice(0, 8) + " " + id.length + " " + r.length;
	})()`)
	if got != "ok:ba7816bf 36 16" {
		t.Errorf("got %q", got)
	}
}

type fakeWorkers struct {
	created []core.WorkerOptions
	failing error
}

func (f *fakeWorkers) Create(_ context.Context, opts core.WorkerOptions) (string, error) {
	if f.failing != nil {
		return "", f.failing
	}
	f.created = append(f.created, opts)
	return "key-1", nil
}

func (f *fakeWorkers) Fetch(_ context.Context, key string, req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	rec.Header().Set("X-Worker", key)
	rec.WriteHeader(http.StatusAccepted)
	_, _ = rec.WriteString(req.Method + " " + req.URL.Path)
	return rec.Result(), nil
}

func TestEdgeRuntimeUserWorkers(t *testing.T) {
	workers := &fakeWorkers{}
	h := newHarness(t, EdgeRuntime(context.Background(), workers))
	got := h.eval(`(async () => {
		const w = await EdgeRuntime.userWorkers.create({
			servicePath: "./hello", memoryLimitMb: 150, workerTimeoutMs: 60000,
			envVars: [["A", "1"]], netAccessDisabled: true,
		});
		const r = await w.fetch(new Request("http://localhost/hi"));
		return w.key + " " + r.status + " " + r.headers.get("x-worker") + " " + await r.text();
	})()`)
	if got != "ok:key-1 202 key-1 GET /hi" {
		t.Errorf("got %q", got)
	}
	if len(workers.created) != 1 {
		t.Fatalf("created %d workers", len(workers.created))
	}
	opts := workers.created[0]
	if opts.ServicePath != "./hello" || opts.Limits.MemoryBytes != 150<<20 || !opts.NetAccessDisabled || opts.EnvVars["A"] != "1" {
		t.Errorf("unexpected options %+v", opts)
	}

	workers.failing = fmt.Errorf("admitting worker: %w", core.ErrPoolSaturated)
	wantPrefix(t, h.eval(`EdgeRuntime.userWorkers.create({ servicePath: "./x" })`), "err:PoolSaturated:")
}

func TestEventManagerIterates(t *testing.T) {
	src := make(chan core.WorkerEvent, 2)
	h := newHarness(t, EventManager(src))
	src <- core.WorkerEvent{Kind: core.EventBoot, WorkerKey: "w1"}
	src <- core.WorkerEvent{Kind: core.EventShutdown, WorkerKey: "w1", Data: map[string]any{"reason": "done"}}
	close(src)
	got := h.eval(`(async () => {
		const seen = [];
		for await (const e of new EventManager()) seen.push(e.event_type + ":" + e.worker_key);
		return seen.join(",");
	})()`)
	if got != "ok:boot:w1,shutdown:w1" {
		t.Errorf("got %q", got)
	}
}
