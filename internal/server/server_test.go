package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cryguy/edgeruntime/internal/config"
)

func writeService(t *testing.T, src string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.ts"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

type running struct {
	srv  *Server
	url  string
	stop func() error
	done chan error
}

func start(t *testing.T, cfg config.Config) *running {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	cfg.DisableModuleCache = true
	cfg.GracefulGrace = 5 * time.Second
	srv, err := New(cfg, Options{Listener: ln})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{srv: srv, url: "http://" + ln.Addr().String(), done: make(chan error, 1)}
	go func() { r.done <- srv.Run(ctx) }()
	var once sync.Once
	var stopErr error
	r.stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case stopErr = <-r.done:
			case <-time.After(10 * time.Second):
				stopErr = fmt.Errorf("Run did not return")
			}
		})
		return stopErr
	}
	t.Cleanup(func() { _ = r.stop() })
	return r
}

// get retries until the main worker is up.
func get(t *testing.T, url string) (int, string) {
	t.Helper()
	client := &http.Client{Timeout: 10 * time.Second}
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := client.Get(url)
		if err == nil {
			defer resp.Body.Close()
			b, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("reading body: %v", err)
			}
			return resp.StatusCode, string(b)
		}
		if time.Now().After(deadline) {
			t.Fatalf("GET %s: %v", url, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestServeRoutesToMainWorker(t *testing.T) {
	cfg := config.Default()
	cfg.MainServicePath = writeService(t, `Deno.serve((req) => new Response("main " + new URL(req.url).pathname));`)
	r := start(t, cfg)

	status, body := get(t, r.url+"/ping")
	if status != http.StatusOK || body != "main /ping" {
		t.Fatalf("got %d %q", status, body)
	}
	if got := testutil.ToFloat64(r.srv.metrics.Requests); got < 1 {
		t.Errorf("routed connections = %v", got)
	}
	if err := r.stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestMainForwardsToUserWorker(t *testing.T) {
	user := writeService(t, `export default {
  fetch(req: Request) {
    return new Response("user " + Deno.env.get("GREETING") + " " + new URL(req.url).pathname);
  },
};`)
	cfg := config.Default()
	cfg.MainServicePath = writeService(t, fmt.Sprintf(`Deno.serve(async (req) => {
  const worker = await EdgeRuntime.userWorkers.create({
    servicePath: %q,
    envVars: { GREETING: "hi" },
  });
  return worker.fetch(req);
});`, user))
	r := start(t, cfg)

	status, body := get(t, r.url+"/a")
	if status != http.StatusOK || body != "user hi /a" {
		t.Fatalf("got %d %q", status, body)
	}
}

func TestMainBootFailure(t *testing.T) {
	cfg := config.Default()
	cfg.MainServicePath = writeService(t, `throw new Error("broken main");`)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	cfg.DisableModuleCache = true
	srv, err := New(cfg, Options{Listener: ln})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = srv.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "starting main worker") {
		t.Fatalf("expected main worker failure, got %v", err)
	}
}

func TestOneshotStopsAfterUserWorker(t *testing.T) {
	user := writeService(t, `export default { fetch() { return new Response("once"); } };`)
	cfg := config.Default()
	cfg.Policy = "oneshot"
	cfg.UserWallClock = 300 * time.Millisecond
	cfg.MainServicePath = writeService(t, fmt.Sprintf(`Deno.serve(async (req) => {
  const worker = await EdgeRuntime.userWorkers.create({ servicePath: %q });
  return worker.fetch(req);
});`, user))
	r := start(t, cfg)

	if status, body := get(t, r.url+"/"); status != http.StatusOK || body != "once" {
		t.Fatalf("got %d %q", status, body)
	}
	select {
	case err := <-r.done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		r.done <- nil
	case <-time.After(10 * time.Second):
		t.Fatal("server kept running after the oneshot worker exited")
	}
}

func TestRejectWritesServiceUnavailable(t *testing.T) {
	a, b := net.Pipe()
	go reject(b, fmt.Errorf("nope"))
	resp, err := http.ReadResponse(bufio.NewReader(a), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestNextBackoff(t *testing.T) {
	d := nextBackoff(0)
	if d != 5*time.Millisecond {
		t.Fatalf("first backoff = %v", d)
	}
	for i := 0; i < 20; i++ {
		d = nextBackoff(d)
	}
	if d != time.Second {
		t.Errorf("backoff should cap at 1s, got %v", d)
	}
}
