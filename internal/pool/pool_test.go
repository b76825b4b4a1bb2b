//go:build !v8

package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/isolate"
	"github.com/cryguy/edgeruntime/internal/quickjs"
)

type memLoader map[string]string

func (m memLoader) Load(_ context.Context, servicePath string, _ bool) (isolate.Module, error) {
	src, ok := m[servicePath]
	if !ok {
		return isolate.Module{}, fmt.Errorf("%s: %w", servicePath, fs.ErrNotExist)
	}
	return isolate.Module{Name: servicePath + "/index.ts", Source: src}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []core.WorkerEvent
}

func (r *recorder) Publish(ev core.WorkerEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) find(key string, kind core.EventKind) (core.WorkerEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.WorkerKey == key && ev.Kind == kind {
			return ev, true
		}
	}
	return core.WorkerEvent{}, false
}

// wait polls for an event; shutdown events are published after the worker
// has left the supervisor's table.
func (r *recorder) wait(t *testing.T, key string, kind core.EventKind) core.WorkerEvent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ev, ok := r.find(key, kind); ok {
			return ev
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %s event for %s", kind, key)
	return core.WorkerEvent{}
}

const (
	helloModule = `export default {
  fetch(req: Request) {
    return new Response("hello " + new URL(req.url).pathname);
  },
};`
	spinModule = `export default {
  fetch() {
    const end = Date.now() + 3000;
    while (Date.now() < end) {}
    return new Response("late");
  },
};`
	stuckModule = `while (true) {}
export default { fetch() { return new Response("unreachable"); } };`
	shortSpinModule = `export default {
  fetch() {
    const end = Date.now() + 60;
    while (Date.now() < end) {}
    return new Response("done");
  },
};`
)

func newTestSupervisor(t *testing.T, cfg Config) (*Supervisor, *recorder) {
	t.Helper()
	rec := &recorder{}
	if cfg.Engine == nil {
		cfg.Engine = quickjs.NewEngine()
	}
	if cfg.Loader == nil {
		cfg.Loader = memLoader{
			"/hello": helloModule,
			"/other": helloModule,
			"/spin":  spinModule,
			"/short": shortSpinModule,
			"/stuck": stuckModule,
		}
	}
	cfg.Events = rec
	cfg.Metrics = NewMetrics(prometheus.NewRegistry())
	s := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, rec
}

func userOpts(path string) core.WorkerOptions {
	return core.WorkerOptions{Role: core.RoleUser, ServicePath: path}
}

func get(t *testing.T, s *Supervisor, key, path string) (*http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://worker"+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s.Fetch(ctx, key, req)
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return string(b)
}

// waitGone waits until the worker has left the supervisor's table.
func waitGone(t *testing.T, s *Supervisor, key string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		infos, err := s.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		found := false
		for _, info := range infos {
			if info.Key == key {
				found = true
			}
		}
		if !found {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("worker %s still alive", key)
}

func requireLinux(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("per-thread cpu clock is only available on linux")
	}
}

func TestCreateAndFetch(t *testing.T) {
	s, rec := newTestSupervisor(t, Config{})
	key, err := s.Create(context.Background(), userOpts("/hello"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	resp, err := get(t, s, key, "/greet")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if body := readAll(t, resp); body != "hello /greet" {
		t.Errorf("body = %q", body)
	}
	if _, ok := rec.find(key, core.EventBoot); !ok {
		t.Error("missing boot event")
	}
	infos, _ := s.Snapshot(context.Background())
	if len(infos) != 1 || infos[0].State != core.StateRunning || infos[0].Routed != 1 {
		t.Errorf("snapshot = %+v", infos)
	}
}

func TestPerWorkerReusesServicePath(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{Policy: PerWorker})
	ctx := context.Background()
	a, err := s.Create(ctx, userOpts("/hello"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Create(ctx, userOpts("/hello"))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("expected reuse, got %s and %s", a, b)
	}
	forced := userOpts("/hello")
	forced.ForceCreate = true
	c, err := s.Create(ctx, forced)
	if err != nil {
		t.Fatal(err)
	}
	if c == a {
		t.Error("forceCreate must boot a new worker")
	}
}

func TestAdmissionFailsWithPoolSaturated(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{MaxParallelism: 1, RequestWaitTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	if _, err := s.Create(ctx, userOpts("/hello")); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	_, err := s.Create(ctx, userOpts("/other"))
	if !errors.Is(err, core.ErrPoolSaturated) {
		t.Fatalf("err = %v, want pool saturated", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("admission should wait for the request-wait timeout")
	}
	if got := testutil.ToFloat64(s.m.Rejected); got != 1 {
		t.Errorf("rejected = %v", got)
	}
	infos, _ := s.Snapshot(ctx)
	if len(infos) != 1 {
		t.Errorf("a rejected creation must not leave a worker behind: %+v", infos)
	}
}

func TestConcurrentPerWorkerCreatesShareOneBoot(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{Policy: PerWorker})
	const callers = 8
	keys := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys[i], errs[i] = s.Create(context.Background(), userOpts("/hello"))
		}()
	}
	wg.Wait()
	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if keys[i] != keys[0] {
			t.Fatalf("caller %d got %s, caller 0 got %s", i, keys[i], keys[0])
		}
	}
	infos, _ := s.Snapshot(context.Background())
	if len(infos) != 1 {
		t.Fatalf("expected one live worker, got %+v", infos)
	}
	if got := testutil.ToFloat64(s.m.Created.WithLabelValues("user")); got != 1 {
		t.Errorf("created = %v", got)
	}
}

func TestOneshotRejectsSecondWorker(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{Policy: Oneshot, RequestWaitTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	if _, err := s.Create(ctx, userOpts("/hello")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(ctx, userOpts("/other")); !errors.Is(err, core.ErrPoolSaturated) {
		t.Fatalf("err = %v, want pool saturated", err)
	}
}

// waitEmpty waits until the supervisor has no workers left.
func waitEmpty(t *testing.T, s *Supervisor) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		infos, err := s.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if len(infos) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("workers still alive")
}

func TestStuckBootIsReclaimedByLimits(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{MaxParallelism: 1, RequestWaitTimeout: 2 * time.Second})
	opts := userOpts("/stuck")
	opts.Limits.CPUHard = 100 * time.Millisecond
	opts.Limits.WallClock = 300 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	_, err := s.Create(ctx, opts)
	var werr *core.WorkerError
	if !errors.As(err, &werr) {
		t.Fatalf("Create err = %v, want a boot failure", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("stuck boot ran for %v", elapsed)
	}
	waitEmpty(t, s)

	byLimit := testutil.ToFloat64(s.m.Terminations.WithLabelValues(ReasonCPUTime)) +
		testutil.ToFloat64(s.m.Terminations.WithLabelValues(ReasonWallClock))
	if byLimit != 1 {
		t.Errorf("limit terminations = %v", byLimit)
	}
	// The slot held by the stuck worker is free again.
	if _, err := s.Create(context.Background(), userOpts("/hello")); err != nil {
		t.Fatalf("Create after reclaim: %v", err)
	}
}

func TestAbandonedCreateStopsBoot(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{MaxParallelism: 1, RequestWaitTimeout: 2 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := s.Create(ctx, userOpts("/stuck")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	waitEmpty(t, s)
	if got := testutil.ToFloat64(s.m.Terminations.WithLabelValues(ReasonBootFailed)); got != 1 {
		t.Errorf("boot_failed terminations = %v", got)
	}
	if _, err := s.Create(context.Background(), userOpts("/hello")); err != nil {
		t.Fatalf("Create after abandon: %v", err)
	}
}

func TestDiscardReleasesRegisteredWorker(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{})
	var released atomic.Int32
	w := newWorker(userOpts("/hello"), func() { released.Add(1) })
	err, askErr := ask(context.Background(), s, func(r chan error) any { return registerReq{w: w, reply: r} })
	if err != nil || askErr != nil {
		t.Fatalf("register: %v %v", err, askErr)
	}
	s.discard(w, context.Canceled)
	waitEmpty(t, s)
	if n := released.Load(); n != 1 {
		t.Errorf("release called %d times", n)
	}
}

func TestAdmissionWaitsForFreeSlot(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{MaxParallelism: 1, RequestWaitTimeout: 5 * time.Second})
	ctx := context.Background()
	first, err := s.Create(ctx, userOpts("/hello"))
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = s.Terminate(ctx, first, false, "")
	}()
	if _, err := s.Create(ctx, userOpts("/other")); err != nil {
		t.Fatalf("second Create after the slot freed up: %v", err)
	}
}

func TestPerRequestRetiresWorker(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{Policy: PerRequest})
	key, err := s.Create(context.Background(), userOpts("/hello"))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := get(t, s, key, "/")
	if err != nil {
		t.Fatalf("first Fetch: %v", err)
	}
	readAll(t, resp)
	_, err = get(t, s, key, "/")
	if !errors.Is(err, core.ErrWorkerRetired) && !errors.Is(err, core.ErrWorkerNotFound) {
		t.Fatalf("second Fetch err = %v", err)
	}
	waitGone(t, s, key)
}

func TestFetchUnknownWorker(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{})
	if _, err := get(t, s, "missing", "/"); !errors.Is(err, core.ErrWorkerNotFound) {
		t.Fatalf("err = %v", err)
	}
	if err := s.Terminate(context.Background(), "missing", true, ""); !errors.Is(err, core.ErrWorkerNotFound) {
		t.Fatalf("Terminate err = %v", err)
	}
}

func TestCreateUnknownServicePath(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{MaxParallelism: 1})
	_, err := s.Create(context.Background(), userOpts("/nowhere"))
	var werr *core.WorkerError
	if !errors.As(err, &werr) || !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v", err)
	}
	// The slot taken for the failed creation must be released.
	if _, err := s.Create(context.Background(), userOpts("/hello")); err != nil {
		t.Fatalf("Create after failure: %v", err)
	}
}

func TestGracefulTerminate(t *testing.T) {
	s, rec := newTestSupervisor(t, Config{})
	key, err := s.Create(context.Background(), userOpts("/hello"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Terminate(context.Background(), key, true, ""); err != nil {
		t.Fatal(err)
	}
	waitGone(t, s, key)
	ev := rec.wait(t, key, core.EventShutdown)
	if ev.Data["reason"] != ReasonRequested {
		t.Errorf("reason = %v", ev.Data["reason"])
	}
}

func TestWallClockLimit(t *testing.T) {
	s, rec := newTestSupervisor(t, Config{})
	opts := userOpts("/hello")
	opts.Limits.WallClock = 100 * time.Millisecond
	key, err := s.Create(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	waitGone(t, s, key)
	ev := rec.wait(t, key, core.EventShutdown)
	if ev.Data["reason"] != ReasonWallClock {
		t.Errorf("reason = %v", ev.Data["reason"])
	}
	if got := testutil.ToFloat64(s.m.Terminations.WithLabelValues(ReasonWallClock)); got != 1 {
		t.Errorf("wall clock terminations = %v", got)
	}
}

func TestHardCPULimitInterruptsSpinningScript(t *testing.T) {
	requireLinux(t)
	s, rec := newTestSupervisor(t, Config{})
	opts := userOpts("/spin")
	opts.Limits.CPUSoft = 50 * time.Millisecond
	opts.Limits.CPUHard = 100 * time.Millisecond
	key, err := s.Create(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	resp, err := get(t, s, key, "/")
	if err == nil {
		// The worker's HTTP server may still answer with a gateway error.
		if resp.StatusCode == http.StatusOK {
			t.Errorf("spinning handler should not complete, got %q", readAll(t, resp))
		} else {
			resp.Body.Close()
		}
	}
	waitGone(t, s, key)
	if elapsed := time.Since(start); elapsed > 2500*time.Millisecond {
		t.Errorf("worker ran for %v, the hard limit should have stopped it", elapsed)
	}
	ev := rec.wait(t, key, core.EventShutdown)
	if ev.Data["reason"] != ReasonCPUTime {
		t.Errorf("reason = %v", ev.Data["reason"])
	}
}

func TestSoftCPULimitRetiresWorker(t *testing.T) {
	requireLinux(t)
	s, rec := newTestSupervisor(t, Config{})
	opts := userOpts("/short")
	opts.Limits.CPUSoft = 20 * time.Millisecond
	key, err := s.Create(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := get(t, s, key, "/")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if body := readAll(t, resp); body != "done" {
		t.Errorf("in-flight request should still complete, got %q", body)
	}
	waitGone(t, s, key)
	if _, ok := rec.find(key, core.EventLimitWarning); !ok {
		t.Error("missing limitWarning event")
	}
	ev := rec.wait(t, key, core.EventShutdown)
	if ev.Data["reason"] != ReasonEarlyDrop {
		t.Errorf("reason = %v", ev.Data["reason"])
	}
}

func TestOneshotSignalsCompletion(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{Policy: Oneshot, MaxParallelism: 8})
	if s.cfg.MaxParallelism != 1 {
		t.Errorf("oneshot parallelism = %d", s.cfg.MaxParallelism)
	}
	key, err := s.Create(context.Background(), userOpts("/hello"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Terminate(context.Background(), key, false, ""); err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.Oneshot():
	case <-time.After(5 * time.Second):
		t.Fatal("oneshot channel not closed after the worker exited")
	}
}

func TestShutdownStopsEveryWorker(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{})
	for _, p := range []string{"/hello", "/other"} {
		if _, err := s.Create(context.Background(), userOpts(p)); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := s.Create(context.Background(), userOpts("/hello")); err == nil {
		t.Error("Create after Shutdown should fail")
	}
}
