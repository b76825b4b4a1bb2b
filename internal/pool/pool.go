// Package pool supervises workers: it admits creations against the
// parallelism ceiling, applies the reuse policy, routes connections over
// per-worker control channels and enforces CPU, memory and wall-clock
// limits from the telemetry each worker reports.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/cryguy/edgeruntime/internal/bridge"
	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/isolate"
	"github.com/cryguy/edgeruntime/internal/webapi"
)

// Loader resolves a service path to a loadable module.
type Loader interface {
	Load(ctx context.Context, servicePath string, noCache bool) (isolate.Module, error)
}

// Config configures a Supervisor.
type Config struct {
	Policy Policy
	// MaxParallelism caps concurrently alive user workers. Zero means
	// unbounded. Oneshot forces 1.
	MaxParallelism int
	// RequestWaitTimeout bounds how long a creation waits for a free slot
	// before failing with core.ErrPoolSaturated. Zero waits indefinitely.
	RequestWaitTimeout time.Duration
	// DefaultLimits fill in limits a user worker creation leaves at zero.
	DefaultLimits core.Limits

	Engine core.ScriptEngine
	Loader Loader
	Events core.EventSender
	Fetch  webapi.FetchConfig

	// EventSource feeds the event worker's EventManager.
	EventSource <-chan core.WorkerEvent
	// ProcessEnv is the environment main and event workers inherit.
	ProcessEnv map[string]string

	// CPUCheckInterval is how often in-poll CPU time is sampled against
	// hard limits. Defaults to 10ms.
	CPUCheckInterval time.Duration

	Metrics *Metrics
	Logger  *zap.Logger
}

// WorkerInfo is a point-in-time view of one worker.
type WorkerInfo struct {
	Key         string
	Role        core.Role
	ServicePath string
	State       core.WorkerState
	CPU         time.Duration
	Routed      int
	MemoryUsed  uint64
}

// Supervisor owns every worker of the process. All worker bookkeeping
// happens on its coordinator goroutine.
type Supervisor struct {
	cfg    Config
	log    *zap.Logger
	sem    *semaphore.Weighted
	bridge *bridge.Bridge
	m      *Metrics

	// creating collapses concurrent PerWorker creations for one service
	// path into a single boot.
	creating singleflight.Group

	inbox   chan any
	done    chan struct{}
	oneshot chan struct{}
}

var _ webapi.UserWorkers = (*Supervisor)(nil)

var errStopped = errors.New("supervisor stopped")

// killGrace bounds the wait for interrupted workers during Shutdown.
const killGrace = 5 * time.Second

// New starts a Supervisor's coordinator. Call Shutdown to stop it.
func New(cfg Config) *Supervisor {
	if cfg.Policy == Oneshot {
		cfg.MaxParallelism = 1
	}
	if cfg.CPUCheckInterval <= 0 {
		cfg.CPUCheckInterval = 10 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	s := &Supervisor{
		cfg:     cfg,
		log:     cfg.Logger.Named("pool"),
		bridge:  bridge.New(cfg.Logger.Named("bridge")),
		m:       cfg.Metrics,
		inbox:   make(chan any, 256),
		done:    make(chan struct{}),
		oneshot: make(chan struct{}),
	}
	if cfg.MaxParallelism > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxParallelism))
	}
	s.bridge.OnTrackingFailure = func(err error) {
		s.log.Error("connection tracking failed", zap.Error(err))
	}
	c := newCoordinator(s)
	go c.run()
	return s
}

// Oneshot is closed when the single worker of a Oneshot supervisor exits.
func (s *Supervisor) Oneshot() <-chan struct{} { return s.oneshot }

// post delivers msg to the coordinator unless it has stopped.
func (s *Supervisor) post(msg any) bool {
	select {
	case s.inbox <- msg:
		return true
	case <-s.done:
		return false
	}
}

// ask posts a request carrying its own reply channel and waits for the
// answer.
func ask[T any](ctx context.Context, s *Supervisor, build func(chan T) any) (T, error) {
	reply := make(chan T, 1)
	var zero T
	select {
	case s.inbox <- build(reply):
	case <-s.done:
		return zero, errStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-s.done:
		return zero, errStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (s *Supervisor) withDefaults(opts core.WorkerOptions) core.WorkerOptions {
	d := s.cfg.DefaultLimits
	l := &opts.Limits
	if l.MemoryBytes == 0 {
		l.MemoryBytes = d.MemoryBytes
	}
	if l.CPUSoft == 0 {
		l.CPUSoft = d.CPUSoft
	}
	if l.CPUHard == 0 {
		l.CPUHard = d.CPUHard
	}
	if l.WallClock == 0 {
		l.WallClock = d.WallClock
	}
	if l.LowMemoryMultiplier == 0 {
		l.LowMemoryMultiplier = d.LowMemoryMultiplier
	}
	return opts
}

// admit takes a parallelism slot, waiting up to RequestWaitTimeout.
func (s *Supervisor) admit(ctx context.Context) (func(), error) {
	if s.sem == nil {
		return func() {}, nil
	}
	wait := ctx
	if s.cfg.RequestWaitTimeout > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, s.cfg.RequestWaitTimeout)
		defer cancel()
	}
	if err := s.sem.Acquire(wait, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.m.Rejected.Inc()
		return nil, fmt.Errorf("no worker slot within %v: %w", s.cfg.RequestWaitTimeout, core.ErrPoolSaturated)
	}
	var once sync.Once
	return func() { once.Do(func() { s.sem.Release(1) }) }, nil
}

// Create boots a worker for opts and returns its key once the module has
// been evaluated. User workers count against the parallelism ceiling;
// under PerWorker an alive worker for the same service path is reused
// unless ForceCreate is set, and concurrent creations for one service path
// share a single boot.
func (s *Supervisor) Create(ctx context.Context, opts core.WorkerOptions) (string, error) {
	counted := opts.Role == core.RoleUser
	if counted {
		opts = s.withDefaults(opts)
	}
	if counted && s.cfg.Policy == PerWorker && !opts.ForceCreate {
		return s.createShared(ctx, opts)
	}
	return s.create(ctx, opts, counted)
}

func (s *Supervisor) createShared(ctx context.Context, opts core.WorkerOptions) (string, error) {
	for {
		ch := s.creating.DoChan(opts.ServicePath, func() (any, error) {
			key, err := ask(ctx, s, func(r chan string) any { return lookupReq{servicePath: opts.ServicePath, reply: r} })
			if err != nil || key != "" {
				return key, err
			}
			return s.create(ctx, opts, true)
		})
		select {
		case r := <-ch:
			if r.Err == nil {
				return r.Val.(string), nil
			}
			// The leading caller gave up; this one is still waiting.
			if r.Shared && ctx.Err() == nil && isContextErr(r.Err) {
				continue
			}
			return "", r.Err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (s *Supervisor) create(ctx context.Context, opts core.WorkerOptions, counted bool) (string, error) {
	release := func() {}
	if counted {
		var err error
		if release, err = s.admit(ctx); err != nil {
			return "", err
		}
	}

	mod, err := s.cfg.Loader.Load(ctx, opts.ServicePath, opts.NoModuleCache)
	if err != nil {
		release()
		return "", &core.WorkerError{Reason: "loading " + opts.ServicePath, Err: err}
	}
	w := newWorker(opts, release)
	err, askErr := ask(ctx, s, func(r chan error) any { return registerReq{w: w, reply: r} })
	if askErr != nil {
		s.discard(w, askErr)
		return "", askErr
	}
	if err != nil {
		release()
		return "", err
	}
	go s.runWorker(w, mod)

	select {
	case err := <-w.ready:
		if err != nil {
			return "", &core.WorkerError{Key: w.key, Reason: "boot failed", Err: err}
		}
		return w.key, nil
	case <-ctx.Done():
		s.post(abandonMsg{w: w, cause: ctx.Err()})
		return "", ctx.Err()
	}
}

// discard drops a worker whose boot never started. The coordinator may or
// may not have registered it before the caller gave up.
func (s *Supervisor) discard(w *worker, err error) {
	s.post(exitMsg{w: w, err: err, reply: make(chan string, 1)})
	w.release()
}

// RouteConn parks conn in the bridge and routes it to the worker. When
// sync is non-nil the worker side waits for it before closing. On error
// the caller keeps ownership of conn.
func (s *Supervisor) RouteConn(ctx context.Context, key string, conn net.Conn, sync *bridge.SyncHandle) error {
	rid := s.bridge.Register(conn, sync)
	err, askErr := ask(ctx, s, func(r chan error) any { return routeReq{key: key, rid: rid, reply: r} })
	if askErr != nil {
		if _, rerr := s.bridge.Reclaim(rid); rerr != nil {
			// The worker took the connection before the caller gave up.
			return nil
		}
		return askErr
	}
	if err != nil {
		_, _ = s.bridge.Reclaim(rid)
	}
	return err
}

// Fetch sends req to the worker over a fresh socket pair and returns its
// response. The body must be closed by the caller.
func (s *Supervisor) Fetch(ctx context.Context, key string, req *http.Request) (*http.Response, error) {
	client, server, err := bridge.Pipe()
	if err != nil {
		return nil, err
	}
	sender, handle := bridge.NewConnSync()
	if err := s.RouteConn(ctx, key, server, handle); err != nil {
		sender.Close()
		_ = client.Close()
		_ = server.Close()
		return nil, err
	}
	return roundTrip(ctx, client, sender, req)
}

// Terminate stops a worker. Graceful termination stops routing and lets
// in-flight work drain; otherwise the running script is interrupted.
func (s *Supervisor) Terminate(ctx context.Context, key string, graceful bool, reason string) error {
	err, askErr := ask(ctx, s, func(r chan error) any {
		return shutdownReq{key: key, graceful: graceful, reason: reason, reply: r}
	})
	if askErr != nil {
		return askErr
	}
	return err
}

// Snapshot lists every worker the supervisor knows about.
func (s *Supervisor) Snapshot(ctx context.Context) ([]WorkerInfo, error) {
	return ask(ctx, s, func(r chan []WorkerInfo) any { return snapshotReq{reply: r} })
}

// SetMemoryPressure toggles the low-memory ceiling of every worker.
func (s *Supervisor) SetMemoryPressure(on bool) {
	s.post(pressureMsg{on: on})
}

// Shutdown gracefully stops every worker and waits for them to exit
// within ctx. Workers still alive when ctx ends are interrupted.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if !s.post(stopReq{}) {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.post(killReq{})
		select {
		case <-s.done:
		case <-time.After(killGrace):
			s.log.Warn("workers did not exit after being interrupted")
		}
		return ctx.Err()
	}
}
