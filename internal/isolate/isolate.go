// Package isolate bootstraps one execution context: it picks the role's
// capabilities, caps memory, installs the host API and loads the module.
// Requests reach the script through an HTTP server fed with the
// connections the supervisor routes to the worker.
package isolate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/cryguy/edgeruntime/internal/bridge"
	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/cputime"
	"github.com/cryguy/edgeruntime/internal/driver"
	"github.com/cryguy/edgeruntime/internal/eventloop"
	"github.com/cryguy/edgeruntime/internal/memlimit"
	"github.com/cryguy/edgeruntime/internal/webapi"
)

// ExecutionIDEnv is injected into every user worker's environment.
const ExecutionIDEnv = "SB_EXECUTION_ID"

// Module is a loadable worker module.
type Module struct {
	Name   string
	Source string
}

// Config describes the context to bootstrap.
type Config struct {
	Key     string
	Options core.WorkerOptions
	Module  Module
	Engine  core.ScriptEngine

	// Events receives lifecycle, log and exception events. May be nil.
	Events core.EventSender
	// EventSource feeds the EventManager of event workers.
	EventSource <-chan core.WorkerEvent
	// UserWorkers backs EdgeRuntime.userWorkers for the main worker.
	UserWorkers webapi.UserWorkers
	// Fetch is the base outbound fetch configuration. NetAccessDisabled
	// from Options is applied on top.
	Fetch webapi.FetchConfig
	// ProcessEnv is what the main and event workers see in Deno.env.
	// Defaults to the process environment.
	ProcessEnv map[string]string

	// OnContext receives the engine context before any script runs, so a
	// supervisor can interrupt a bootstrap that never finishes.
	OnContext func(core.ScriptContext)

	Flag   *driver.Flag
	Logger *zap.Logger
}

// Isolate is a bootstrapped context ready to run. All methods except
// Interrupt, Terminate and Allocator must be called on the thread that
// called Bootstrap.
type Isolate struct {
	key   string
	opts  core.WorkerOptions
	ctx   core.ScriptContext
	el    *eventloop.EventLoop
	drv   *driver.Driver
	alloc *memlimit.Allocator
	srv   *webapi.Server
	ws    *webapi.WebSockets
	ln    *bridge.ConnListener
	hsrv  *http.Server
	event core.EventSender
	log   *zap.Logger

	runCtx    context.Context
	cancelRun context.CancelFunc
	closeOnce sync.Once

	streams *streamSet
}

// Bootstrap creates the context for cfg and evaluates its module. The
// caller must hold runtime.LockOSThread and keep it until Close.
func Bootstrap(cfg Config) (*Isolate, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("worker", cfg.Key), zap.Stringer("role", cfg.Options.Role))
	start, clockErr := cputime.Now()

	limits := cfg.Options.Limits
	alloc := memlimit.New(limits.MemoryBytes, limits.LowMemoryMultiplier)
	var heap uint64
	if limits.MemoryBytes > 0 {
		heap = memlimit.HeapLimit(limits.MemoryBytes)
	}
	sctx, err := cfg.Engine.NewContext(core.ContextOptions{HeapLimitBytes: heap})
	if err != nil {
		return nil, core.EngineFault(err)
	}
	if cfg.OnContext != nil {
		cfg.OnContext(sctx)
	}

	el := eventloop.New()
	iso := &Isolate{
		key:     cfg.Key,
		opts:    cfg.Options,
		ctx:     sctx,
		el:      el,
		alloc:   alloc,
		srv:     webapi.NewServer(el),
		ws:      webapi.NewWebSockets(el),
		ln:      bridge.NewConnListener(cfg.Key),
		event:   cfg.Events,
		log:     log,
		streams: newStreamSet(),
	}
	iso.runCtx, iso.cancelRun = context.WithCancel(context.Background())

	if err := webapi.Install(sctx, el, iso.setups(cfg)...); err != nil {
		iso.Close()
		return nil, fmt.Errorf("installing host api: %w", err)
	}
	if err := iso.load(cfg.Module); err != nil {
		iso.Close()
		return nil, err
	}
	var spent time.Duration
	if end, err := cputime.Now(); err == nil && clockErr == nil {
		spent = end - start
	}
	iso.drv = driver.New(driver.Options{
		Runtime: sctx,
		Loop:    el,
		Flag:    cfg.Flag,
		Spent:   spent,
		OnConn:  iso.accept,
		Logger:  log,
	})

	iso.hsrv = &http.Server{
		Handler:     h2c.NewHandler(http.HandlerFunc(iso.serveHTTP), &http2.Server{}),
		ConnState:   iso.connState,
		ConnContext: iso.streams.attach,
		ErrorLog:    zap.NewStdLog(log.Named("http")),
	}
	go func() {
		if err := iso.hsrv.Serve(iso.ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !bridge.IsClosed(err) {
			log.Warn("worker http server stopped", zap.Error(err))
		}
	}()

	iso.publish(core.EventBoot, map[string]any{"role": cfg.Options.Role.String()})
	log.Debug("worker booted", zap.String("module", cfg.Module.Name))
	return iso, nil
}

func (iso *Isolate) setups(cfg Config) []webapi.SetupFunc {
	role := cfg.Options.Role
	fetchCfg := cfg.Fetch
	if cfg.Options.NetAccessDisabled {
		fetchCfg.NetAccessDisabled = true
	}

	setups := []webapi.SetupFunc{webapi.Allocator(iso.alloc)}
	setups = append(setups, webapi.Base()...)
	setups = append(setups,
		webapi.Console(iso.console),
		webapi.Uncaught(iso.uncaught),
		webapi.Fetch(fetchCfg),
		iso.ws.Setup,
		iso.srv.Setup,
	)

	deno := webapi.DenoConfig{Env: Env(role, cfg.Key, cfg.Options.EnvVars, cfg.ProcessEnv)}
	if role == core.RoleMain {
		deno.AllowAllReads = true
	}
	setups = append(setups, webapi.Deno(deno))

	switch role {
	case core.RoleMain:
		if cfg.UserWorkers != nil {
			setups = append(setups, webapi.EdgeRuntime(iso.runCtx, cfg.UserWorkers))
		}
	case core.RoleEvent:
		if cfg.EventSource != nil {
			setups = append(setups, webapi.EventManager(cfg.EventSource))
		}
	}
	return setups
}

// Env builds the environment a role sees. Main and event workers get the
// process environment overlaid with explicit variables; user workers only
// see their explicit variables plus the execution id.
func Env(role core.Role, key string, explicit, process map[string]string) map[string]string {
	env := make(map[string]string)
	if role != core.RoleUser {
		if process == nil {
			process = processEnv()
		}
		for k, v := range process {
			env[k] = v
		}
	}
	for k, v := range explicit {
		env[k] = v
	}
	if role == core.RoleUser {
		env[ExecutionIDEnv] = key
	}
	return env
}

func processEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

func (iso *Isolate) load(m Module) error {
	code, err := webapi.WrapModule(m.Name, m.Source)
	if err != nil {
		return fmt.Errorf("transforming module: %w", err)
	}
	if err := iso.ctx.LoadModule(m.Name, code); err != nil {
		if core.IsFatalEngineError(err) {
			return core.EngineFault(err)
		}
		return fmt.Errorf("loading module: %w", err)
	}
	// Top-level promises settle before the first request.
	iso.ctx.RunMicrotasks()
	return nil
}

// Key returns the worker key.
func (iso *Isolate) Key() string { return iso.key }

// Allocator returns the memory accountant of the context.
func (iso *Isolate) Allocator() *memlimit.Allocator { return iso.alloc }

// Driver returns the driver that runs the context.
func (iso *Isolate) Driver() *driver.Driver { return iso.drv }

// Run drives the context until its event loop drains after conns is
// closed, termination is requested or ctx ends.
func (iso *Isolate) Run(ctx context.Context, conns <-chan net.Conn, metrics chan<- core.CPUUsageMetrics) (time.Duration, error) {
	return iso.drv.Run(ctx, conns, metrics)
}

// Terminate asks the driver to stop at the next poll boundary.
func (iso *Isolate) Terminate() { iso.drv.Terminate() }

// Interrupt aborts the script currently executing, if any, and terminates
// the driver. Safe from any goroutine.
func (iso *Isolate) Interrupt() {
	iso.drv.Terminate()
	iso.ctx.Interrupt()
}

// Drain stops keeping idle connections alive so the event loop can finish
// once in-flight requests are answered. Safe from any goroutine.
func (iso *Isolate) Drain() {
	if iso.hsrv != nil {
		iso.hsrv.SetKeepAlivesEnabled(false)
	}
}

// Close stops the worker's HTTP server and releases the context. Streams
// still waiting for their peer are aborted.
func (iso *Isolate) Close() {
	iso.closeOnce.Do(func() {
		iso.cancelRun()
		iso.streams.abortAll()
		if iso.hsrv != nil {
			_ = iso.hsrv.Close()
		}
		_ = iso.ln.Close()
		iso.ctx.Close()
		iso.el.Reset()
	})
}

// Shutdown publishes the shutdown event and closes the isolate.
func (iso *Isolate) Shutdown(reason string, cpu time.Duration) {
	if iso.el.HasPending() {
		iso.log.Debug("worker stopped with pending work", zap.String("reason", reason))
	}
	iso.publish(core.EventShutdown, map[string]any{
		"reason":        reason,
		"cpu_time_used": cpu.Milliseconds(),
		"memory_used":   iso.alloc.Peak(),
	})
	iso.Close()
}

// accept runs on the driver thread for every routed connection. The loop
// holds a reference until the HTTP server reports the connection closed or
// hijacked.
func (iso *Isolate) accept(conn net.Conn) error {
	iso.el.Ref()
	if err := iso.ln.Push(conn); err != nil {
		iso.el.Unref()
		return err
	}
	return nil
}

func (iso *Isolate) connState(c net.Conn, state http.ConnState) {
	switch state {
	case http.StateClosed, http.StateHijacked:
		iso.streams.detach(c)
		iso.el.Unref()
	}
}

// serveHTTP borrows the request's stream for as long as it writes to it,
// so a concurrent upgrade on the same connection cannot take it away.
func (iso *Isolate) serveHTTP(w http.ResponseWriter, r *http.Request) {
	release, err := iso.streams.borrow(r.Context())
	if err != nil {
		http.Error(w, "connection no longer available", http.StatusServiceUnavailable)
		return
	}
	released := false
	defer func() {
		if !released {
			release()
		}
	}()

	resp, err := iso.srv.Dispatch(r.Context(), r)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			iso.log.Warn("request dispatch failed", zap.Error(err))
		}
		http.Error(w, "worker failed to respond", http.StatusBadGateway)
		return
	}
	if resp.WebSocketID != "" {
		release()
		released = true
		iso.upgrade(w, r, resp.WebSocketID)
		return
	}
	if err := resp.Write(w); err != nil {
		iso.log.Debug("writing response", zap.Error(err))
	}
}

// upgrade completes a WebSocket handshake the script accepted. The
// connection's ownership moves to the socket so its close no longer waits
// on the request's ConnSync.
func (iso *Isolate) upgrade(w http.ResponseWriter, r *http.Request, id string) {
	iso.el.Ref()
	defer iso.el.Unref()
	s, err := iso.streams.take(r.Context())
	switch {
	case errors.Is(err, core.ErrResourceBusy):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if s != nil {
		if _, err := s.Upgrade(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		iso.log.Debug("websocket handshake failed", zap.Error(err))
		return
	}
	if err := iso.ws.Attach(iso.runCtx, id, conn); err != nil {
		iso.log.Debug("websocket closed", zap.String("socket", id), zap.Error(err))
	}
}

func (iso *Isolate) console(level, message string) {
	if iso.opts.Role == core.RoleUser {
		iso.log.Debug(message, zap.String("console", level))
		iso.publish(core.EventLog, map[string]any{"level": level, "msg": message})
		return
	}
	switch level {
	case "error":
		iso.log.Error(message, zap.String("console", level))
	case "warn":
		iso.log.Warn(message, zap.String("console", level))
	case "debug":
		iso.log.Debug(message, zap.String("console", level))
	default:
		iso.log.Info(message, zap.String("console", level))
	}
}

func (iso *Isolate) uncaught(message, stack string) {
	iso.log.Error("uncaught exception", zap.String("exception", message), zap.String("stack", stack))
	iso.publish(core.EventUncaughtException, map[string]any{"exception": message, "stack": stack})
}

func (iso *Isolate) publish(kind core.EventKind, data map[string]any) {
	if iso.event == nil {
		return
	}
	iso.event.Publish(core.WorkerEvent{
		Kind:        kind,
		WorkerKey:   iso.key,
		ServicePath: iso.opts.ServicePath,
		Timestamp:   time.Now(),
		Data:        data,
	})
}
