// Package server runs the process: it boots the main and event workers,
// accepts TCP connections and hands each one to the main worker through
// the supervisor.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cryguy/edgeruntime/internal/bundle"
	"github.com/cryguy/edgeruntime/internal/config"
	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/events"
	"github.com/cryguy/edgeruntime/internal/pool"
	"github.com/cryguy/edgeruntime/internal/webapi"
)

// ErrMainWorkerExited is returned by Run when the main worker is gone and
// nothing can serve new connections.
var ErrMainWorkerExited = errors.New("main worker exited")

// Options carries the dependencies New does not build from Config.
type Options struct {
	// Engine defaults to NewEngine().
	Engine core.ScriptEngine
	// Listener defaults to a TCP listener on Config.Addr().
	Listener net.Listener
	// Registry defaults to a fresh registry with Go and process collectors.
	Registry *prometheus.Registry
	Logger   *zap.Logger
}

// Server owns every long-lived component of a running process.
type Server struct {
	cfg    config.Config
	log    *zap.Logger
	engine core.ScriptEngine
	ln     net.Listener
	reg    *prometheus.Registry

	bus    *events.Bus
	nats   *events.NATSSink
	cache  *bundle.Cache
	loader *bundle.Loader
	fetch  webapi.FetchConfig

	metrics *pool.Metrics
	sup     *pool.Supervisor
	mainKey string
}

// New validates cfg and prepares the components. Nothing runs until Run.
func New(cfg config.Config, opts Options) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{cfg: cfg, log: log, engine: opts.Engine, ln: opts.Listener, reg: opts.Registry}
	if s.engine == nil {
		s.engine = NewEngine()
	}
	if s.reg == nil {
		s.reg = prometheus.NewRegistry()
		s.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	s.metrics = pool.NewMetrics(s.reg)

	roots, err := cfg.CertPool()
	if err != nil {
		return nil, err
	}
	s.fetch = webapi.FetchConfig{BlockPrivateNetwork: cfg.BlockPrivateNetwork, RootCAs: roots}

	s.bus = events.NewBus(log.Named("events"))
	if cfg.NATSURL != "" {
		sink, err := events.DialNATS(cfg.NATSURL, cfg.NATSSubject, log.Named("nats"))
		if err != nil {
			s.bus.Close()
			return nil, err
		}
		s.nats = sink
		s.bus.AddSink(sink)
	}

	s.loader = &bundle.Loader{
		Client: &http.Client{
			Timeout: time.Minute,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12},
			},
		},
		Logger: log.Named("bundle"),
	}
	if cfg.ImportMapPath != "" {
		im, err := bundle.LoadImportMap(cfg.ImportMapPath)
		if err != nil {
			s.closeSinks()
			return nil, err
		}
		s.loader.ImportMap = im
	}
	if !cfg.DisableModuleCache && cfg.ModuleCachePath != "" {
		cache, err := bundle.OpenCache(cfg.ModuleCachePath, log.Named("cache"))
		if err != nil {
			// Running without a cache is slower but correct.
			log.Warn("module cache unavailable", zap.String("path", cfg.ModuleCachePath), zap.Error(err))
		} else {
			s.cache = cache
			s.loader.Cache = cache
		}
	}

	if s.ln == nil {
		ln, err := net.Listen("tcp", cfg.Addr())
		if err != nil {
			s.closeSinks()
			return nil, fmt.Errorf("listening on %s: %w", cfg.Addr(), err)
		}
		s.ln = ln
	}
	return s, nil
}

// Addr is the address the main listener is bound to.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Registry exposes the metrics registry served on the metrics address.
func (s *Server) Registry() *prometheus.Registry { return s.reg }

func (s *Server) closeSinks() {
	s.bus.Close()
	if s.nats != nil {
		_ = s.nats.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
}

// Run boots the workers and serves until ctx is cancelled, the main worker
// exits or, under the Oneshot policy, the single user worker is gone. Every
// worker is then shut down within Config.GracefulGrace.
func (s *Server) Run(ctx context.Context) error {
	defer s.closeSinks()
	defer s.ln.Close()

	pc := pool.Config{
		Policy:             s.cfg.PoolPolicy(),
		MaxParallelism:     s.cfg.MaxParallelism,
		RequestWaitTimeout: s.cfg.RequestWaitTimeout,
		DefaultLimits:      s.cfg.UserLimits(),
		Engine:             s.engine,
		Loader:             s.loader,
		Events:             s.bus,
		Fetch:              s.fetch,
		Metrics:            s.metrics,
		Logger:             s.log,
	}
	if s.cfg.EventWorkerPath != "" {
		pc.EventSource = s.bus.Subscribe(events.DefaultBuffer)
	}
	s.sup = pool.New(pc)
	defer s.shutdown()

	mainLimits := core.Limits{MemoryBytes: uint64(s.cfg.MainMemoryMB) << 20}
	if s.cfg.EventWorkerPath != "" {
		key, err := s.sup.Create(ctx, core.WorkerOptions{
			Role:          core.RoleEvent,
			ServicePath:   s.cfg.EventWorkerPath,
			Limits:        mainLimits,
			NoModuleCache: s.cfg.DisableModuleCache,
		})
		if err != nil {
			return fmt.Errorf("starting event worker: %w", err)
		}
		s.log.Info("event worker started", zap.String("worker", key), zap.String("path", s.cfg.EventWorkerPath))
	}
	key, err := s.sup.Create(ctx, core.WorkerOptions{
		Role:          core.RoleMain,
		ServicePath:   s.cfg.MainServicePath,
		Limits:        mainLimits,
		NoModuleCache: s.cfg.DisableModuleCache,
	})
	if err != nil {
		return fmt.Errorf("starting main worker: %w", err)
	}
	s.mainKey = key
	s.log.Info("main worker started", zap.String("worker", key), zap.String("path", s.cfg.MainServicePath))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return s.ln.Close()
	})
	g.Go(func() error { return s.serve(gctx) })
	g.Go(func() error { return s.watchPressure(gctx) })
	if s.cfg.MetricsAddr != "" {
		g.Go(func() error { return s.serveMetrics(gctx) })
	}
	if s.cfg.PoolPolicy() == pool.Oneshot {
		g.Go(func() error {
			select {
			case <-s.sup.Oneshot():
				s.log.Info("oneshot worker finished")
				return errOneshotDone
			case <-gctx.Done():
				return nil
			}
		})
	}

	s.log.Info("listening", zap.Stringer("addr", s.ln.Addr()), zap.String("policy", s.cfg.Policy), zap.String("engine", s.engine.Name()))
	err = g.Wait()
	if errors.Is(err, errOneshotDone) {
		return nil
	}
	return err
}

var errOneshotDone = errors.New("oneshot done")

func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulGrace)
	defer cancel()
	if err := s.sup.Shutdown(ctx); err != nil {
		s.log.Warn("workers did not stop within the grace period", zap.Duration("grace", s.cfg.GracefulGrace), zap.Error(err))
	}
}

// serve accepts connections until the listener is closed.
func (s *Server) serve(ctx context.Context) error {
	var backoff time.Duration
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.log.Warn("accept failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0
		if err := s.route(ctx, conn); err != nil {
			return err
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

// route hands conn to the main worker. Connections that cannot be routed
// get a 503; losing the main worker ends the server.
func (s *Server) route(ctx context.Context, conn net.Conn) error {
	err := s.sup.RouteConn(ctx, s.mainKey, conn, nil)
	if err == nil {
		return nil
	}
	reject(conn, err)
	if errors.Is(err, core.ErrWorkerNotFound) || errors.Is(err, core.ErrWorkerRetired) {
		if ctx.Err() != nil {
			return nil
		}
		s.log.Error("main worker is gone", zap.String("worker", s.mainKey), zap.Error(err))
		return ErrMainWorkerExited
	}
	s.log.Warn("connection rejected", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
	return nil
}

// reject answers a connection nobody will serve and closes it.
func reject(conn net.Conn, cause error) {
	defer conn.Close()
	body := "service unavailable\n"
	if errors.Is(cause, core.ErrResourceBusy) {
		body = "worker busy\n"
	}
	resp := &http.Response{
		StatusCode:    http.StatusServiceUnavailable,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Close:         true,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = resp.Write(conn)
}

func (s *Server) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{Registry: s.reg}))
	srv := &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	s.log.Info("serving metrics", zap.String("addr", s.cfg.MetricsAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
