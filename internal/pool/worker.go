package pool

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/cputime"
	"github.com/cryguy/edgeruntime/internal/driver"
	"github.com/cryguy/edgeruntime/internal/isolate"
)

const ctrlBuffer = 64

// worker is the supervisor's record of one worker. The fields below the
// marker belong to the coordinator goroutine.
type worker struct {
	key     string
	opts    core.WorkerOptions
	release func()
	flag    *driver.Flag
	ctrl    chan core.ControlMessage
	ready   chan error
	exited  chan struct{}

	// coordinator-owned
	iso      *isolate.Isolate
	sc       core.ScriptContext
	state    core.WorkerState
	routed   int
	retired  bool
	killed   bool
	reason   string
	cause    error
	cpu      time.Duration
	tid      int
	inPoll   bool
	pollBase time.Duration
	baseOK   bool
	wall     *time.Timer
}

func newWorker(opts core.WorkerOptions, release func()) *worker {
	return &worker{
		key:     uuid.NewString(),
		opts:    opts,
		release: sync.OnceFunc(release),
		flag:    driver.NewFlag(),
		ctrl:    make(chan core.ControlMessage, ctrlBuffer),
		ready:   make(chan error, 1),
		exited:  make(chan struct{}),
		state:   core.StateRequested,
	}
}

// runWorker owns the worker's OS thread from bootstrap to shutdown.
func (s *Supervisor) runWorker(w *worker, mod isolate.Module) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.exited)

	// Module evaluation counts against the CPU limit like any poll.
	start, clockErr := cputime.Now()
	s.post(core.TelemetryReport{WorkerKey: w.key, Metrics: core.Enter(cputime.ThreadID())})
	iso, err := s.boot(w, mod)
	if end, cerr := cputime.Now(); cerr == nil && clockErr == nil {
		s.post(core.TelemetryReport{WorkerKey: w.key, Metrics: core.Leave(end-start, end-start)})
	}
	if err != nil {
		s.post(exitMsg{w: w, err: err, reply: make(chan string, 1)})
		w.ready <- err
		return
	}
	s.post(bootedMsg{w: w, iso: iso})
	w.ready <- nil

	cpu, runErr := s.drive(w, iso)
	reply := make(chan string, 1)
	reason := ReasonExited
	if s.post(exitMsg{w: w, cpu: cpu, err: runErr, reply: reply}) {
		reason = <-reply
	}
	iso.Shutdown(reason, cpu)
}

func (s *Supervisor) boot(w *worker, mod isolate.Module) (iso *isolate.Isolate, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.EngineFault(fmt.Errorf("panic during bootstrap: %v", r))
		}
	}()
	cfg := isolate.Config{
		Key:        w.key,
		Options:    w.opts,
		Module:     mod,
		Engine:     s.cfg.Engine,
		Events:     s.cfg.Events,
		Fetch:      s.cfg.Fetch,
		ProcessEnv: s.cfg.ProcessEnv,
		Flag:       w.flag,
		Logger:     s.cfg.Logger,
		OnContext: func(sc core.ScriptContext) {
			s.post(contextMsg{w: w, sc: sc})
		},
	}
	switch w.opts.Role {
	case core.RoleMain:
		cfg.UserWorkers = s
	case core.RoleEvent:
		cfg.EventSource = s.cfg.EventSource
	}
	return isolate.Bootstrap(cfg)
}

// drive runs the isolate with its telemetry forwarder and control reader.
func (s *Supervisor) drive(w *worker, iso *isolate.Isolate) (cpu time.Duration, err error) {
	ctx, cancel := context.WithCancel(context.Background())
	conns := make(chan net.Conn)
	metrics := make(chan core.CPUUsageMetrics)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.forward(ctx, w.key, metrics)
	}()
	go func() {
		defer wg.Done()
		s.control(ctx, w, iso, conns)
	}()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("worker panicked", zap.String("worker", w.key), zap.Any("panic", r))
			err = core.EngineFault(fmt.Errorf("panic: %v", r))
			cpu = iso.Driver().Accumulated()
		}
		cancel()
		wg.Wait()
		drainCtrl(w.ctrl)
	}()
	return iso.Run(ctx, conns, metrics)
}

// forward relays the driver's metrics to the coordinator as telemetry.
func (s *Supervisor) forward(ctx context.Context, key string, metrics <-chan core.CPUUsageMetrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-metrics:
			s.post(core.TelemetryReport{WorkerKey: key, Metrics: m})
		}
	}
}

// control reads the worker's control channel. Closing conns lets the
// driver finish once the event loop drains.
func (s *Supervisor) control(ctx context.Context, w *worker, iso *isolate.Isolate, conns chan<- net.Conn) {
	defer close(conns)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.ctrl:
			switch m := msg.(type) {
			case core.RouteConnection:
				select {
				case conns <- m.Conn:
				case <-ctx.Done():
					_ = m.Conn.Close()
					return
				}
				if s.cfg.Policy == PerRequest && w.opts.Role == core.RoleUser {
					return
				}
			case core.Shutdown:
				if m.Graceful {
					iso.Drain()
				} else {
					iso.Interrupt()
				}
				return
			}
		}
	}
}

func drainCtrl(ctrl chan core.ControlMessage) {
	for {
		select {
		case msg := <-ctrl:
			if rc, ok := msg.(core.RouteConnection); ok {
				_ = rc.Conn.Close()
			}
		default:
			return
		}
	}
}
