package pool

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cryguy/edgeruntime/internal/bridge"
	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/cputime"
	"github.com/cryguy/edgeruntime/internal/isolate"
)

// Shutdown reasons reported in shutdown events and termination metrics.
const (
	ReasonExited      = "exited"
	ReasonBootFailed  = "boot_failed"
	ReasonEngineFault = "engine_fault"
	ReasonCPUTime     = "cpu_time"
	ReasonWallClock   = "wall_clock"
	ReasonMemory      = "memory"
	ReasonEarlyDrop   = "early_drop"
	ReasonRequested   = "termination_requested"
)

type (
	lookupReq struct {
		servicePath string
		reply       chan string
	}
	registerReq struct {
		w     *worker
		reply chan error
	}
	contextMsg struct {
		w  *worker
		sc core.ScriptContext
	}
	bootedMsg struct {
		w   *worker
		iso *isolate.Isolate
	}
	abandonMsg struct {
		w     *worker
		cause error
	}
	exitMsg struct {
		w     *worker
		cpu   time.Duration
		err   error
		reply chan string
	}
	routeReq struct {
		key   string
		rid   bridge.ResourceID
		reply chan error
	}
	shutdownReq struct {
		key      string
		graceful bool
		reason   string
		reply    chan error
	}
	snapshotReq struct {
		reply chan []WorkerInfo
	}
	pressureMsg struct{ on bool }
	wallMsg     struct{ w *worker }
	stopReq     struct{}
	killReq     struct{}
)

// coordinator owns every worker record. Only its goroutine touches them.
type coordinator struct {
	s         *Supervisor
	log       *zap.Logger
	workers   map[string]*worker
	byService map[string]string
	stopping  bool
	pressure  bool
	oneshot   sync.Once
}

func newCoordinator(s *Supervisor) *coordinator {
	return &coordinator{
		s:         s,
		log:       s.log,
		workers:   make(map[string]*worker),
		byService: make(map[string]string),
	}
}

func (c *coordinator) run() {
	defer close(c.s.done)
	tick := time.NewTicker(c.s.cfg.CPUCheckInterval)
	defer tick.Stop()
	for {
		select {
		case msg := <-c.s.inbox:
			c.handle(msg)
		case <-tick.C:
			c.watchdog()
		}
		if c.stopping && len(c.workers) == 0 {
			return
		}
	}
}

func (c *coordinator) handle(msg any) {
	switch m := msg.(type) {
	case lookupReq:
		m.reply <- c.lookup(m.servicePath)
	case registerReq:
		m.reply <- c.register(m.w)
	case contextMsg:
		c.attach(m.w, m.sc)
	case bootedMsg:
		c.booted(m.w, m.iso)
	case abandonMsg:
		if c.workers[m.w.key] == m.w && m.w.state == core.StateProvisioning {
			c.terminate(m.w, false, ReasonBootFailed, fmt.Errorf("creation abandoned: %w", m.cause))
		}
	case core.TelemetryReport:
		c.telemetry(m)
	case routeReq:
		m.reply <- c.route(m.key, m.rid)
	case shutdownReq:
		w, ok := c.workers[m.key]
		if !ok {
			m.reply <- fmt.Errorf("%s: %w", m.key, core.ErrWorkerNotFound)
			return
		}
		reason := m.reason
		if reason == "" {
			reason = ReasonRequested
		}
		c.terminate(w, m.graceful, reason, nil)
		m.reply <- nil
	case snapshotReq:
		m.reply <- c.snapshot()
	case pressureMsg:
		c.pressure = m.on
		for _, w := range c.workers {
			if w.iso != nil {
				w.iso.Allocator().SetPressure(m.on)
			}
		}
		c.log.Info("memory pressure changed", zap.Bool("on", m.on))
	case wallMsg:
		if c.workers[m.w.key] != m.w {
			return
		}
		limit := m.w.opts.Limits.WallClock
		c.terminate(m.w, false, ReasonWallClock, &core.LimitError{
			Severity: core.SeverityHard,
			Kind:     core.LimitWallClock,
			Limit:    limit,
			Observed: limit,
		})
	case exitMsg:
		m.reply <- c.exit(m.w, m.cpu, m.err)
	case stopReq:
		c.stopping = true
		for _, w := range c.workers {
			c.terminate(w, true, ReasonRequested, nil)
		}
	case killReq:
		c.stopping = true
		for _, w := range c.workers {
			c.terminate(w, false, ReasonRequested, nil)
		}
	default:
		c.log.Error("unexpected coordinator message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (c *coordinator) setState(w *worker, to core.WorkerState) {
	if w.state == to {
		return
	}
	if !core.CanTransition(w.state, to) {
		c.log.Warn("illegal worker state transition",
			zap.String("worker", w.key), zap.Stringer("from", w.state), zap.Stringer("to", to))
		return
	}
	w.state = to
}

func (c *coordinator) lookup(servicePath string) string {
	key, ok := c.byService[servicePath]
	if !ok {
		return ""
	}
	if w := c.workers[key]; w != nil && c.routable(w) {
		return key
	}
	return ""
}

func (c *coordinator) register(w *worker) error {
	if c.stopping {
		return errStopped
	}
	c.workers[w.key] = w
	if w.opts.Role == core.RoleUser {
		c.byService[w.opts.ServicePath] = w.key
	}
	c.setState(w, core.StateProvisioning)
	if d := w.opts.Limits.WallClock; d > 0 {
		w.wall = time.AfterFunc(d, func() { c.s.post(wallMsg{w: w}) })
	}
	role := w.opts.Role.String()
	c.s.m.Created.WithLabelValues(role).Inc()
	c.s.m.Active.WithLabelValues(role).Inc()
	c.log.Debug("worker provisioning", zap.String("worker", w.key), zap.String("service", w.opts.ServicePath))
	return nil
}

// attach records the engine context of a worker that is still booting so a
// limit hit during module evaluation can interrupt it.
func (c *coordinator) attach(w *worker, sc core.ScriptContext) {
	if c.workers[w.key] != w {
		return
	}
	w.sc = sc
	if w.killed {
		sc.Interrupt()
	}
}

func (c *coordinator) booted(w *worker, iso *isolate.Isolate) {
	if c.workers[w.key] != w {
		return
	}
	w.iso = iso
	if c.pressure {
		iso.Allocator().SetPressure(true)
	}
	if w.killed {
		iso.Interrupt()
		return
	}
	if w.state == core.StateProvisioning {
		c.setState(w, core.StateRunning)
	}
	if c.stopping {
		c.terminate(w, true, ReasonRequested, nil)
	}
}

// routable reports whether new connections may reach w.
func (c *coordinator) routable(w *worker) bool {
	if !w.state.Live() || w.retired {
		return false
	}
	if c.s.cfg.Policy == PerRequest && w.opts.Role == core.RoleUser && w.routed > 0 {
		return false
	}
	return true
}

func (c *coordinator) route(key string, rid bridge.ResourceID) error {
	w, ok := c.workers[key]
	if !ok {
		return fmt.Errorf("%s: %w", key, core.ErrWorkerNotFound)
	}
	if !c.routable(w) {
		return fmt.Errorf("%s is %s: %w", key, w.state, core.ErrWorkerRetired)
	}
	if len(w.ctrl) == cap(w.ctrl) {
		return fmt.Errorf("%s control channel full: %w", key, core.ErrResourceBusy)
	}
	stream, _, err := c.s.bridge.Handoff(rid)
	if err != nil {
		return err
	}
	select {
	case w.ctrl <- core.RouteConnection{Conn: stream}:
	default:
		stream.Abort()
		go stream.Close()
		return fmt.Errorf("%s control channel full: %w", key, core.ErrResourceBusy)
	}
	w.routed++
	c.s.m.Requests.Inc()
	return nil
}

// send delivers a control message without blocking the coordinator.
func (c *coordinator) send(w *worker, msg core.ControlMessage) {
	select {
	case w.ctrl <- msg:
	default:
		go func() {
			select {
			case w.ctrl <- msg:
			case <-w.exited:
			}
		}()
	}
}

func (c *coordinator) telemetry(r core.TelemetryReport) {
	w, ok := c.workers[r.WorkerKey]
	if !ok || w.state.Stopping() {
		return
	}
	switch r.Metrics.Phase {
	case core.CPUEnter:
		w.tid = r.Metrics.ThreadID
		w.inPoll = true
		w.pollBase, w.baseOK = 0, false
		if base, err := cputime.Of(w.tid); err == nil {
			w.pollBase, w.baseOK = base, true
		}
	case core.CPULeave:
		w.inPoll = false
		w.cpu = r.Metrics.Accumulated
		c.checkCPU(w, w.cpu)
	}
}

// watchdog samples the CPU clock of workers in the middle of a poll so a
// script spinning inside one poll is still stopped at its hard limit.
func (c *coordinator) watchdog() {
	for _, w := range c.workers {
		if !w.inPoll || !w.baseOK || w.state.Stopping() || w.opts.Limits.CPUHard <= 0 {
			continue
		}
		now, err := cputime.Of(w.tid)
		if err != nil {
			continue
		}
		c.checkCPU(w, w.cpu+now-w.pollBase)
	}
}

func (c *coordinator) checkCPU(w *worker, used time.Duration) {
	l := w.opts.Limits
	if l.CPUHard > 0 && used >= l.CPUHard {
		c.terminate(w, false, ReasonCPUTime, &core.LimitError{
			Severity: core.SeverityHard,
			Kind:     core.LimitCPU,
			Limit:    l.CPUHard,
			Observed: used,
		})
		return
	}
	if l.CPUSoft > 0 && used >= l.CPUSoft && w.state == core.StateRunning {
		c.setState(w, core.StateSoftLimitWarned)
		c.log.Info("worker reached soft cpu limit", zap.String("worker", w.key), zap.Duration("cpu", used))
		c.publish(w, core.EventLimitWarning, map[string]any{
			"kind":          core.LimitCPU.String(),
			"cpu_time_used": used.Milliseconds(),
			"limit":         l.CPUSoft.Milliseconds(),
		})
		c.terminate(w, true, ReasonEarlyDrop, &core.LimitError{
			Severity: core.SeveritySoft,
			Kind:     core.LimitCPU,
			Limit:    l.CPUSoft,
			Observed: used,
		})
	}
}

// terminate stops routing to w. A graceful stop lets the event loop drain;
// a forced one raises the termination flag and interrupts the engine.
func (c *coordinator) terminate(w *worker, graceful bool, reason string, cause error) {
	if w.killed {
		return
	}
	if graceful {
		if w.retired {
			return
		}
		w.retired = true
		w.reason, w.cause = reason, cause
		if w.state != core.StateSoftLimitWarned {
			c.setState(w, core.StateTerminating)
		}
		c.send(w, core.Shutdown{Reason: reason, Graceful: true})
		return
	}
	w.killed, w.retired = true, true
	w.reason, w.cause = reason, cause
	c.setState(w, core.StateTerminating)
	w.flag.Raise()
	switch {
	case w.iso != nil:
		w.iso.Interrupt()
	case w.sc != nil:
		w.sc.Interrupt()
	}
	c.send(w, core.Shutdown{Reason: reason})
	if cause != nil {
		c.log.Warn("terminating worker", zap.String("worker", w.key), zap.Error(cause))
	}
}

func (c *coordinator) exit(w *worker, cpu time.Duration, err error) string {
	if c.workers[w.key] != w {
		return ReasonExited
	}
	cpu = max(cpu, w.cpu)
	reason := w.reason
	switch {
	case isOutOfMemory(err):
		reason = ReasonMemory
	case reason != "":
	case w.iso == nil && err != nil:
		reason = ReasonBootFailed
	case err != nil:
		reason = ReasonEngineFault
	default:
		reason = ReasonExited
	}
	if err != nil && !core.IsHardLimit(w.cause, core.LimitCPU) && !core.IsHardLimit(w.cause, core.LimitWallClock) {
		c.log.Warn("worker exited with error", zap.String("worker", w.key), zap.String("reason", reason), zap.Error(err))
	}

	c.setState(w, core.StateTerminated)
	if w.wall != nil {
		w.wall.Stop()
	}
	w.release()
	delete(c.workers, w.key)
	if c.byService[w.opts.ServicePath] == w.key {
		delete(c.byService, w.opts.ServicePath)
	}

	role := w.opts.Role.String()
	c.s.m.Active.WithLabelValues(role).Dec()
	c.s.m.Terminations.WithLabelValues(reason).Inc()
	c.s.m.CPUSeconds.WithLabelValues(role).Observe(cpu.Seconds())
	c.log.Debug("worker terminated", zap.String("worker", w.key), zap.String("reason", reason), zap.Duration("cpu", cpu))

	if c.s.cfg.Policy == Oneshot && w.opts.Role == core.RoleUser {
		c.oneshot.Do(func() { close(c.s.oneshot) })
	}
	return reason
}

func isOutOfMemory(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "out of memory")
}

func (c *coordinator) snapshot() []WorkerInfo {
	out := make([]WorkerInfo, 0, len(c.workers))
	for _, w := range c.workers {
		info := WorkerInfo{
			Key:         w.key,
			Role:        w.opts.Role,
			ServicePath: w.opts.ServicePath,
			State:       w.state,
			CPU:         w.cpu,
			Routed:      w.routed,
		}
		if w.iso != nil {
			info.MemoryUsed = w.iso.Allocator().Used()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (c *coordinator) publish(w *worker, kind core.EventKind, data map[string]any) {
	if c.s.cfg.Events == nil {
		return
	}
	c.s.cfg.Events.Publish(core.WorkerEvent{
		Kind:        kind,
		WorkerKey:   w.key,
		ServicePath: w.opts.ServicePath,
		Timestamp:   time.Now(),
		Data:        data,
	})
}
