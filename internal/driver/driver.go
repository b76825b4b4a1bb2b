// Package driver runs one execution context's event loop to completion or
// forced stop while attributing the CPU time of every poll to that context.
//
// A Driver must run on the OS thread that owns the context. The caller pins
// it with runtime.LockOSThread before the context is created and keeps the
// lock until Run returns.
package driver

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/cputime"
	"github.com/cryguy/edgeruntime/internal/eventloop"
)

// Options wires a Driver to its context.
type Options struct {
	Runtime core.JSRuntime
	Loop    *eventloop.EventLoop

	// Clock defaults to cputime.Thread.
	Clock cputime.Clock

	// Flag defaults to a fresh flag. Supervisors create it up front so they
	// can raise it before Run starts.
	Flag *Flag

	// Spent is CPU time the context used before Run, during bootstrap. It
	// seeds the accumulated total.
	Spent time.Duration

	// OnConn receives every connection read from the conns channel. It is
	// called on the driver's thread and must not block for long.
	OnConn func(net.Conn) error

	Logger *zap.Logger
}

// Driver meters and drives a single event loop.
type Driver struct {
	rt     core.JSRuntime
	loop   *eventloop.EventLoop
	clock  cputime.Clock
	flag   *Flag
	onConn func(net.Conn) error
	log    *zap.Logger

	accumulated atomic.Int64
	finished    atomic.Bool
}

func New(opts Options) *Driver {
	d := &Driver{
		rt:     opts.Runtime,
		loop:   opts.Loop,
		clock:  opts.Clock,
		flag:   opts.Flag,
		onConn: opts.OnConn,
		log:    opts.Logger,
	}
	d.accumulated.Store(int64(opts.Spent))
	if d.clock == nil {
		d.clock = cputime.Thread
	}
	if d.flag == nil {
		d.flag = NewFlag()
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	return d
}

// Terminate raises the termination flag.
func (d *Driver) Terminate() { d.flag.Raise() }

// IsTerminated reports whether termination was requested.
func (d *Driver) IsTerminated() bool { return d.flag.Raised() }

// Finished reports whether Run has returned.
func (d *Driver) Finished() bool { return d.finished.Load() }

// Accumulated is the CPU time attributed to the context so far.
func (d *Driver) Accumulated() time.Duration {
	return time.Duration(d.accumulated.Load())
}

// ClockError wraps a failed per-thread CPU clock read.
func ClockError(err error) error {
	return fmt.Errorf("%w: %w", core.ErrClock, err)
}

// Run polls the event loop until it has nothing left to do, the conns
// channel is closed (or nil) and drained, or termination is requested. Each
// poll is bracketed by an Enter and a Leave metric on the metrics channel,
// which may be nil. The returned duration is the accumulated CPU time.
func (d *Driver) Run(ctx context.Context, conns <-chan net.Conn, metrics chan<- core.CPUUsageMetrics) (time.Duration, error) {
	defer d.finished.Store(true)

	tid := d.clock.ThreadID()
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		assertThread(d.clock, tid)

		d.emit(ctx, metrics, core.Enter(tid))
		t0, err := d.clock.Now()
		if err != nil {
			return d.Accumulated(), ClockError(err)
		}
		res, pollErr := d.loop.Poll(d.rt)
		t1, err := d.clock.Now()
		if err != nil {
			return d.Accumulated(), ClockError(err)
		}
		diff := t1 - t0
		if diff < 0 {
			diff = 0
		}
		acc := time.Duration(d.accumulated.Add(int64(diff)))
		d.emit(ctx, metrics, core.Leave(acc, diff))

		if pollErr != nil {
			d.flag.Raise()
			return acc, core.EngineFault(pollErr)
		}
		if d.flag.Raised() {
			if !res.Done {
				d.log.Debug("termination requested with pending work", zap.Duration("cpu", acc))
			}
			return acc, nil
		}
		if res.Done && conns == nil {
			return acc, nil
		}

		var timerC <-chan time.Time
		if !res.NextTimer.IsZero() {
			wait := time.Until(res.NextTimer)
			if wait < 0 {
				wait = 0
			}
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			d.flag.Raise()
			return acc, ctx.Err()
		case <-d.flag.Done():
			// Pending-but-not-ready work counts as done once terminated.
			return acc, nil
		case <-d.loop.Wake():
		case <-timerC:
		case conn, ok := <-conns:
			if !ok {
				conns = nil
				continue
			}
			if d.onConn == nil {
				conn.Close()
				continue
			}
			if err := d.onConn(conn); err != nil {
				d.log.Warn("dropping routed connection", zap.Error(err))
				conn.Close()
			}
		}
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

func (d *Driver) emit(ctx context.Context, metrics chan<- core.CPUUsageMetrics, m core.CPUUsageMetrics) {
	if metrics == nil {
		return
	}
	select {
	case metrics <- m:
	case <-ctx.Done():
	}
}
