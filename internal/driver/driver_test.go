package driver

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/eventloop"
)

// stepClock advances by a fixed step on every read.
type stepClock struct {
	mu     sync.Mutex
	now    time.Duration
	step   time.Duration
	failAt int
	reads  int
}

func (c *stepClock) Now() (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.failAt > 0 && c.reads >= c.failAt {
		return 0, errors.New("EINVAL")
	}
	c.now += c.step
	return c.now, nil
}

func (c *stepClock) ThreadID() int { return 42 }

type nopRuntime struct{}

func (nopRuntime) Eval(string) error                 { return nil }
func (nopRuntime) EvalString(string) (string, error) { return "", nil }
func (nopRuntime) EvalBool(string) (bool, error)     { return false, nil }
func (nopRuntime) EvalInt(string) (int, error)       { return 0, nil }
func (nopRuntime) RegisterFunc(string, any) error    { return nil }
func (nopRuntime) SetGlobal(string, any) error       { return nil }
func (nopRuntime) RunMicrotasks()                    {}

func collect(ch chan core.CPUUsageMetrics) []core.CPUUsageMetrics {
	var out []core.CPUUsageMetrics
	for {
		select {
		case m := <-ch:
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestRunEmptyLoopCompletes(t *testing.T) {
	loop := eventloop.New()
	d := New(Options{Runtime: nopRuntime{}, Loop: loop, Clock: &stepClock{step: time.Millisecond}})
	metrics := make(chan core.CPUUsageMetrics, 16)

	acc, err := d.Run(context.Background(), nil, metrics)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if acc != time.Millisecond {
		t.Errorf("accumulated = %v, want 1ms", acc)
	}
	got := collect(metrics)
	if len(got) != 2 || got[0].Phase != core.CPUEnter || got[1].Phase != core.CPULeave {
		t.Fatalf("unexpected metric sequence %v", got)
	}
	if got[0].ThreadID != 42 {
		t.Errorf("Enter thread id = %d", got[0].ThreadID)
	}
	if !d.Finished() {
		t.Error("driver should report finished")
	}
}

func TestAccumulatedEqualsSumOfDiffs(t *testing.T) {
	loop := eventloop.New()
	for i := 0; i < 5; i++ {
		loop.Submit(func(core.JSRuntime) error { return nil })
	}
	loop.Ref()
	go func() {
		for i := 0; i < 3; i++ {
			loop.Submit(func(core.JSRuntime) error { return nil })
			time.Sleep(5 * time.Millisecond)
		}
		loop.Unref()
	}()

	d := New(Options{Runtime: nopRuntime{}, Loop: loop, Clock: &stepClock{step: 3 * time.Millisecond}})
	metrics := make(chan core.CPUUsageMetrics, 256)
	acc, err := d.Run(context.Background(), nil, metrics)
	if err != nil {
		t.Fatal(err)
	}

	var sum, last time.Duration
	expectEnter := true
	for _, m := range collect(metrics) {
		if expectEnter != (m.Phase == core.CPUEnter) {
			t.Fatalf("metrics out of order: %v", m)
		}
		expectEnter = !expectEnter
		if m.Phase == core.CPULeave {
			sum += m.Diff
			if m.Accumulated < last {
				t.Fatalf("accumulated went backwards: %v < %v", m.Accumulated, last)
			}
			if m.Accumulated != sum {
				t.Fatalf("accumulated %v != sum of diffs %v", m.Accumulated, sum)
			}
			last = m.Accumulated
		}
	}
	if acc != sum {
		t.Errorf("Run returned %v, metrics summed to %v", acc, sum)
	}
}

func TestSpentSeedsAccumulated(t *testing.T) {
	d := New(Options{Runtime: nopRuntime{}, Loop: eventloop.New(), Clock: &stepClock{step: time.Millisecond}, Spent: 40 * time.Millisecond})
	if d.Accumulated() != 40*time.Millisecond {
		t.Fatalf("before Run: %v", d.Accumulated())
	}
	acc, err := d.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if acc != 41*time.Millisecond {
		t.Errorf("accumulated = %v, want bootstrap plus one poll", acc)
	}
}

func TestClockFailureIsFatal(t *testing.T) {
	d := New(Options{Runtime: nopRuntime{}, Loop: eventloop.New(), Clock: &stepClock{step: time.Millisecond, failAt: 2}})
	_, err := d.Run(context.Background(), nil, nil)
	if !errors.Is(err, core.ErrClock) {
		t.Fatalf("expected ErrClock, got %v", err)
	}
}

func TestPollFaultTerminates(t *testing.T) {
	loop := eventloop.New()
	loop.Submit(func(core.JSRuntime) error { return errors.New("InternalError: out of memory") })
	d := New(Options{Runtime: nopRuntime{}, Loop: loop, Clock: &stepClock{step: time.Millisecond}})

	_, err := d.Run(context.Background(), nil, nil)
	if !errors.Is(err, core.ErrEngineFault) {
		t.Fatalf("expected ErrEngineFault, got %v", err)
	}
	if !d.IsTerminated() || !d.Finished() {
		t.Error("a faulted driver must be marked terminated")
	}
}

func TestTerminateWithPendingTimerCompletes(t *testing.T) {
	loop := eventloop.New()
	loop.RegisterTimer(time.Hour, false)
	flag := NewFlag()
	d := New(Options{Runtime: nopRuntime{}, Loop: loop, Clock: &stepClock{step: time.Millisecond}, Flag: flag})

	done := make(chan error, 1)
	go func() {
		_, err := d.Run(context.Background(), nil, nil)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Run returned while a timer was pending")
	default:
	}

	flag.Raise()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("terminated run should complete cleanly, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not observe the termination flag")
	}
}

func TestFlagRaisedBeforeRunStopsAfterOnePoll(t *testing.T) {
	loop := eventloop.New()
	loop.RegisterTimer(time.Hour, false)
	flag := NewFlag()
	flag.Raise()
	flag.Raise()
	d := New(Options{Runtime: nopRuntime{}, Loop: loop, Clock: &stepClock{step: time.Millisecond}, Flag: flag})
	acc, err := d.Run(context.Background(), nil, nil)
	if err != nil || acc != time.Millisecond {
		t.Fatalf("Run = %v, %v", acc, err)
	}
}

func TestConnectionsAreDelivered(t *testing.T) {
	var mu sync.Mutex
	var seen []net.Conn
	d := New(Options{
		Runtime: nopRuntime{},
		Loop:    eventloop.New(),
		Clock:   &stepClock{step: time.Microsecond},
		OnConn: func(c net.Conn) error {
			mu.Lock()
			seen = append(seen, c)
			mu.Unlock()
			return nil
		},
	})

	conns := make(chan net.Conn)
	done := make(chan error, 1)
	go func() {
		_, err := d.Run(context.Background(), conns, nil)
		done <- err
	}()

	a, b := net.Pipe()
	defer b.Close()
	conns <- a
	close(conns)

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not finish after conns was closed")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != a {
		t.Errorf("OnConn saw %v", seen)
	}
}

func TestContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := New(Options{Runtime: nopRuntime{}, Loop: eventloop.New(), Clock: &stepClock{step: time.Millisecond}})
	conns := make(chan net.Conn)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err := d.Run(ctx, conns, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
