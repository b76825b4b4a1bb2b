//go:build !v8

package quickjs

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cryguy/edgeruntime/internal/core"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	sc, err := NewEngine().NewContext(core.ContextOptions{})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(sc.Close)
	return sc.(*Context)
}

func TestInterruptBeforeLoadModule(t *testing.T) {
	c := newTestContext(t)
	c.Interrupt()
	err := c.LoadModule("main.js", "globalThis.ran = true;")
	if !core.IsFatalEngineError(err) {
		t.Fatalf("LoadModule err = %v, want an interrupt", err)
	}
}

func TestInterruptStopsRunningLoop(t *testing.T) {
	c := newTestContext(t)
	go func() {
		time.Sleep(50 * time.Millisecond)
		c.Interrupt()
	}()
	start := time.Now()
	err := c.Eval("while (true) {}")
	if err == nil {
		t.Fatal("infinite loop returned without error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("interrupt took %v", elapsed)
	}
	if err := c.Eval("1"); !errors.Is(err, errInterrupted) {
		t.Errorf("later eval err = %v", err)
	}
}

func TestRegisterFuncThrowsGoErrors(t *testing.T) {
	c := newTestContext(t)
	err := c.RegisterFunc("half", func(n int) (int, error) {
		if n%2 != 0 {
			return 0, errors.New("odd input")
		}
		return n / 2, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	n, err := c.EvalInt("half(8)")
	if err != nil || n != 4 {
		t.Fatalf("half(8) = %d, %v", n, err)
	}
	got, err := c.EvalString("try { half(3); 'no throw' } catch (e) { e.name + ': ' + e.message }")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, "TypeError: ") || !strings.Contains(got, "odd input") {
		t.Errorf("caught %q", got)
	}
	if ok, _ := c.EvalBool("typeof __raw_half === 'undefined'"); !ok {
		t.Error("raw binding should not stay visible")
	}
}

func TestAnyParameterAcceptsIntegersAndFractions(t *testing.T) {
	c := newTestContext(t)
	var seen []any
	if err := c.RegisterFunc("record", func(v any) { seen = append(seen, v) }); err != nil {
		t.Fatal(err)
	}
	if err := c.Eval("record(3); record(1.5);"); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 {
		t.Fatalf("seen = %v", seen)
	}
	if _, ok := seen[0].(int); !ok {
		t.Errorf("integer arrived as %T", seen[0])
	}
	if f, ok := seen[1].(float64); !ok || f != 1.5 {
		t.Errorf("fraction arrived as %T %v", seen[1], seen[1])
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	c := newTestContext(t)
	data := bytes.Repeat([]byte{0, 1, 2, 250}, 1<<16)
	if err := c.WriteBinaryToJS("__buf", data); err != nil {
		t.Fatalf("WriteBinaryToJS: %v", err)
	}
	n, err := c.EvalInt("__buf.byteLength")
	if err != nil || n != len(data) {
		t.Fatalf("byteLength = %d, %v", n, err)
	}
	if err := c.Eval("globalThis.__out = new Uint8Array(__buf).map(b => b ^ 0xff).buffer;"); err != nil {
		t.Fatal(err)
	}
	got, err := c.ReadBinaryFromJS("__out")
	if err != nil {
		t.Fatalf("ReadBinaryFromJS: %v", err)
	}
	if len(got) != len(data) || got[3] != 5 || got[1] != 254 {
		t.Fatalf("unexpected bytes: len=%d head=%v", len(got), got[:4])
	}
	if ok, _ := c.EvalBool("typeof __out === 'undefined'"); !ok {
		t.Error("read buffer should be removed from globals")
	}
}

func TestEmptyBinaryWrite(t *testing.T) {
	c := newTestContext(t)
	if err := c.WriteBinaryToJS("__empty", nil); err != nil {
		t.Fatal(err)
	}
	if ok, err := c.EvalBool("__empty instanceof ArrayBuffer && __empty.byteLength === 0"); err != nil || !ok {
		t.Fatalf("empty buffer: %v %v", ok, err)
	}
}

func TestMicrotasksRunOnDemand(t *testing.T) {
	c := newTestContext(t)
	if c.h == nil {
		t.Skip("job queue handles unavailable")
	}
	if err := c.Eval("globalThis.done = false; Promise.resolve().then(() => { globalThis.done = true; });"); err != nil {
		t.Fatal(err)
	}
	c.RunMicrotasks()
	if ok, _ := c.EvalBool("done"); !ok {
		t.Error("promise job did not run")
	}
}
