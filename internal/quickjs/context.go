//go:build !v8

package quickjs

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"modernc.org/quickjs"

	"github.com/cryguy/edgeruntime/internal/core"
)

var errInterrupted = errors.New("quickjs: execution interrupted")

// rearmEvery is how often a pending interrupt is asserted again. The
// wrapper clears its interrupt flag whenever an evaluation starts.
const rearmEvery = 2 * time.Millisecond

var errorType = reflect.TypeFor[error]()

// hostWrapJS turns the raw results of Go functions that return an error
// into exceptions. Functions with a (T, error) result return a [T, err]
// pair; functions returning only an error return the message or null.
const hostWrapJS = `globalThis.__hostWrap = function(name, raw, pair) {
	return function() {
		var r = raw.apply(this, arguments);
		var err = pair ? r[1] : r;
		if (err !== null && err !== undefined) throw new TypeError('calling ' + name + ': ' + err);
		return pair ? r[0] : undefined;
	};
};`

// Context is one QuickJS VM owned by a single worker. It implements
// core.ScriptContext and core.BinaryTransferer.
type Context struct {
	vm   *quickjs.VM
	h    *cHandles
	bufs bufferPath

	mu          sync.Mutex
	closed      bool
	interrupted atomic.Bool
}

var (
	_ core.ScriptContext    = (*Context)(nil)
	_ core.BinaryTransferer = (*Context)(nil)
)

func (c *Context) value(js string) (quickjs.Value, error) {
	if c.interrupted.Load() {
		return quickjs.Value{}, errInterrupted
	}
	return c.vm.EvalValue(js, quickjs.EvalGlobal)
}

func (c *Context) result(js string) (any, error) {
	if c.interrupted.Load() {
		return nil, errInterrupted
	}
	return c.vm.Eval(js, quickjs.EvalGlobal)
}

func (c *Context) Eval(js string) error {
	v, err := c.value(js)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

func (c *Context) EvalString(js string) (string, error) {
	r, err := c.result(js)
	if err != nil || r == nil {
		return "", err
	}
	if s, ok := r.(string); ok {
		return s, nil
	}
	return fmt.Sprint(r), nil
}

func (c *Context) EvalBool(js string) (bool, error) {
	r, err := c.result(js)
	if err != nil {
		return false, err
	}
	b, ok := r.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", r)
	}
	return b, nil
}

func (c *Context) EvalInt(js string) (int, error) {
	r, err := c.result(js)
	if err != nil {
		return 0, err
	}
	switch n := r.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	}
	return 0, fmt.Errorf("expected number, got %T", r)
}

// RegisterFunc exposes fn as a global. Functions whose last result is an
// error throw a TypeError carrying its message instead of returning it.
func (c *Context) RegisterFunc(name string, fn any) error {
	t := reflect.TypeOf(fn)
	if t == nil || t.Kind() != reflect.Func {
		return fmt.Errorf("registering %s: %T is not a function", name, fn)
	}
	n := t.NumOut()
	if n == 0 || t.Out(n-1) != errorType {
		return c.vm.RegisterFunc(name, fn, false)
	}
	raw := "__raw_" + name
	if err := c.vm.RegisterFunc(raw, fn, false); err != nil {
		return err
	}
	return c.Eval(fmt.Sprintf("globalThis[%q] = __hostWrap(%q, globalThis[%q], %t); delete globalThis[%q];",
		name, name, raw, n == 2, raw))
}

func (c *Context) SetGlobal(name string, value any) error {
	atom, err := c.vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("creating atom %q: %w", name, err)
	}
	global := c.vm.GlobalObject()
	defer global.Free()
	return global.SetProperty(atom, value)
}

func (c *Context) RunMicrotasks() {
	if c.interrupted.Load() {
		return
	}
	c.h.drainJobs()
}

// LoadModule evaluates an already wrapped module in global scope.
func (c *Context) LoadModule(name, code string) error {
	if err := c.Eval(code); err != nil {
		return fmt.Errorf("evaluating module %s: %w", name, err)
	}
	return nil
}

func (c *Context) WriteBinaryToJS(name string, data []byte) error {
	if len(data) == 0 {
		return c.Eval(fmt.Sprintf("globalThis[%q] = new ArrayBuffer(0);", name))
	}
	return c.bufs.put(name, data)
}

func (c *Context) ReadBinaryFromJS(name string) ([]byte, error) {
	data, err := c.bufs.take(name)
	if derr := c.Eval(fmt.Sprintf("delete globalThis[%q];", name)); err == nil && derr != nil && !errors.Is(derr, errInterrupted) {
		err = derr
	}
	return data, err
}

// Interrupt stops the running evaluation and every later one. It may be
// called from any goroutine, before or during module evaluation.
func (c *Context) Interrupt() {
	if !c.interrupted.CompareAndSwap(false, true) {
		return
	}
	if c.poke() {
		go c.rearm()
	}
}

func (c *Context) poke() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.vm.Interrupt()
	return true
}

func (c *Context) rearm() {
	t := time.NewTicker(rearmEvery)
	defer t.Stop()
	for range t.C {
		if !c.poke() {
			return
		}
	}
}

func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.vm.Close()
}
