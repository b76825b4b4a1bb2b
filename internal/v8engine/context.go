//go:build v8

package v8engine

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	v8 "github.com/tommie/v8go"

	"github.com/cryguy/edgeruntime/internal/core"
)

var errTerminated = errors.New("v8: execution terminated")

// Context is one V8 isolate with a single context, owned by one worker.
// It implements core.ScriptContext and core.BinaryTransferer.
type Context struct {
	iso *v8.Isolate
	ctx *v8.Context

	mu         sync.Mutex
	closed     bool
	terminated atomic.Bool
}

var (
	_ core.ScriptContext    = (*Context)(nil)
	_ core.BinaryTransferer = (*Context)(nil)
)

func (c *Context) run(js, origin string) (*v8.Value, error) {
	if c.terminated.Load() {
		return nil, errTerminated
	}
	return c.ctx.RunScript(js, origin)
}

func (c *Context) Eval(js string) error {
	_, err := c.run(js, "eval.js")
	return err
}

func (c *Context) EvalString(js string) (string, error) {
	v, err := c.run(js, "eval.js")
	if err != nil || v == nil {
		return "", err
	}
	return v.String(), nil
}

func (c *Context) EvalBool(js string) (bool, error) {
	v, err := c.run(js, "eval.js")
	if err != nil || v == nil {
		return false, err
	}
	return v.Boolean(), nil
}

func (c *Context) EvalInt(js string) (int, error) {
	v, err := c.run(js, "eval.js")
	if err != nil || v == nil {
		return 0, err
	}
	return int(v.Integer()), nil
}

// RegisterFunc exposes fn as a global through a FunctionTemplate. When the
// last result of fn is an error, a non-nil value is thrown as a TypeError.
func (c *Context) RegisterFunc(name string, fn any) error {
	hf, err := newHostFunc(name, fn)
	if err != nil {
		return err
	}
	tmpl := v8.NewFunctionTemplate(c.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		v, err := hf.call(c.iso, info.Args())
		if err != nil {
			return c.throwTypeError(err.Error())
		}
		return v
	})
	return c.ctx.Global().Set(name, tmpl.GetFunction(c.ctx))
}

func (c *Context) throwTypeError(msg string) *v8.Value {
	exc, _ := v8.NewValue(c.iso, msg)
	if ctor, err := c.ctx.Global().Get("TypeError"); err == nil {
		if fn, err := ctor.AsFunction(); err == nil {
			if e, err := fn.Call(v8.Undefined(c.iso), exc); err == nil {
				exc = e
			}
		}
	}
	return c.iso.ThrowException(exc)
}

func (c *Context) SetGlobal(name string, value any) error {
	v, err := toJSAny(c, value)
	if err != nil {
		return fmt.Errorf("converting value for %q: %w", name, err)
	}
	return c.ctx.Global().Set(name, v)
}

func (c *Context) RunMicrotasks() {
	if !c.terminated.Load() {
		c.ctx.PerformMicrotaskCheckpoint()
	}
}

// hostFunc calls a Go function with converted script arguments.
type hostFunc struct {
	name    string
	fn      reflect.Value
	in      []reflect.Type
	withErr bool
}

func newHostFunc(name string, fn any) (*hostFunc, error) {
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("registering %s: %T is not a function", name, fn)
	}
	hf := &hostFunc{name: name, fn: v}
	for i := range t.NumIn() {
		hf.in = append(hf.in, t.In(i))
	}
	n := t.NumOut()
	hf.withErr = n > 0 && t.Out(n-1) == reflect.TypeFor[error]()
	if n > 2 || (n == 2 && !hf.withErr) {
		return nil, fmt.Errorf("registering %s: unsupported results %v", name, t)
	}
	return hf, nil
}

func (hf *hostFunc) call(iso *v8.Isolate, args []*v8.Value) (*v8.Value, error) {
	if len(args) < len(hf.in) {
		return nil, fmt.Errorf("%s requires %d argument(s), got %d", hf.name, len(hf.in), len(args))
	}
	in := make([]reflect.Value, len(hf.in))
	for i, t := range hf.in {
		in[i] = toGo(args[i], t)
	}
	out := hf.fn.Call(in)
	if hf.withErr {
		if err, _ := out[len(out)-1].Interface().(error); err != nil {
			return nil, fmt.Errorf("calling %s: %w", hf.name, err)
		}
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return nil, nil
	}
	return toJS(iso, out[0]), nil
}
