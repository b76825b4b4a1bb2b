//go:build v8

// Package v8engine implements core.ScriptEngine on top of V8 (tommie/v8go).
// It is selected with the v8 build tag.
package v8engine

import (
	"fmt"

	v8 "github.com/tommie/v8go"

	"github.com/cryguy/edgeruntime/internal/core"
)

// Engine creates V8 isolates.
type Engine struct{}

var _ core.ScriptEngine = (*Engine)(nil)

func NewEngine() *Engine { return &Engine{} }

func (*Engine) Name() string { return "v8" }

// NewContext creates an isolate whose heap is bounded by
// opts.HeapLimitBytes and a single context inside it.
func (*Engine) NewContext(opts core.ContextOptions) (core.ScriptContext, error) {
	var iso *v8.Isolate
	if opts.HeapLimitBytes > 0 {
		iso = v8.NewIsolate(v8.WithResourceConstraints(opts.HeapLimitBytes/2, opts.HeapLimitBytes))
	} else {
		iso = v8.NewIsolate()
	}
	return &Context{iso: iso, ctx: v8.NewContext(iso)}, nil
}

// LoadModule compiles and runs an already wrapped module.
func (c *Context) LoadModule(name, code string) error {
	if c.terminated.Load() {
		return errTerminated
	}
	script, err := c.iso.CompileUnboundScript(code, name, v8.CompileOptions{})
	if err != nil {
		return fmt.Errorf("compiling module %s: %w", name, err)
	}
	if _, err := script.Run(c.ctx); err != nil {
		return fmt.Errorf("running module %s: %w", name, err)
	}
	return nil
}

// Interrupt terminates the running script and makes every later
// evaluation fail. Safe from any goroutine until Close.
func (c *Context) Interrupt() {
	c.terminated.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.iso.TerminateExecution()
	}
}

func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.ctx.Close()
	c.iso.Dispose()
}
