//go:build !v8

// Package quickjs implements core.ScriptEngine on top of modernc.org/quickjs.
package quickjs

import (
	"fmt"

	"modernc.org/quickjs"

	"github.com/cryguy/edgeruntime/internal/core"
)

// Engine creates QuickJS execution contexts.
type Engine struct{}

var _ core.ScriptEngine = (*Engine)(nil)

func NewEngine() *Engine { return &Engine{} }

func (*Engine) Name() string { return "quickjs" }

// NewContext creates a VM whose heap is capped at opts.HeapLimitBytes. The
// VM must stay on the calling OS thread.
func (*Engine) NewContext(opts core.ContextOptions) (core.ScriptContext, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if opts.HeapLimitBytes > 0 {
		vm.SetMemoryLimit(uintptr(opts.HeapLimitBytes))
	}
	c := &Context{vm: vm}
	if err := c.Eval(hostWrapJS); err != nil {
		c.Close()
		return nil, fmt.Errorf("installing host call wrapper: %w", err)
	}
	if h, err := handlesOf(vm); err == nil {
		c.h, c.bufs = h, directPath{h: h}
		return c, nil
	}
	// Promise jobs cannot be pumped without the handles either; only buffer
	// transfer has a slower fallback.
	cp, err := newChunkPath(c)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing buffer transfer: %w", err)
	}
	c.bufs = cp
	return c, nil
}
