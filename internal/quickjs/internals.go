//go:build !v8

package quickjs

import (
	"errors"
	"fmt"
	"reflect"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"
)

var errLayout = errors.New("unexpected quickjs.VM layout")

// cHandles are the C pointers behind a quickjs.VM. The wrapper keeps them
// unexported, but the promise job queue and zero-copy buffer transfer can
// only be reached through them.
//
// Layout read (modernc.org/quickjs@v0.17.1):
//
//	type VM struct {
//	    cContext uintptr
//	    ...
//	    runtime  *runtime
//	}
//
//	type runtime struct {
//	    cRuntime uintptr
//	    tls      *libc.TLS
//	}
type cHandles struct {
	tls     *libc.TLS
	runtime uintptr
	context uintptr
}

func handlesOf(vm *quickjs.VM) (h *cHandles, err error) {
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, fmt.Errorf("%w: %v", errLayout, r)
		}
	}()
	v := reflect.ValueOf(vm).Elem()
	cctx := v.FieldByName("cContext")
	rt := v.FieldByName("runtime")
	if cctx.Kind() != reflect.Uintptr || rt.Kind() != reflect.Pointer || rt.IsNil() {
		return nil, errLayout
	}
	crt := rt.Elem().FieldByName("cRuntime")
	tls := rt.Elem().FieldByName("tls")
	if crt.Kind() != reflect.Uintptr || tls.Kind() != reflect.Pointer || tls.IsNil() {
		return nil, errLayout
	}
	h = &cHandles{
		tls:     (*libc.TLS)(unsafe.Pointer(tls.Pointer())),
		runtime: uintptr(crt.Uint()),
		context: uintptr(cctx.Uint()),
	}
	if h.runtime == 0 || h.context == 0 {
		return nil, errLayout
	}
	// A failing smoke call panics here rather than on a request.
	lib.XFreeValue(h.tls, h.context, lib.XJS_GetGlobalObject(h.tls, h.context))
	return h, nil
}

// drainJobs runs queued promise jobs until none is left or one throws.
// The wrapper never runs them itself, so reactions only fire from here.
func (h *cHandles) drainJobs() int {
	if h == nil {
		return 0
	}
	n := 0
	for lib.XJS_ExecutePendingJob(h.tls, h.runtime, 0) > 0 {
		n++
	}
	return n
}
