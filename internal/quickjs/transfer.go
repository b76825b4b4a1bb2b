//go:build !v8

package quickjs

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
)

// bufferPath moves bytes between Go and a global ArrayBuffer. Callers
// handle empty payloads and delete the global after a read.
type bufferPath interface {
	put(name string, data []byte) error
	take(name string) ([]byte, error)
}

// directPath copies through JS_NewArrayBufferCopy and JS_GetArrayBuffer.
type directPath struct{ h *cHandles }

func (p directPath) withName(name string, fn func(global lib.TJSValue, cname uintptr) error) error {
	cname, err := libc.CString(name)
	if err != nil {
		return fmt.Errorf("allocating property name: %w", err)
	}
	defer libc.Xfree(p.h.tls, cname)
	global := lib.XJS_GetGlobalObject(p.h.tls, p.h.context)
	defer lib.XFreeValue(p.h.tls, p.h.context, global)
	return fn(global, cname)
}

func (p directPath) put(name string, data []byte) error {
	return p.withName(name, func(global lib.TJSValue, cname uintptr) error {
		buf := lib.XJS_NewArrayBufferCopy(p.h.tls, p.h.context, uintptr(unsafe.Pointer(unsafe.SliceData(data))), lib.Tsize_t(len(data)))
		// JS_SetPropertyStr consumes buf.
		if lib.XJS_SetPropertyStr(p.h.tls, p.h.context, global, cname, buf) < 0 {
			return fmt.Errorf("setting global %q", name)
		}
		return nil
	})
}

func (p directPath) take(name string) (out []byte, err error) {
	err = p.withName(name, func(global lib.TJSValue, cname uintptr) error {
		val := lib.XJS_GetPropertyStr(p.h.tls, p.h.context, global, cname)
		defer lib.XFreeValue(p.h.tls, p.h.context, val)
		var size lib.Tsize_t
		ptr := lib.XJS_GetArrayBuffer(p.h.tls, p.h.context, uintptr(unsafe.Pointer(&size)), val)
		if ptr != 0 && size > 0 {
			out = bytes.Clone(unsafe.Slice((*byte)(unsafe.Pointer(ptr)), int(size)))
		}
		return nil
	})
	return out, err
}

// chunkSize is the raw size of one base64 chunk on the slow path.
const chunkSize = 192 << 10

const chunkJS = `(function() {
	globalThis.__binFill = function(name, size) {
		var view = new Uint8Array(size);
		for (var off = 0; off < size;) {
			var raw = atob(__binChunk(off));
			for (var i = 0; i < raw.length; i++) view[off + i] = raw.charCodeAt(i);
			off += raw.length;
		}
		globalThis[name] = view.buffer;
	};
	globalThis.__binDrain = function(name, step) {
		var view = new Uint8Array(globalThis[name]);
		for (var off = 0; off < view.length; off += step) {
			var part = view.subarray(off, Math.min(off + step, view.length));
			var s = '';
			for (var i = 0; i < part.length; i += 8192) {
				s += String.fromCharCode.apply(null, part.subarray(i, Math.min(i + 8192, part.length)));
			}
			__binPush(btoa(s));
		}
	};
})()`

// chunkPath streams base64 chunks through host functions. It is used when
// the VM layout cannot be read.
type chunkPath struct {
	c   *Context
	out []byte
	in  []byte
}

func newChunkPath(c *Context) (*chunkPath, error) {
	p := &chunkPath{c: c}
	if err := c.RegisterFunc("__binChunk", func(off int) (string, error) {
		if off < 0 || off > len(p.out) {
			return "", fmt.Errorf("chunk offset %d out of range", off)
		}
		return base64.StdEncoding.EncodeToString(p.out[off:min(off+chunkSize, len(p.out))]), nil
	}); err != nil {
		return nil, err
	}
	if err := c.RegisterFunc("__binPush", func(b64 string) error {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return err
		}
		p.in = append(p.in, raw...)
		return nil
	}); err != nil {
		return nil, err
	}
	return p, c.Eval(chunkJS)
}

func (p *chunkPath) put(name string, data []byte) error {
	p.out = data
	defer func() { p.out = nil }()
	return p.c.Eval(fmt.Sprintf("__binFill(%q, %d)", name, len(data)))
}

func (p *chunkPath) take(name string) ([]byte, error) {
	n, err := p.c.EvalInt(fmt.Sprintf("(globalThis[%q] || {byteLength: 0}).byteLength", name))
	if err != nil || n == 0 {
		return nil, err
	}
	p.in = make([]byte, 0, n)
	defer func() { p.in = nil }()
	if err := p.c.Eval(fmt.Sprintf("__binDrain(%q, %d)", name, chunkSize)); err != nil {
		return nil, err
	}
	return p.in, nil
}
