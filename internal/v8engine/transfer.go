//go:build v8

package v8engine

import (
	"bytes"
	"fmt"
)

// v8go only exposes SharedArrayBuffer contents to Go, so both directions
// stage the bytes in one and copy into a plain ArrayBuffer in script.

const stageName = "__sab_stage"

func (c *Context) WriteBinaryToJS(name string, data []byte) error {
	if err := c.Eval(fmt.Sprintf("globalThis.%s = new SharedArrayBuffer(%d);", stageName, len(data))); err != nil {
		return fmt.Errorf("allocating staging buffer: %w", err)
	}
	if len(data) > 0 {
		if err := c.withStage(func(b []byte) { copy(b, data) }); err != nil {
			return err
		}
	}
	return c.Eval(fmt.Sprintf(`(function() {
		var s = globalThis.%[1]s;
		delete globalThis.%[1]s;
		var buf = new ArrayBuffer(s.byteLength);
		new Uint8Array(buf).set(new Uint8Array(s));
		globalThis[%[2]q] = buf;
	})()`, stageName, name))
}

func (c *Context) ReadBinaryFromJS(name string) ([]byte, error) {
	n, err := c.EvalInt(fmt.Sprintf(`(function() {
		var b = globalThis[%[1]q];
		delete globalThis[%[1]q];
		if (!b || !b.byteLength) return 0;
		var s = new SharedArrayBuffer(b.byteLength);
		new Uint8Array(s).set(new Uint8Array(b));
		globalThis.%[2]s = s;
		return s.byteLength;
	})()`, name, stageName))
	if err != nil || n == 0 {
		return nil, err
	}
	var out []byte
	err = c.withStage(func(b []byte) { out = bytes.Clone(b) })
	_ = c.Eval("delete globalThis." + stageName + ";")
	return out, err
}

func (c *Context) withStage(fn func([]byte)) error {
	v, err := c.ctx.Global().Get(stageName)
	if err != nil {
		return fmt.Errorf("reading staging buffer: %w", err)
	}
	b, release, err := v.SharedArrayBufferGetContents()
	if err != nil {
		return fmt.Errorf("reading staging buffer: %w", err)
	}
	defer release()
	fn(b)
	return nil
}
