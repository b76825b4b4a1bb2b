// Package webapi installs the JavaScript surface of a worker: web platform
// classes, timers, fetch, the Deno namespace and the role specific host
// APIs. Each piece is a SetupFunc evaluated against a fresh context before
// the worker's module is loaded.
package webapi

import (
	"encoding/base64"
	"fmt"

	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/eventloop"
)

// SetupFunc installs one group of globals into a context.
type SetupFunc func(rt core.JSRuntime, el *eventloop.EventLoop) error

// Base returns the setups every role receives, in dependency order.
func Base() []SetupFunc {
	return []SetupFunc{
		SetupGlobals,
		SetupAbort,
		SetupEncoding,
		SetupHTTP,
		SetupTimers,
		SetupOps,
		SetupCrypto,
	}
}

// Install runs setups in order and stops at the first failure.
func Install(rt core.JSRuntime, el *eventloop.EventLoop, setups ...SetupFunc) error {
	for i, setup := range setups {
		if err := setup(rt, el); err != nil {
			return fmt.Errorf("setup step %d: %w", i, err)
		}
	}
	return nil
}

// writeBytes stores data as an ArrayBuffer at globalThis[name].
func writeBytes(rt core.JSRuntime, name string, data []byte) error {
	if bt, ok := rt.(core.BinaryTransferer); ok {
		return bt.WriteBinaryToJS(name, data)
	}
	b64 := base64.StdEncoding.EncodeToString(data)
	return rt.Eval(fmt.Sprintf("globalThis[%q] = __b64ToBuffer(%q);", name, b64))
}

// readBytes copies the buffer at globalThis[name] out of the context and
// removes the global.
func readBytes(rt core.JSRuntime, name string) ([]byte, error) {
	if bt, ok := rt.(core.BinaryTransferer); ok {
		return bt.ReadBinaryFromJS(name)
	}
	b64, err := rt.EvalString(fmt.Sprintf(`(function() {
		var b = globalThis[%q];
		delete globalThis[%q];
		return b ? __bufferSourceToB64(b) : '';
	})()`, name, name))
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(b64)
}
