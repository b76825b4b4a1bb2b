package core

import "strings"

// JSRuntime abstracts the JavaScript engine (V8 or QuickJS) behind a
// common interface used by the host bindings in internal/webapi and the
// event loop in internal/eventloop.
type JSRuntime interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(js string) error

	// EvalString evaluates JavaScript and returns the result as a Go string.
	EvalString(js string) (string, error)

	// EvalBool evaluates JavaScript and returns the result as a Go bool.
	EvalBool(js string) (bool, error)

	// EvalInt evaluates JavaScript and returns the result as a Go int.
	EvalInt(js string) (int, error)

	// RegisterFunc registers a Go function as a global JavaScript function.
	// Supported argument and result types are string, int, float64 and
	// bool. A (T, error) result throws a TypeError on error.
	RegisterFunc(name string, fn any) error

	// SetGlobal sets a global variable on the JS context.
	SetGlobal(name string, value any) error

	// RunMicrotasks pumps the microtask queue (Promise callbacks, etc.).
	RunMicrotasks()
}

// BinaryTransferer is implemented by runtimes that can move raw bytes in
// and out of a JS ArrayBuffer without a string round trip. Request and
// response bodies take this path when it is available.
type BinaryTransferer interface {
	WriteBinaryToJS(globalName string, data []byte) error
	ReadBinaryFromJS(globalName string) ([]byte, error)
}

// ContextOptions configures one execution context.
type ContextOptions struct {
	// HeapLimitBytes caps the engine heap. Exceeding it surfaces as an
	// engine fault. Zero means unlimited.
	HeapLimitBytes uint64
}

// ScriptEngine creates isolated execution contexts. A context must only be
// used from the OS thread that created it.
type ScriptEngine interface {
	Name() string
	NewContext(opts ContextOptions) (ScriptContext, error)
}

// ScriptContext is one isolate plus its global scope.
type ScriptContext interface {
	JSRuntime

	// LoadModule evaluates a bundled module (already wrapped so that its
	// exports land on globalThis.__worker_module__).
	LoadModule(name, code string) error

	// Interrupt aborts the script currently executing. It is safe to call
	// from any goroutine.
	Interrupt()

	// Close releases the isolate.
	Close()
}

// IsFatalEngineError reports whether an evaluation error means the engine
// can no longer be trusted (as opposed to an ordinary script exception).
func IsFatalEngineError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range fatalMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var fatalMarkers = []string{"out of memory", "interrupted", "execution terminated"}
