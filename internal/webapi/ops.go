package webapi

import (
	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/eventloop"
)

// opsJS keeps the promises of in-flight host operations and turns
// "Name: message" rejections into typed errors.
const opsJS = `
(function() {
	var ops = {};

	class PermissionDenied extends Error {
		constructor(msg) { super(msg); this.name = 'PermissionDenied'; }
	}
	class NotSupported extends Error {
		constructor(msg) { super(msg); this.name = 'NotSupported'; }
	}
	class NotFound extends Error {
		constructor(msg) { super(msg); this.name = 'NotFound'; }
	}
	var classes = {
		PermissionDenied: PermissionDenied,
		NotSupported: NotSupported,
		NotFound: NotFound,
		TypeError: TypeError,
		RangeError: RangeError,
	};
	globalThis.__errorClasses = classes;

	globalThis.__makeError = function(msg) {
		var m = /^([A-Z][A-Za-z]+): ([\s\S]*)$/.exec(String(msg));
		if (!m) return new Error(String(msg));
		var C = classes[m[1]];
		if (C) return new C(m[2]);
		var e = new Error(m[2]);
		e.name = m[1];
		return e;
	};

	globalThis.__awaitOp = function(id) {
		return new Promise(function(resolve, reject) {
			ops[id] = { resolve: resolve, reject: reject };
		});
	};

	globalThis.__opResolve = function(id, json) {
		var p = ops[id];
		delete ops[id];
		if (!p) return;
		try { p.resolve(JSON.parse(json)); } catch (e) { p.reject(e); }
	};

	globalThis.__opReject = function(id, msg) {
		var p = ops[id];
		delete ops[id];
		if (p) p.reject(__makeError(msg));
	};
})();
`

// SetupOps installs the promise side of eventloop operations.
func SetupOps(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	return rt.Eval(opsJS)
}

// failedOp starts an operation that rejects immediately with err. Host
// functions use it so that refusals surface as promise rejections rather
// than synchronous throws.
func failedOp(el *eventloop.EventLoop, err error) string {
	return el.StartOp(func() eventloop.OpResult { return eventloop.OpResult{Err: err} })
}
