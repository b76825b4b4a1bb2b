package webapi

import (
	"fmt"
	"time"

	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/eventloop"
)

// globalsJS defines pure-JS polyfills for simple global APIs and the guard
// through which every host-initiated callback runs.
const globalsJS = `
globalThis.structuredClone = (function() {
	function cloneError(msg) {
		return new DOMException(msg, 'DataCloneError');
	}

	function deepClone(value, seen) {
		if (value === undefined || value === null) return value;
		var type = typeof value;
		if (type === 'boolean' || type === 'number' || type === 'string' || type === 'bigint') return value;
		if (type === 'function' || type === 'symbol') throw cloneError('value could not be cloned');
		if (value instanceof Promise || value instanceof WeakMap || value instanceof WeakSet) {
			throw cloneError('value could not be cloned');
		}
		if (seen.has(value)) return seen.get(value);

		if (value instanceof Date) return new Date(value.getTime());
		if (value instanceof RegExp) return new RegExp(value.source, value.flags);
		if (value instanceof ArrayBuffer) return value.slice(0);
		if (ArrayBuffer.isView(value)) {
			var buf = value.buffer.slice(value.byteOffset, value.byteOffset + value.byteLength);
			return new value.constructor(buf);
		}
		var out;
		if (value instanceof Map) {
			out = new Map();
			seen.set(value, out);
			value.forEach(function(v, k) { out.set(deepClone(k, seen), deepClone(v, seen)); });
			return out;
		}
		if (value instanceof Set) {
			out = new Set();
			seen.set(value, out);
			value.forEach(function(v) { out.add(deepClone(v, seen)); });
			return out;
		}
		out = Array.isArray(value) ? new Array(value.length) : {};
		seen.set(value, out);
		var keys = Object.keys(value);
		for (var i = 0; i < keys.length; i++) out[keys[i]] = deepClone(value[keys[i]], seen);
		return out;
	}

	return function structuredClone(value) {
		return deepClone(value, new Map());
	};
})();

globalThis.__isFatal = function(e) {
	return !!e && e.name === 'InternalError' && /out of memory|interrupted/.test(String(e.message));
};

globalThis.__describeError = function(e) {
	if (e && typeof e === 'object' && e.message !== undefined) return (e.name || 'Error') + ': ' + e.message;
	return String(e);
};

globalThis.__reportUncaught = function(e) {
	if (globalThis.__isFatal(e)) throw e;
	var ev = typeof ErrorEvent === 'function' ? new ErrorEvent('error', { error: e, cancelable: true }) : null;
	if (ev && typeof globalThis.dispatchEvent === 'function' && !globalThis.dispatchEvent(ev)) return;
	var msg = globalThis.__describeError(e);
	var stack = (e && e.stack) ? String(e.stack) : '';
	if (typeof globalThis.__uncaught === 'function') {
		globalThis.__uncaught(msg, stack);
	} else if (globalThis.console) {
		console.error('Uncaught ' + msg);
	}
};

globalThis.__invokeGuarded = function(fn, args) {
	try {
		var r = fn.apply(globalThis, args || []);
		if (r && typeof r.then === 'function') {
			r.then(undefined, globalThis.__reportUncaught);
		}
		return r;
	} catch (e) {
		globalThis.__reportUncaught(e);
	}
};

globalThis.reportError = function(e) { globalThis.__reportUncaught(e); };

globalThis.queueMicrotask = function(fn) {
	if (typeof fn !== 'function') throw new TypeError('queueMicrotask requires a function');
	Promise.resolve().then(function() { globalThis.__invokeGuarded(fn); });
};

Object.defineProperty(globalThis, 'navigator', {
	value: { userAgent: 'edge-runtime', hardwareConcurrency: 1, language: 'en-US' },
	writable: true,
	configurable: true,
});
`

// SetupGlobals registers structuredClone, performance, navigator,
// queueMicrotask, reportError and the callback guard used by timers and
// request dispatch.
func SetupGlobals(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	origin := time.Now()
	if err := rt.RegisterFunc("__performanceNow", func() float64 {
		return float64(time.Since(origin).Nanoseconds()) / 1e6
	}); err != nil {
		return err
	}
	if err := rt.Eval(globalsJS); err != nil {
		return fmt.Errorf("evaluating globals.js: %w", err)
	}
	originMs := float64(origin.UnixNano()) / 1e6
	return rt.Eval(fmt.Sprintf(`globalThis.performance = {
		timeOrigin: %f,
		now: function() { return __performanceNow(); },
		toJSON: function() { return { timeOrigin: this.timeOrigin }; }
	};`, originMs))
}

// Uncaught routes exceptions that escaped every script handler to fn.
func Uncaught(fn func(message, stack string)) SetupFunc {
	return func(rt core.JSRuntime, _ *eventloop.EventLoop) error {
		return rt.RegisterFunc("__uncaught", func(message, stack string) {
			fn(message, stack)
		})
	}
}
