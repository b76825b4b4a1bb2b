package webapi

import (
	"fmt"

	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/eventloop"
)

// abortJS installs the DOM event model used by the rest of the host API:
// Event, EventTarget, CustomEvent, ErrorEvent, DOMException, AbortSignal
// and AbortController. globalThis becomes an event target as well, so
// scripts can listen for "error", "unhandledrejection", "beforeunload" and
// "unload".
const abortJS = `
(function() {
	var dispatching = Symbol('dispatching');

	function Event(type, init) {
		if (!(this instanceof Event)) throw new TypeError("Failed to construct 'Event': use new");
		init = init || {};
		this.type = String(type);
		this.bubbles = !!init.bubbles;
		this.cancelable = !!init.cancelable;
		this.composed = !!init.composed;
		this.defaultPrevented = false;
		this.isTrusted = false;
		this.target = null;
		this.currentTarget = null;
		this.timeStamp = performance.now();
		this[dispatching] = { stop: false };
	}
	Event.prototype.preventDefault = function() {
		if (this.cancelable) this.defaultPrevented = true;
	};
	Event.prototype.stopPropagation = function() {};
	Event.prototype.stopImmediatePropagation = function() { this[dispatching].stop = true; };
	Event.prototype.composedPath = function() { return this.target ? [this.target] : []; };

	function listenersOf(target) {
		if (!target.__listeners) {
			Object.defineProperty(target, '__listeners', { value: new Map(), enumerable: false });
		}
		return target.__listeners;
	}

	class EventTarget {
		addEventListener(type, callback, options) {
			if (callback === null || callback === undefined) return;
			var capture = typeof options === 'boolean' ? options : !!(options && options.capture);
			var once = !!(options && typeof options === 'object' && options.once);
			var signal = options && typeof options === 'object' ? options.signal : undefined;
			if (signal && signal.aborted) return;
			var map = listenersOf(this);
			var list = map.get(type);
			if (!list) map.set(type, list = []);
			for (var i = 0; i < list.length; i++) {
				if (list[i].callback === callback && list[i].capture === capture) return;
			}
			var entry = { callback: callback, capture: capture, once: once, removed: false };
			list.push(entry);
			if (signal) {
				var self = this;
				signal.addEventListener('abort', function() { self.removeEventListener(type, callback, capture); }, { once: true });
			}
		}
		removeEventListener(type, callback, options) {
			var capture = typeof options === 'boolean' ? options : !!(options && options.capture);
			var list = listenersOf(this).get(type);
			if (!list) return;
			for (var i = 0; i < list.length; i++) {
				if (list[i].callback === callback && list[i].capture === capture) {
					list[i].removed = true;
					list.splice(i, 1);
					return;
				}
			}
		}
		dispatchEvent(event) {
			if (!(event instanceof Event)) throw new TypeError("parameter 1 is not of type 'Event'");
			event.target = this;
			event.currentTarget = this;
			var list = listenersOf(this).get(event.type);
			if (list) {
				var snapshot = list.slice();
				for (var i = 0; i < snapshot.length && !event[dispatching].stop; i++) {
					var entry = snapshot[i];
					if (entry.removed) continue;
					if (entry.once) this.removeEventListener(event.type, entry.callback, entry.capture);
					var fn = typeof entry.callback === 'function' ? entry.callback : entry.callback.handleEvent;
					try {
						fn.call(typeof entry.callback === 'function' ? this : entry.callback, event);
					} catch (e) {
						globalThis.reportError ? globalThis.reportError(e) : (function() { throw e; })();
					}
				}
			}
			event.currentTarget = null;
			return !event.defaultPrevented;
		}
	}

	class CustomEvent extends Event {
		constructor(type, init) {
			super(type, init);
			this.detail = init && init.detail !== undefined ? init.detail : null;
		}
	}

	class ErrorEvent extends Event {
		constructor(type, init) {
			super(type, init);
			init = init || {};
			this.error = init.error !== undefined ? init.error : null;
			this.message = init.message !== undefined ? String(init.message)
				: (this.error && this.error.message !== undefined ? String(this.error.message) : '');
			this.filename = init.filename || '';
			this.lineno = init.lineno || 0;
			this.colno = init.colno || 0;
		}
	}

	var legacyCodes = { IndexSizeError: 1, NotFoundError: 8, NotSupportedError: 9, InvalidStateError: 11,
		SyntaxError: 12, InvalidAccessError: 15, TypeMismatchError: 17, AbortError: 20, TimeoutError: 23, DataCloneError: 25 };

	class DOMException extends Error {
		constructor(message, name) {
			super(message === undefined ? '' : String(message));
			Object.defineProperty(this, 'name', { value: name === undefined ? 'Error' : String(name), writable: true, configurable: true });
		}
		get code() { return legacyCodes[this.name] || 0; }
	}

	var internal = Symbol('abort');

	class AbortSignal extends EventTarget {
		constructor(key) {
			if (key !== internal) throw new TypeError('Illegal constructor');
			super();
			this.aborted = false;
			this.reason = undefined;
			this.onabort = null;
		}
		throwIfAborted() {
			if (this.aborted) throw this.reason;
		}
		static abort(reason) {
			var signal = new AbortSignal(internal);
			signal.aborted = true;
			signal.reason = reason !== undefined ? reason : new DOMException('The operation was aborted.', 'AbortError');
			return signal;
		}
		static timeout(ms) {
			var signal = new AbortSignal(internal);
			setTimeout(function() {
				signalAbort(signal, new DOMException('The operation timed out.', 'TimeoutError'));
			}, ms);
			return signal;
		}
		static any(signals) {
			var signal = new AbortSignal(internal);
			var list = Array.from(signals);
			for (var i = 0; i < list.length; i++) {
				if (list[i].aborted) {
					signal.aborted = true;
					signal.reason = list[i].reason;
					return signal;
				}
			}
			list.forEach(function(s) {
				s.addEventListener('abort', function() { signalAbort(signal, s.reason); }, { once: true });
			});
			return signal;
		}
	}

	function signalAbort(signal, reason) {
		if (signal.aborted) return;
		signal.aborted = true;
		signal.reason = reason;
		var ev = new Event('abort');
		if (typeof signal.onabort === 'function') {
			try { signal.onabort.call(signal, ev); } catch (e) { globalThis.reportError && globalThis.reportError(e); }
		}
		signal.dispatchEvent(ev);
	}

	class AbortController {
		constructor() {
			this.signal = new AbortSignal(internal);
		}
		abort(reason) {
			signalAbort(this.signal, reason !== undefined ? reason : new DOMException('The operation was aborted.', 'AbortError'));
		}
	}

	globalThis.Event = Event;
	globalThis.EventTarget = EventTarget;
	globalThis.CustomEvent = CustomEvent;
	globalThis.ErrorEvent = ErrorEvent;
	globalThis.DOMException = DOMException;
	globalThis.AbortSignal = AbortSignal;
	globalThis.AbortController = AbortController;

	var root = new EventTarget();
	globalThis.addEventListener = root.addEventListener.bind(root);
	globalThis.removeEventListener = root.removeEventListener.bind(root);
	globalThis.dispatchEvent = function(event) {
		var ok = root.dispatchEvent(event);
		var handler = globalThis['on' + event.type];
		if (typeof handler === 'function') handler.call(globalThis, event);
		return ok && !event.defaultPrevented;
	};
})();
`

// SetupAbort installs the event model and abort signals.
func SetupAbort(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.Eval(abortJS); err != nil {
		return fmt.Errorf("installing events: %w", err)
	}
	return nil
}
