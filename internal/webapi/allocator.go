package webapi

import (
	"math"

	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/eventloop"
	"github.com/cryguy/edgeruntime/internal/memlimit"
)

// allocatorJS charges ArrayBuffer and typed array backing stores to the
// worker's allocator. Constructions over an existing buffer are free.
// Collected buffers give their bytes back when FinalizationRegistry exists.
const allocatorJS = `
(function() {
	var registry = typeof FinalizationRegistry === 'function'
		? new FinalizationRegistry(function(n) { __abRelease(n); })
		: null;
	function charge(obj, n) {
		if (n <= 0) return obj;
		if (registry) registry.register(obj, n);
		return obj;
	}
	function reserve(n) {
		if (n > 0 && !__abReserve(n)) throw new RangeError('Array buffer allocation failed');
	}
	function sizeOf(arg, bpe) {
		if (typeof arg === 'number') return Math.max(0, Math.floor(arg)) * bpe;
		if (arg === null || typeof arg !== 'object') return 0;
		if (arg instanceof ArrayBuffer) return 0;
		if (typeof SharedArrayBuffer === 'function' && arg instanceof SharedArrayBuffer) return 0;
		if (typeof arg.length === 'number') return arg.length * bpe;
		return 0;
	}
	function wrap(name, bpe) {
		var Target = globalThis[name];
		if (typeof Target !== 'function') return;
		globalThis[name] = new Proxy(Target, {
			construct: function(t, args, newTarget) {
				var n = bpe === 0 ? sizeOf(args[0], 1) : sizeOf(args[0], bpe);
				reserve(n);
				var obj;
				try {
					obj = Reflect.construct(t, args, newTarget === globalThis[name] ? t : newTarget);
				} catch (e) {
					if (n > 0) __abRelease(n);
					throw e;
				}
				return charge(obj, n);
			},
		});
	}
	wrap('ArrayBuffer', 0);
	['Int8Array', 'Uint8Array', 'Uint8ClampedArray', 'Int16Array', 'Uint16Array',
	 'Int32Array', 'Uint32Array', 'Float32Array', 'Float64Array', 'BigInt64Array', 'BigUint64Array'
	].forEach(function(name) {
		var T = globalThis[name];
		if (typeof T === 'function') wrap(name, T.BYTES_PER_ELEMENT);
	});
})();
`

// Allocator returns a setup step charging script buffer allocations to a.
// It should run before any other setup so host-created buffers count too.
func Allocator(a *memlimit.Allocator) SetupFunc {
	return func(rt core.JSRuntime, _ *eventloop.EventLoop) error {
		if err := rt.RegisterFunc("__abReserve", func(n any) bool {
			size, ok := byteCount(n)
			return ok && a.Reserve(size)
		}); err != nil {
			return err
		}
		if err := rt.RegisterFunc("__abRelease", func(n any) {
			if size, ok := byteCount(n); ok {
				a.Release(size)
			}
		}); err != nil {
			return err
		}
		return rt.Eval(allocatorJS)
	}
}

// byteCount converts a script number to a size. Engines hand integral
// numbers over as int and everything else as float64.
func byteCount(n any) (uint64, bool) {
	switch v := n.(type) {
	case int:
		return uint64(max(v, 0)), true
	case int32:
		return uint64(max(v, 0)), true
	case int64:
		return uint64(max(v, 0)), true
	case float64:
		if v != v || v > math.MaxInt64 {
			return 0, false
		}
		return uint64(max(v, 0)), true
	default:
		return 0, false
	}
}
