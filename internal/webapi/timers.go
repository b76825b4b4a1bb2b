package webapi

import (
	"time"

	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/eventloop"
)

// timersJS installs setTimeout/setInterval/clearTimeout/clearInterval on top
// of the loop's timer table. Delays are coerced the way browsers do: NaN and
// negatives become 0, fractions are floored.
const timersJS = `
(function() {
	globalThis.__timerCallbacks = {};
	function coerceDelay(d) {
		d = Math.floor(Number(d));
		return d > 0 && isFinite(d) ? Math.min(d, 2147483647) : 0;
	}
	function schedule(fn, delay, rest, interval) {
		if (typeof fn !== 'function') return 0;
		var id = __timerRegister(coerceDelay(delay), interval);
		globalThis.__timerCallbacks[id] = { fn: fn, args: rest, interval: interval };
		return id;
	}
	globalThis.setTimeout = function(fn, delay) {
		return schedule(fn, delay, Array.prototype.slice.call(arguments, 2), false);
	};
	globalThis.setInterval = function(fn, interval) {
		return schedule(fn, interval, Array.prototype.slice.call(arguments, 2), true);
	};
	globalThis.clearTimeout = globalThis.clearInterval = function(id) {
		if (typeof id !== 'number' || id % 1 !== 0) return;
		__timerClear(id);
		delete globalThis.__timerCallbacks[id];
	};
})();
`

// SetupTimers registers Go-backed setTimeout/setInterval/clearTimeout/clearInterval.
func SetupTimers(rt core.JSRuntime, el *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__timerRegister", func(delayMs int, isInterval bool) int {
		return el.RegisterTimer(time.Duration(delayMs)*time.Millisecond, isInterval)
	}); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__timerClear", func(id int) {
		el.ClearTimer(id)
	}); err != nil {
		return err
	}
	return rt.Eval(timersJS)
}
