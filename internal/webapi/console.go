package webapi

import (
	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/eventloop"
)

// consoleJS builds globalThis.console on top of __console(level, message).
// Objects are rendered with a cycle-safe JSON.stringify.
const consoleJS = `
(function() {
	function render(arg) {
		if (typeof arg === 'string') return arg;
		if (arg instanceof Error) return arg.stack || (arg.name + ': ' + arg.message);
		if (typeof arg === 'object' && arg !== null) {
			var seen = [];
			try {
				return JSON.stringify(arg, function(k, v) {
					if (typeof v === 'bigint') return v.toString() + 'n';
					if (typeof v === 'object' && v !== null) {
						if (seen.indexOf(v) !== -1) return '[Circular]';
						seen.push(v);
					}
					return v;
				});
			} catch (e) {
				return Object.prototype.toString.call(arg);
			}
		}
		return String(arg);
	}
	var groupDepth = 0;
	function emit(level, args) {
		var parts = [];
		for (var i = 0; i < args.length; i++) parts.push(render(args[i]));
		var indent = groupDepth > 0 ? new Array(groupDepth + 1).join('  ') : '';
		__console(level, indent + parts.join(' '));
	}
	var con = {};
	['log', 'info', 'warn', 'error', 'debug'].forEach(function(lvl) {
		con[lvl] = function() { emit(lvl, arguments); };
	});
	con.trace = function() { emit('debug', ['Trace:'].concat(Array.prototype.slice.call(arguments))); };
	con.dir = function(obj) { emit('log', [obj]); };
	con.table = function(data) { emit('log', [data]); };
	con.assert = function(cond) {
		if (cond) return;
		emit('error', ['Assertion failed:'].concat(Array.prototype.slice.call(arguments, 1)));
	};
	var counters = {};
	con.count = function(label) {
		var l = label === undefined ? 'default' : String(label);
		counters[l] = (counters[l] || 0) + 1;
		emit('log', [l + ': ' + counters[l]]);
	};
	con.countReset = function(label) { counters[label === undefined ? 'default' : String(label)] = 0; };
	var timers = {};
	con.time = function(label) { timers[label === undefined ? 'default' : String(label)] = performance.now(); };
	function elapsed(label, drop, rest) {
		var l = label === undefined ? 'default' : String(label);
		if (timers[l] === undefined) { emit('warn', ['Timer "' + l + '" does not exist']); return; }
		var ms = performance.now() - timers[l];
		if (drop) delete timers[l];
		emit('log', [l + ': ' + ms.toFixed(3) + 'ms'].concat(rest));
	}
	con.timeEnd = function(label) { elapsed(label, true, []); };
	con.timeLog = function(label) { elapsed(label, false, Array.prototype.slice.call(arguments, 1)); };
	con.group = function() {
		if (arguments.length) emit('log', arguments);
		groupDepth++;
	};
	con.groupCollapsed = con.group;
	con.groupEnd = function() { if (groupDepth > 0) groupDepth--; };
	globalThis.console = con;
})();
`

// Console returns a setup step that routes console output to sink. The
// sink is called on the worker thread and must not block.
func Console(sink func(level, message string)) SetupFunc {
	return func(rt core.JSRuntime, _ *eventloop.EventLoop) error {
		if err := rt.RegisterFunc("__console", func(level, message string) {
			sink(level, message)
		}); err != nil {
			return err
		}
		return rt.Eval(consoleJS)
	}
}
