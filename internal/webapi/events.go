package webapi

import (
	"encoding/json"
	"fmt"

	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/eventloop"
)

// eventManagerJS exposes worker events as an async iterable:
//
//	for await (const e of new EventManager()) { ... }
const eventManagerJS = `
(function() {
	var queue = [];
	var waiters = [];
	var ended = false;
	globalThis.__eventPush = function(json) {
		var ev = JSON.parse(json);
		if (waiters.length) waiters.shift()({ value: ev, done: false });
		else queue.push(ev);
	};
	globalThis.__eventEnd = function() {
		ended = true;
		while (waiters.length) waiters.shift()({ value: undefined, done: true });
	};
	class EventManager {
		next() {
			if (queue.length) return Promise.resolve({ value: queue.shift(), done: false });
			if (ended) return Promise.resolve({ value: undefined, done: true });
			return new Promise(function(resolve) { waiters.push(resolve); });
		}
		[Symbol.asyncIterator]() { return this; }
	}
	globalThis.EventManager = EventManager;
})();
`

type eventPayload struct {
	Event      string         `json:"event_type"`
	WorkerKey  string         `json:"worker_key"`
	Service    string         `json:"service_path"`
	ReceivedAt int64          `json:"timestamp"`
	Data       map[string]any `json:"event"`
}

// EventManager returns the setup step for event workers. Events read from
// source are delivered into the script until source is closed; the loop
// stays referenced until then.
func EventManager(source <-chan core.WorkerEvent) SetupFunc {
	return func(rt core.JSRuntime, el *eventloop.EventLoop) error {
		if err := rt.Eval(eventManagerJS); err != nil {
			return err
		}
		el.Ref()
		go func() {
			defer el.Unref()
			for ev := range source {
				data, err := json.Marshal(eventPayload{
					Event:      string(ev.Kind),
					WorkerKey:  ev.WorkerKey,
					Service:    ev.ServicePath,
					ReceivedAt: ev.Timestamp.UnixMilli(),
					Data:       ev.Data,
				})
				if err != nil {
					continue
				}
				js := fmt.Sprintf("globalThis.__eventPush(%q)", data)
				el.Submit(func(rt core.JSRuntime) error { return rt.Eval(js) })
			}
			el.Submit(func(rt core.JSRuntime) error { return rt.Eval("globalThis.__eventEnd()") })
		}()
		return nil
	}
}
