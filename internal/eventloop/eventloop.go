package eventloop

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cryguy/edgeruntime/internal/core"
)

// OpResult is the outcome of an asynchronous host operation. Value is a
// JSON document handed to the promise's resolve callback.
type OpResult struct {
	Value string
	Err   error
}

// PendingOp represents an in-flight host operation whose result will be
// delivered to JS by the event loop once it is available.
type PendingOp struct {
	ResultCh <-chan OpResult
	OpID     string
}

// Task runs on the worker thread during a poll. Tasks are how other
// goroutines (HTTP handlers, socket readers) get work into the script.
type Task func(rt core.JSRuntime) error

// timerEntry represents a pending setTimeout or setInterval callback.
// The actual callback is stored in globalThis.__timerCallbacks[id] on the
// JS side. Go only tracks scheduling metadata.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout, >0 for setInterval
	id       int
	cleared  bool
}

// PollResult describes the loop after one poll.
type PollResult struct {
	// Done is true when no timers, operations, tasks or references remain.
	Done bool
	// NextTimer is the earliest timer deadline, zero when no timer is armed.
	NextTimer time.Time
}

// EventLoop holds the macrotask sources of one execution context: timers,
// pending host operations, queued tasks and references kept by long-lived
// resources (open connections, sockets). It never blocks; the driver
// decides when to poll it.
type EventLoop struct {
	mu         sync.Mutex
	timers     map[int]*timerEntry
	nextID     int
	nextOpID   uint64
	pendingOps []*PendingOp
	tasks      []Task
	refs       int
	wake       chan struct{}
	now        func() time.Time
}

// New creates a new EventLoop.
func New() *EventLoop {
	return &EventLoop{
		timers: make(map[int]*timerEntry),
		wake:   make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Wake is signalled whenever work becomes ready from another goroutine.
func (el *EventLoop) Wake() <-chan struct{} { return el.wake }

func (el *EventLoop) notify() {
	select {
	case el.wake <- struct{}{}:
	default:
	}
}

// RegisterTimer creates a timer entry and returns its ID.
// The actual JS callback is stored in globalThis.__timerCallbacks[id].
func (el *EventLoop) RegisterTimer(delay time.Duration, isInterval bool) int {
	el.mu.Lock()
	defer el.mu.Unlock()
	if delay < 0 {
		delay = 0
	}
	el.nextID++
	id := el.nextID
	entry := &timerEntry{
		deadline: el.now().Add(delay),
		id:       id,
	}
	if isInterval {
		if delay < 10*time.Millisecond {
			delay = 10 * time.Millisecond // minimum interval
		}
		entry.interval = delay
	}
	el.timers[id] = entry
	return id
}

// ClearTimer cancels a timer by ID.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if t, ok := el.timers[id]; ok {
		t.cleared = true
		delete(el.timers, id)
	}
}

// StartOp runs fn on its own goroutine and registers it as a pending
// operation. The returned id is the key the JS side uses for its promise.
func (el *EventLoop) StartOp(fn func() OpResult) string {
	el.mu.Lock()
	el.nextOpID++
	id := "op" + strconv.FormatUint(el.nextOpID, 10)
	el.mu.Unlock()

	ch := make(chan OpResult, 1)
	el.AddPendingOp(&PendingOp{ResultCh: ch, OpID: id})
	go func() {
		ch <- fn()
		el.notify()
	}()
	return id
}

// AddPendingOp registers an operation whose result will be delivered to JS
// once its channel yields.
func (el *EventLoop) AddPendingOp(op *PendingOp) {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.pendingOps = append(el.pendingOps, op)
}

// Submit queues a task for the next poll. Safe from any goroutine.
func (el *EventLoop) Submit(task Task) {
	el.mu.Lock()
	el.tasks = append(el.tasks, task)
	el.mu.Unlock()
	el.notify()
}

// Ref keeps the loop alive while a resource outside of it (an open
// connection, a socket) may still submit tasks.
func (el *EventLoop) Ref() {
	el.mu.Lock()
	el.refs++
	el.mu.Unlock()
}

// Unref drops a reference taken with Ref.
func (el *EventLoop) Unref() {
	el.mu.Lock()
	if el.refs > 0 {
		el.refs--
	}
	el.mu.Unlock()
	el.notify()
}

// drainPendingOps does non-blocking reads on all pending operation
// channels and settles the JS promises of those that completed.
func (el *EventLoop) drainPendingOps(rt core.JSRuntime) error {
	el.mu.Lock()
	if len(el.pendingOps) == 0 {
		el.mu.Unlock()
		return nil
	}
	pending := el.pendingOps
	el.pendingOps = nil
	el.mu.Unlock()

	var remaining []*PendingOp
	var firstErr error
	for i, op := range pending {
		if firstErr != nil {
			remaining = append(remaining, pending[i:]...)
			break
		}
		select {
		case result := <-op.ResultCh:
			var js string
			if result.Err != nil {
				js = fmt.Sprintf(`globalThis.__opReject(%q, %q)`, op.OpID, result.Err.Error())
			} else {
				value := result.Value
				if value == "" {
					value = "null"
				}
				js = fmt.Sprintf(`globalThis.__opResolve(%q, %q)`, op.OpID, value)
			}
			if err := rt.Eval(js); err != nil {
				firstErr = err
			}
			rt.RunMicrotasks()
		default:
			remaining = append(remaining, op)
		}
	}

	el.mu.Lock()
	// Callbacks may have started new operations during settlement.
	el.pendingOps = append(remaining, el.pendingOps...)
	el.mu.Unlock()
	return firstErr
}

func (el *EventLoop) runTasks(rt core.JSRuntime) error {
	el.mu.Lock()
	tasks := el.tasks
	el.tasks = nil
	el.mu.Unlock()

	for i, task := range tasks {
		if err := task(rt); err != nil {
			el.mu.Lock()
			el.tasks = append(tasks[i+1:], el.tasks...)
			el.mu.Unlock()
			return err
		}
		rt.RunMicrotasks()
	}
	return nil
}

// fireTimer fires a timer callback by invoking the JS-side callback map.
func (el *EventLoop) fireTimer(rt core.JSRuntime, id int) error {
	js := fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks[%d];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		globalThis.__invokeGuarded(entry.fn, entry.args || []);
	})()`, id, id)
	return rt.Eval(js)
}

func (el *EventLoop) fireDueTimers(rt core.JSRuntime) error {
	now := el.now()
	el.mu.Lock()
	var due []*timerEntry
	for _, t := range el.timers {
		if !t.cleared && !t.deadline.After(now) {
			due = append(due, t)
		}
	}
	el.mu.Unlock()

	sortByDeadline(due)
	for _, t := range due {
		el.mu.Lock()
		if t.cleared {
			el.mu.Unlock()
			continue
		}
		if t.interval > 0 {
			t.deadline = now.Add(t.interval)
		} else {
			delete(el.timers, t.id)
		}
		el.mu.Unlock()

		if err := el.fireTimer(rt, t.id); err != nil {
			return err
		}
		rt.RunMicrotasks()
	}
	return nil
}

func sortByDeadline(ts []*timerEntry) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].deadline.Equal(ts[j].deadline) {
			return ts[i].id < ts[j].id
		}
		return ts[i].deadline.Before(ts[j].deadline)
	})
}

// Poll runs every macrotask that is ready right now: microtasks, queued
// tasks, completed operations and due timers. It never waits. An error is
// returned only when an evaluation escaped the script's own handlers.
// Must be called on the runtime's thread.
func (el *EventLoop) Poll(rt core.JSRuntime) (PollResult, error) {
	rt.RunMicrotasks()
	if err := el.runTasks(rt); err != nil {
		return PollResult{}, err
	}
	if err := el.drainPendingOps(rt); err != nil {
		return PollResult{}, err
	}
	if err := el.fireDueTimers(rt); err != nil {
		return PollResult{}, err
	}
	return el.state(), nil
}

func (el *EventLoop) state() PollResult {
	el.mu.Lock()
	defer el.mu.Unlock()
	var res PollResult
	for _, t := range el.timers {
		if t.cleared {
			continue
		}
		if res.NextTimer.IsZero() || t.deadline.Before(res.NextTimer) {
			res.NextTimer = t.deadline
		}
	}
	res.Done = len(el.timers) == 0 && len(el.pendingOps) == 0 && len(el.tasks) == 0 && el.refs == 0
	return res
}

// HasPending returns true if there is any outstanding work.
func (el *EventLoop) HasPending() bool {
	return !el.state().Done
}

// Reset clears all timers, operations, tasks and references.
func (el *EventLoop) Reset() {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.timers = make(map[int]*timerEntry)
	el.nextID = 0
	el.pendingOps = nil
	el.tasks = nil
	el.refs = 0
}
