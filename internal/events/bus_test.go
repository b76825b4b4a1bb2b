package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cryguy/edgeruntime/internal/core"
)

type sliceSink struct{ got []core.WorkerEvent }

func (s *sliceSink) Publish(ev core.WorkerEvent) { s.got = append(s.got, ev) }

func TestBusFansOut(t *testing.T) {
	b := NewBus(nil)
	a := b.Subscribe(4)
	c := b.Subscribe(4)
	sink := &sliceSink{}
	b.AddSink(sink)

	b.Publish(core.WorkerEvent{Kind: core.EventBoot, WorkerKey: "w1"})
	for _, ch := range []<-chan core.WorkerEvent{a, c} {
		select {
		case ev := <-ch:
			if ev.WorkerKey != "w1" || ev.Kind != core.EventBoot {
				t.Errorf("got %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
	if len(sink.got) != 1 {
		t.Errorf("sink got %d events", len(sink.got))
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	b := NewBus(nil)
	ch := b.Subscribe(1)
	for i := 0; i < 3; i++ {
		b.Publish(core.WorkerEvent{Kind: core.EventLog})
	}
	if b.Dropped() != 2 {
		t.Errorf("dropped = %d, want 2", b.Dropped())
	}
	<-ch
}

func TestBusClose(t *testing.T) {
	b := NewBus(nil)
	ch := b.Subscribe(0)
	b.Close()
	if _, ok := <-ch; ok {
		t.Fatal("subscriber channel should be closed")
	}
	b.Publish(core.WorkerEvent{Kind: core.EventLog})
	if _, ok := <-b.Subscribe(1); ok {
		t.Error("subscribing to a closed bus should yield a closed channel")
	}
	b.Close()
}

func TestSubject(t *testing.T) {
	if got := Subject("", core.EventShutdown); got != "edge_runtime.events.shutdown" {
		t.Errorf("Subject = %q", got)
	}
	if got := Subject("tenant.a", core.EventUncaughtException); got != "tenant.a.uncaughtException" {
		t.Errorf("Subject = %q", got)
	}
}

func TestEventEncoding(t *testing.T) {
	ev := core.WorkerEvent{
		Kind:      core.EventShutdown,
		WorkerKey: "w1",
		Timestamp: time.Unix(0, 0).UTC(),
		Data:      map[string]any{"reason": "cpu_time"},
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"kind":"shutdown","workerKey":"w1","timestamp":"1970-01-01T00:00:00Z","data":{"reason":"cpu_time"}}`
	if string(data) != want {
		t.Errorf("encoded %s", data)
	}
}
