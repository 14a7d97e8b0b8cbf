package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe("outbox.", 10)
	defer unsub()

	b.Emit(KindOutboxConfirmed, "op-1")

	select {
	case evt := <-ch:
		if evt.Kind != KindOutboxConfirmed {
			t.Errorf("got kind %q, want %s", evt.Kind, KindOutboxConfirmed)
		}
		if evt.Timestamp.IsZero() {
			t.Error("Emit should stamp the event")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindOutboxSending})
	b.Publish(Event{Kind: KindSyncStart})

	select {
	case evt := <-ch:
		if evt.Kind != KindSyncStart {
			t.Errorf("got kind %q, want sync.start", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure outbox event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe("sync.", 10)
	unsub()

	b.Publish(Event{Kind: KindSyncStart})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

// TestPanickingHandlerIsolated verifies one failing listener neither stops
// delivery to the others nor escapes into the publisher.
func TestPanickingHandlerIsolated(t *testing.T) {
	b := New(nil)
	var got []string
	b.Handle("message.", func(Event) { panic("boom") })
	b.Handle("message.", func(e Event) { got = append(got, e.Kind) })

	b.Emit(KindMessageLocal, nil)

	if len(got) != 1 || got[0] != KindMessageLocal {
		t.Errorf("second handler got %v, want [message.local]", got)
	}
}

func TestHandlerMayPublish(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe("b.", 1)
	defer unsub()
	b.Handle("a.", func(Event) { b.Emit("b.chained", nil) })

	b.Emit("a.start", nil)

	select {
	case evt := <-ch:
		if evt.Kind != "b.chained" {
			t.Errorf("got %q", evt.Kind)
		}
	default:
		t.Fatal("handler's nested publish was not delivered")
	}
}

func TestClear(t *testing.T) {
	b := New(nil)
	calls := 0
	b.Handle("", func(Event) { calls++ })
	ch, _ := b.Subscribe("", 1)

	b.Clear()
	b.Emit("any", nil)

	if calls != 0 {
		t.Errorf("handler called %d times after Clear", calls)
	}
	select {
	case evt := <-ch:
		t.Errorf("subscriber received %v after Clear", evt)
	default:
	}
}
