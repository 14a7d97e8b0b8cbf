package realtime

import (
	"testing"
	"time"

	"github.com/matheus3301/imsync/internal/bus"
)

// waitFor drains ch until an event of kind arrives.
func waitFor(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
			return bus.Event{}
		}
	}
}

// count drains ch for d and returns how many events of kind arrived.
func count(ch <-chan bus.Event, kind string, d time.Duration) int {
	n := 0
	deadline := time.After(d)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				n++
			}
		case <-deadline:
			return n
		}
	}
}
