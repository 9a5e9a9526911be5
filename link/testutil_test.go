package link

import (
	"testing"
	"time"

	"github.com/jingcjie/WDCableWUI/event"
)

func newTestBus(t *testing.T) (*event.Bus, <-chan event.Event) {
	t.Helper()

	bus := event.NewBus()
	t.Cleanup(bus.Close)

	events, cancel := bus.Subscribe(64)
	t.Cleanup(cancel)
	return bus, events
}

func waitForBusEvent(t *testing.T, events <-chan event.Event, eventType event.Type) event.Event {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %q", eventType)
			}
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", eventType)
		}
	}
}

func assertNoBusEvent(t *testing.T, events <-chan event.Event, eventType event.Type, window time.Duration) {
	t.Helper()

	deadline := time.After(window)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == eventType {
				t.Fatalf("unexpected %q event", eventType)
			}
		case <-deadline:
			return
		}
	}
}
