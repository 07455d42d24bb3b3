package server

import (
	"context"
	"testing"

	"github.com/energizer-project/energizer/internal/events"
)

func TestLagMonitorResolvesInstanceIDFromPort(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	resolve := func(port uint16) (int, bool) {
		if port == 7777 {
			return 3, true
		}
		return 0, false
	}
	lm := NewLagMonitor(bus, resolve)

	err := bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventLongFrame,
		Payload: events.LongFramePayload{Port: 7777, FrameDuration: 250},
	})
	if err != nil {
		t.Fatalf("EmitSync: %v", err)
	}

	data, ok := lm.GetPortData(7777)
	if !ok {
		t.Fatalf("expected port data for 7777")
	}
	if data.InstanceID != 3 {
		t.Fatalf("expected resolved instance id 3, got %d", data.InstanceID)
	}
	if data.TotalEvents != 1 || data.MaxDuration != 250 {
		t.Fatalf("unexpected aggregated data: %+v", data)
	}
}

func TestLagMonitorUnresolvablePortLeavesInstanceIDZero(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	lm := NewLagMonitor(bus, func(uint16) (int, bool) { return 0, false })

	if err := bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventLongFrame,
		Payload: events.LongFramePayload{Port: 9999, FrameDuration: 100},
	}); err != nil {
		t.Fatalf("EmitSync: %v", err)
	}

	data, ok := lm.GetPortData(9999)
	if !ok {
		t.Fatalf("expected port data for 9999")
	}
	if data.InstanceID != 0 {
		t.Fatalf("expected instance id to stay 0 when unresolved, got %d", data.InstanceID)
	}
}

func TestLagMonitorCheckThresholdsStampsInstanceID(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	lm := NewLagMonitor(bus, func(uint16) (int, bool) { return 5, true })
	lm.criticalThreshold = 2

	for i := 0; i < 3; i++ {
		if err := bus.EmitSync(context.Background(), events.Event{
			Type:    events.EventLongFrame,
			Payload: events.LongFramePayload{Port: 1234, FrameDuration: 50},
		}); err != nil {
			t.Fatalf("EmitSync: %v", err)
		}
	}

	alerts := lm.CheckThresholds()
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].InstanceID != 5 {
		t.Fatalf("expected alert to carry instance id 5, got %d", alerts[0].InstanceID)
	}
	if alerts[0].Level != "critical" {
		t.Fatalf("expected critical level, got %q", alerts[0].Level)
	}
}
