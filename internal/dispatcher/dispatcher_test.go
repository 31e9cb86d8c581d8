package dispatcher

import (
	"testing"

	"github.com/loramesh/loramesh/internal/slot"
	"github.com/loramesh/loramesh/internal/wire"
)

func TestEnqueueExtractFIFOOrder(t *testing.T) {
	d := New()
	d.Enqueue(slot.ControlTX, Message{Type: wire.TypeRouteTable, Payload: []byte{1}})
	d.Enqueue(slot.ControlTX, Message{Type: wire.TypeRouteTable, Payload: []byte{2}})

	m, ok := d.Extract(slot.ControlTX)
	if !ok || m.Payload[0] != 1 {
		t.Fatalf("expected first-in message, got %+v ok=%v", m, ok)
	}
	m, ok = d.Extract(slot.ControlTX)
	if !ok || m.Payload[0] != 2 {
		t.Fatalf("expected second message, got %+v ok=%v", m, ok)
	}
	if _, ok := d.Extract(slot.ControlTX); ok {
		t.Fatal("expected empty queue")
	}
}

func TestExtractDistinguishesSlotTypes(t *testing.T) {
	d := New()
	d.Enqueue(slot.TX, Message{Payload: []byte("data")})
	if _, ok := d.Extract(slot.ControlTX); ok {
		t.Fatal("expected no message for CONTROL_TX")
	}
	m, ok := d.Extract(slot.TX)
	if !ok || string(m.Payload) != "data" {
		t.Fatalf("expected data message, got %+v ok=%v", m, ok)
	}
}

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	d := New()
	d.SetMaxSize(2)
	d.Enqueue(slot.ControlTX, Message{Payload: []byte{1}})
	d.Enqueue(slot.ControlTX, Message{Payload: []byte{2}})
	d.Enqueue(slot.ControlTX, Message{Payload: []byte{3}})

	if got := d.Len(slot.ControlTX); got != 2 {
		t.Fatalf("expected 2 queued, got %d", got)
	}
	m, _ := d.Extract(slot.ControlTX)
	if m.Payload[0] != 2 {
		t.Fatalf("expected oldest entry dropped, first remaining is %v", m.Payload)
	}
}

func TestSetMaxSizeTrimsExistingQueue(t *testing.T) {
	d := New()
	d.Enqueue(slot.ControlTX, Message{Payload: []byte{1}})
	d.Enqueue(slot.ControlTX, Message{Payload: []byte{2}})
	d.Enqueue(slot.ControlTX, Message{Payload: []byte{3}})

	d.SetMaxSize(1)
	if got := d.Len(slot.ControlTX); got != 1 {
		t.Fatalf("expected 1 queued after trim, got %d", got)
	}
	m, _ := d.Extract(slot.ControlTX)
	if m.Payload[0] != 3 {
		t.Fatalf("expected only the freshest entry to survive, got %v", m.Payload)
	}
}

func TestHasMessageOfType(t *testing.T) {
	d := New()
	if d.HasMessageOfType(wire.TypeRouteTable) {
		t.Fatal("expected no pending ROUTE_TABLE message")
	}
	d.Enqueue(slot.ControlTX, Message{Type: wire.TypeRouteTable, Payload: []byte{1}})
	if !d.HasMessageOfType(wire.TypeRouteTable) {
		t.Fatal("expected pending ROUTE_TABLE message to be found")
	}
	if d.HasMessageOfType(wire.TypePing) {
		t.Fatal("did not expect a pending PING message")
	}
}
