// Package dispatcher maintains one outgoing FIFO per slot type. It is
// a pure data structure with no tasks of its own: the coordinator
// calls Enqueue as messages are produced and Extract when a slot
// transition demands one.
package dispatcher

import (
	"sync"

	"github.com/loramesh/loramesh/internal/slot"
	"github.com/loramesh/loramesh/internal/wire"
)

// Message is one queued outgoing frame paired with the slot type it
// was enqueued for.
type Message struct {
	SlotType slot.Type
	Type     wire.MessageType
	Payload  []byte
}

const defaultMaxSize = 8

// Dispatcher serializes all access to its per-slot-type FIFOs behind a
// single mutex.
type Dispatcher struct {
	mu      sync.Mutex
	queues  map[slot.Type][]Message
	maxSize int
}

// New creates a dispatcher with the default per-queue bound.
func New() *Dispatcher {
	return &Dispatcher{
		queues:  make(map[slot.Type][]Message),
		maxSize: defaultMaxSize,
	}
}

// SetMaxSize bounds every per-slot-type queue to n entries. Existing
// queues are trimmed from the front (oldest first) if they exceed n.
func (d *Dispatcher) SetMaxSize(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxSize = n
	for st, q := range d.queues {
		if len(q) > n {
			d.queues[st] = q[len(q)-n:]
		}
	}
}

// Enqueue appends msg to the FIFO for slotType. When the queue is
// already at capacity, the oldest entry is dropped to make room,
// keeping the freshest control traffic.
func (d *Dispatcher) Enqueue(slotType slot.Type, msg Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	msg.SlotType = slotType
	q := d.queues[slotType]
	if len(q) >= d.maxSize {
		q = q[1:]
	}
	d.queues[slotType] = append(q, msg)
}

// Extract pops the oldest message queued for slotType, if any.
func (d *Dispatcher) Extract(slotType slot.Type) (Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queues[slotType]
	if len(q) == 0 {
		return Message{}, false
	}
	msg := q[0]
	d.queues[slotType] = q[1:]
	return msg, true
}

// HasMessageOfType scans every queue for an already-pending message of
// the given wire type, used to avoid enqueuing duplicate control
// traffic (e.g. a second routing broadcast before the first went out).
func (d *Dispatcher) HasMessageOfType(msgType wire.MessageType) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.queues {
		for _, m := range q {
			if m.Type == msgType {
				return true
			}
		}
	}
	return false
}

// Len reports how many messages are queued for slotType.
func (d *Dispatcher) Len(slotType slot.Type) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[slotType])
}
