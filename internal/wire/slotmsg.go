package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/loramesh/loramesh/internal/lmerr"
	"github.com/loramesh/loramesh/internal/slot"
)

// slotEntrySize is the wire size of one slot allocation entry:
// slot_number(2) || type(1).
const slotEntrySize = 3

// SlotAllocationMessage carries a slot table, used both for
// SLOT_REQUEST (a node proposing slots it wants) and SLOT_ALLOCATION
// (the manager announcing a node's granted slots).
type SlotAllocationMessage struct {
	Destination Address
	Source      Address
	Type        MessageType // TypeSlotRequest or TypeSlotAllocation
	Slots       []slot.Allocation
}

// EncodeSlotAllocationMessage serializes m to a complete wire frame.
func EncodeSlotAllocationMessage(m SlotAllocationMessage) ([]byte, error) {
	if m.Type != TypeSlotRequest && m.Type != TypeSlotAllocation {
		return nil, lmerr.New(lmerr.KindInvalidArgument, "type must be SLOT_REQUEST or SLOT_ALLOCATION")
	}
	if len(m.Slots) > 255 {
		return nil, lmerr.New(lmerr.KindSerializationError, "too many slot entries for a single frame")
	}
	payload := make([]byte, 1+len(m.Slots)*slotEntrySize)
	payload[0] = uint8(len(m.Slots))
	off := 1
	for _, s := range m.Slots {
		binary.LittleEndian.PutUint16(payload[off:off+2], s.SlotNumber)
		payload[off+2] = uint8(s.Type)
		off += slotEntrySize
	}
	return Encode(Frame{
		Destination: m.Destination,
		Source:      m.Source,
		Type:        m.Type,
		Payload:     payload,
	})
}

// DecodeSlotAllocationMessage parses a complete SLOT_REQUEST or
// SLOT_ALLOCATION frame.
func DecodeSlotAllocationMessage(data []byte) (SlotAllocationMessage, error) {
	f, err := Decode(data)
	if err != nil {
		return SlotAllocationMessage{}, err
	}
	if f.Type != TypeSlotRequest && f.Type != TypeSlotAllocation {
		return SlotAllocationMessage{}, lmerr.New(lmerr.KindMalformed, "frame is not SLOT_REQUEST/SLOT_ALLOCATION")
	}
	if len(f.Payload) < 1 {
		return SlotAllocationMessage{}, lmerr.New(lmerr.KindMalformed, "slot allocation payload too short")
	}
	count := int(f.Payload[0])
	need := 1 + count*slotEntrySize
	if need > len(f.Payload) {
		return SlotAllocationMessage{}, lmerr.New(lmerr.KindMalformed,
			fmt.Sprintf("slot count %d needs %d bytes, payload has %d", count, need, len(f.Payload)))
	}
	m := SlotAllocationMessage{
		Destination: f.Destination,
		Source:      f.Source,
		Type:        f.Type,
		Slots:       make([]slot.Allocation, count),
	}
	off := 1
	for i := 0; i < count; i++ {
		m.Slots[i] = slot.Allocation{
			SlotNumber: binary.LittleEndian.Uint16(f.Payload[off : off+2]),
			Type:       slot.Type(f.Payload[off+2]),
		}
		off += slotEntrySize
	}
	return m, nil
}

// PingMessage is a minimal liveness/RTT probe.
type PingMessage struct {
	Destination Address
	Source      Address
	Sequence    uint16
}

// EncodePingMessage serializes m to a complete wire frame.
func EncodePingMessage(m PingMessage) ([]byte, error) {
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, m.Sequence)
	return Encode(Frame{
		Destination: m.Destination,
		Source:      m.Source,
		Type:        TypePing,
		Payload:     payload,
	})
}

// DecodePingMessage parses a complete PING frame.
func DecodePingMessage(data []byte) (PingMessage, error) {
	f, err := Decode(data)
	if err != nil {
		return PingMessage{}, err
	}
	if f.Type != TypePing {
		return PingMessage{}, lmerr.New(lmerr.KindMalformed, "frame is not PING")
	}
	if len(f.Payload) < 2 {
		return PingMessage{}, lmerr.New(lmerr.KindMalformed, "PING payload too short")
	}
	return PingMessage{
		Destination: f.Destination,
		Source:      f.Source,
		Sequence:    binary.LittleEndian.Uint16(f.Payload[0:2]),
	}, nil
}

// EncodeDataMessage serializes an opaque application payload as a
// DATA frame. The core never interprets this payload.
func EncodeDataMessage(dest, src Address, payload []byte) ([]byte, error) {
	return Encode(Frame{Destination: dest, Source: src, Type: TypeData, Payload: payload})
}
