package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/loramesh/loramesh/internal/lmerr"
)

// RouteTableEntrySize is the wire size of one RoutingTableEntry.
const RouteTableEntrySize = 5

// RouteTableTrailerSize is the size of the ROUTE_TABLE typed trailer,
// before the entry list.
const RouteTableTrailerSize = 4

// RouteEntry is the 5-byte wire form of one routing table row:
// destination(2) || hop_count(1) || link_quality(1) || allocated_data_slots(1).
type RouteEntry struct {
	Destination        Address
	HopCount           uint8
	LinkQuality        uint8
	AllocatedDataSlots uint8
}

func (e RouteEntry) encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(e.Destination))
	buf[2] = e.HopCount
	buf[3] = e.LinkQuality
	buf[4] = e.AllocatedDataSlots
}

func decodeRouteEntry(buf []byte) RouteEntry {
	return RouteEntry{
		Destination:        Address(binary.LittleEndian.Uint16(buf[0:2])),
		HopCount:           buf[2],
		LinkQuality:        buf[3],
		AllocatedDataSlots: buf[4],
	}
}

// RouteTableMessage is a decoded ROUTE_TABLE frame.
type RouteTableMessage struct {
	Destination        Address
	Source             Address
	NetworkManagerAddr Address
	TableVersion       uint8
	Entries            []RouteEntry
}

// EncodeRouteTableMessage serializes m to a complete wire frame.
func EncodeRouteTableMessage(m RouteTableMessage) ([]byte, error) {
	if len(m.Entries) > 255 {
		return nil, lmerr.New(lmerr.KindSerializationError, "too many route entries for a single frame")
	}
	payload := make([]byte, RouteTableTrailerSize+len(m.Entries)*RouteTableEntrySize)
	binary.LittleEndian.PutUint16(payload[0:2], uint16(m.NetworkManagerAddr))
	payload[2] = m.TableVersion
	payload[3] = uint8(len(m.Entries))
	off := RouteTableTrailerSize
	for _, e := range m.Entries {
		e.encode(payload[off : off+RouteTableEntrySize])
		off += RouteTableEntrySize
	}
	return Encode(Frame{
		Destination: m.Destination,
		Source:      m.Source,
		Type:        TypeRouteTable,
		Payload:     payload,
	})
}

// DecodeRouteTableMessage parses a complete ROUTE_TABLE frame.
func DecodeRouteTableMessage(data []byte) (RouteTableMessage, error) {
	f, err := Decode(data)
	if err != nil {
		return RouteTableMessage{}, err
	}
	if f.Type != TypeRouteTable {
		return RouteTableMessage{}, lmerr.New(lmerr.KindMalformed, "frame is not ROUTE_TABLE")
	}
	return decodeRouteTablePayload(f)
}

func decodeRouteTablePayload(f Frame) (RouteTableMessage, error) {
	if len(f.Payload) < RouteTableTrailerSize {
		return RouteTableMessage{}, lmerr.New(lmerr.KindMalformed, "ROUTE_TABLE payload shorter than trailer")
	}
	entryCount := int(f.Payload[3])
	need := RouteTableTrailerSize + entryCount*RouteTableEntrySize
	if need > len(f.Payload) {
		return RouteTableMessage{}, lmerr.New(lmerr.KindMalformed,
			fmt.Sprintf("entry_count %d needs %d bytes, payload has %d", entryCount, need, len(f.Payload)))
	}
	m := RouteTableMessage{
		Destination:        f.Destination,
		Source:             f.Source,
		NetworkManagerAddr: Address(binary.LittleEndian.Uint16(f.Payload[0:2])),
		TableVersion:       f.Payload[2],
		Entries:            make([]RouteEntry, entryCount),
	}
	off := RouteTableTrailerSize
	for i := 0; i < entryCount; i++ {
		m.Entries[i] = decodeRouteEntry(f.Payload[off : off+RouteTableEntrySize])
		off += RouteTableEntrySize
	}
	return m, nil
}
