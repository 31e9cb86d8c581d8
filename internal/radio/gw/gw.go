// Package gw defines the hand-rolled, protobuf-free wire structures
// exchanged with a gateway process over ZeroMQ: an uplink carries a
// received frame plus its radio metadata, a downlink carries a frame
// to transmit. Narrowed from a ChirpStack-style gateway protocol down
// to exactly what LoRaMesh needs: payload bytes, RSSI, and SNR.
package gw

import (
	"encoding/binary"
	"fmt"
)

// UplinkFrame is a single received radio frame plus its link metrics.
type UplinkFrame struct {
	Payload []byte
	RSSI    int8
	SNR     int8
}

// MarshalBinary encodes an UplinkFrame as rssi(1) || snr(1) || len(2) || payload.
func (f UplinkFrame) MarshalBinary() ([]byte, error) {
	if len(f.Payload) > 0xFFFF {
		return nil, fmt.Errorf("uplink payload too large: %d bytes", len(f.Payload))
	}
	buf := make([]byte, 4+len(f.Payload))
	buf[0] = byte(f.RSSI)
	buf[1] = byte(f.SNR)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(f.Payload)))
	copy(buf[4:], f.Payload)
	return buf, nil
}

// UnmarshalBinary decodes an UplinkFrame produced by MarshalBinary.
func (f *UplinkFrame) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("uplink frame too short: %d bytes", len(data))
	}
	rssi := int8(data[0])
	snr := int8(data[1])
	n := binary.LittleEndian.Uint16(data[2:4])
	if int(n) > len(data)-4 {
		return fmt.Errorf("uplink frame declares %d payload bytes, only %d present", n, len(data)-4)
	}
	payload := make([]byte, n)
	copy(payload, data[4:4+n])
	f.RSSI = rssi
	f.SNR = snr
	f.Payload = payload
	return nil
}

// DownlinkFrame is a frame queued for transmission by the gateway.
type DownlinkFrame struct {
	Payload []byte
}

// MarshalBinary encodes a DownlinkFrame as len(2) || payload.
func (f DownlinkFrame) MarshalBinary() ([]byte, error) {
	if len(f.Payload) > 0xFFFF {
		return nil, fmt.Errorf("downlink payload too large: %d bytes", len(f.Payload))
	}
	buf := make([]byte, 2+len(f.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(f.Payload)))
	copy(buf[2:], f.Payload)
	return buf, nil
}

// UnmarshalBinary decodes a DownlinkFrame produced by MarshalBinary.
func (f *DownlinkFrame) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("downlink frame too short: %d bytes", len(data))
	}
	n := binary.LittleEndian.Uint16(data[0:2])
	if int(n) > len(data)-2 {
		return fmt.Errorf("downlink frame declares %d payload bytes, only %d present", n, len(data)-2)
	}
	payload := make([]byte, n)
	copy(payload, data[2:2+n])
	f.Payload = payload
	return nil
}
