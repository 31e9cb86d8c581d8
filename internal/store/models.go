// Package store provides SQLite persistence for a node's registry and
// routing-table snapshots and its lifecycle/route event history, read
// back by an inspection tool.
package store

import "time"

// NodeRecord is a persisted snapshot of one registry entry.
type NodeRecord struct {
	Address            uint16    `json:"address"`
	BatteryLevel       uint8     `json:"battery_level"`
	IsManager          bool      `json:"is_manager"`
	AllocatedDataSlots uint8     `json:"allocated_data_slots"`
	Capabilities       uint8     `json:"capabilities"`
	FirstSeen          time.Time `json:"first_seen"`
	LastSeen           time.Time `json:"last_seen"`
}

// RouteRecord is a persisted snapshot of one routing-table entry.
type RouteRecord struct {
	Destination        uint16    `json:"destination"`
	NextHop            uint16    `json:"next_hop"`
	HopCount           uint8     `json:"hop_count"`
	LinkQuality        uint8     `json:"link_quality"`
	AllocatedDataSlots uint8     `json:"allocated_data_slots"`
	IsActive           bool      `json:"is_active"`
	IsManager          bool      `json:"is_manager"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// LifecycleEvent is one recorded state transition.
type LifecycleEvent struct {
	ID        int64     `json:"id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// RouteEvent is one recorded route addition or removal.
type RouteEvent struct {
	ID          int64     `json:"id"`
	Added       bool      `json:"added"`
	Destination uint16    `json:"destination"`
	NextHop     uint16    `json:"next_hop"`
	HopCount    uint8     `json:"hop_count"`
	Timestamp   time.Time `json:"timestamp"`
}
