// Package registry maintains per-node metadata (capabilities, battery,
// manager status, slot allocation) for every node known to this
// protocol instance, independent of routing table next-hop state.
package registry

import (
	"sync"

	"github.com/loramesh/loramesh/internal/lmerr"
	"github.com/loramesh/loramesh/internal/wire"
)

// Capability bits, as advertised in a JOIN_REQUEST and carried on a
// node's registry entry.
const (
	CapabilityRouter        uint8 = 0x01
	CapabilityGateway       uint8 = 0x02
	CapabilityBatteryPower  uint8 = 0x04
	CapabilityHighBandwidth uint8 = 0x08
	CapabilityTimeSyncSrc   uint8 = 0x10
	CapabilitySensorNode    uint8 = 0x20
)

// Node is one entry of the registry.
type Node struct {
	Address            wire.Address
	BatteryLevel       uint8
	IsManager          bool
	AllocatedDataSlots uint8
	Capabilities       uint8
	FirstSeen          uint32
	LastSeen           uint32
}

// HasCapability reports whether n advertises cap.
func (n Node) HasCapability(capability uint8) bool {
	return n.Capabilities&capability != 0
}

// Stats is the aggregate view returned by GetNetworkStats.
type Stats struct {
	NodeCount      int
	ActiveCount    int
	AverageBattery float64
	MaxAgeMs       uint32
}

// Registry is a mutex-guarded node metadata store.
type Registry struct {
	mu       sync.Mutex
	nodes    map[wire.Address]*Node
	maxNodes int // 0 = unlimited
}

// New creates an empty registry. maxNodes of 0 means unbounded.
func New(maxNodes int) *Registry {
	return &Registry{
		nodes:    make(map[wire.Address]*Node),
		maxNodes: maxNodes,
	}
}

func (r *Registry) evictForInsertLocked() bool {
	if r.maxNodes <= 0 || len(r.nodes) < r.maxNodes {
		return true
	}
	var victim wire.Address
	var victimSeen uint32
	found := false
	for addr, n := range r.nodes {
		if n.IsManager {
			continue
		}
		if !found || n.LastSeen < victimSeen {
			victim = addr
			victimSeen = n.LastSeen
			found = true
		}
	}
	if !found {
		return false
	}
	delete(r.nodes, victim)
	return true
}

// AddNode inserts a new node entry. Returns kCapacityExceeded if the
// registry is full and every entry is a manager.
func (r *Registry) AddNode(n Node) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[n.Address]; ok {
		return false, nil
	}
	if !r.evictForInsertLocked() {
		return false, lmerr.New(lmerr.KindCapacityExceeded, "node registry full, no evictable entry")
	}
	stored := n
	r.nodes[n.Address] = &stored
	return true, nil
}

// UpdateNode upserts battery/manager/slot/capability fields for addr,
// inserting a fresh entry if none existed (bounded by the same
// capacity policy as AddNode).
func (r *Registry) UpdateNode(addr wire.Address, battery uint8, isManager bool, allocatedDataSlots, capabilities uint8, now uint32) (bool, error) {
	if battery > 100 {
		battery = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[addr]
	if !ok {
		if !r.evictForInsertLocked() {
			return false, lmerr.New(lmerr.KindCapacityExceeded, "node registry full, no evictable entry")
		}
		r.nodes[addr] = &Node{
			Address: addr, BatteryLevel: battery, IsManager: isManager,
			AllocatedDataSlots: allocatedDataSlots, Capabilities: capabilities,
			FirstSeen: now, LastSeen: now,
		}
		return true, nil
	}
	changed := n.BatteryLevel != battery || n.IsManager != isManager ||
		n.AllocatedDataSlots != allocatedDataSlots || n.Capabilities != capabilities
	n.BatteryLevel = battery
	n.IsManager = isManager
	n.AllocatedDataSlots = allocatedDataSlots
	n.Capabilities = capabilities
	n.LastSeen = now
	return changed, nil
}

// RemoveNode deletes addr's entry.
func (r *Registry) RemoveNode(addr wire.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[addr]; !ok {
		return false
	}
	delete(r.nodes, addr)
	return true
}

// Get returns a copy of addr's entry, if present.
func (r *Registry) Get(addr wire.Address) (Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[addr]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Len reports the number of nodes in the registry.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// GetNetworkManagers returns every node currently flagged as a
// network manager (normally zero or one, but never enforced here).
func (r *Registry) GetNetworkManagers() []Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Node
	for _, n := range r.nodes {
		if n.IsManager {
			out = append(out, *n)
		}
	}
	return out
}

// GetNodesWithCapability returns every node advertising cap.
func (r *Registry) GetNodesWithCapability(capability uint8) []Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Node
	for _, n := range r.nodes {
		if n.HasCapability(capability) {
			out = append(out, *n)
		}
	}
	return out
}

// SortNodes returns every node ordered by less.
func (r *Registry) SortNodes(less func(a, b Node) bool) []Node {
	r.mu.Lock()
	nodes := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, *n)
	}
	r.mu.Unlock()
	sortNodes(nodes, less)
	return nodes
}

func sortNodes(nodes []Node, less func(a, b Node) bool) {
	// insertion sort: registries are small (bounded by max_network_nodes)
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && less(nodes[j], nodes[j-1]); j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
}

// GetNetworkStats computes the aggregate view. activeTimeoutMs bounds
// what counts as "active" (now - LastSeen <= activeTimeoutMs).
func (r *Registry) GetNetworkStats(now uint32, activeTimeoutMs uint32) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s Stats
	s.NodeCount = len(r.nodes)
	if s.NodeCount == 0 {
		return s
	}
	var batterySum float64
	for _, n := range r.nodes {
		batterySum += float64(n.BatteryLevel)
		age := now - n.FirstSeen
		if age > s.MaxAgeMs {
			s.MaxAgeMs = age
		}
		if now-n.LastSeen <= activeTimeoutMs {
			s.ActiveCount++
		}
	}
	s.AverageBattery = batterySum / float64(s.NodeCount)
	return s
}
