// Package routing implements the distance-vector routing table: route
// selection, link-quality estimation, convergence on received
// ROUTE_TABLE frames, and capacity-bounded eviction.
package routing

import (
	"sync"

	"github.com/loramesh/loramesh/internal/lmerr"
	"github.com/loramesh/loramesh/internal/wire"
)

// Entry is one row of the routing table.
type Entry struct {
	Destination        wire.Address
	NextHop            wire.Address
	HopCount           uint8
	LinkQuality        uint8
	AllocatedDataSlots uint8
	IsActive           bool
	IsManager          bool
	LastUpdated        uint32 // tick_count() ms at last field change
	LastSeen           uint32 // tick_count() ms at last reception naming this node
}

// RouteUpdateKind distinguishes the two callback events.
type RouteUpdateKind int

const (
	RouteAdded RouteUpdateKind = iota
	RouteRemoved
)

// RouteUpdate is delivered to the on_route_update callback.
type RouteUpdate struct {
	Kind     RouteUpdateKind
	Dest     wire.Address
	NextHop  wire.Address
	HopCount uint8
}

// elapsed returns now-older as an unsigned 32-bit wraparound
// difference, correct even when the millisecond tick counter has
// wrapped between the two samples.
func elapsed(now, older uint32) uint32 {
	return now - older
}

// Config bounds the table's behavior.
type Config struct {
	SelfAddress wire.Address
	MaxHops     uint8 // default 10 if zero
	MaxNodes    int   // 0 = unlimited
}

// Table is a mutex-guarded distance-vector routing table.
type Table struct {
	mu            sync.Mutex
	self          wire.Address
	maxHops       uint8
	maxNodes      int
	entries       map[wire.Address]*Entry
	quality       map[wire.Address]*linkEstimator
	onRouteUpdate func(RouteUpdate)
}

// New creates an empty table for cfg.
func New(cfg Config) *Table {
	maxHops := cfg.MaxHops
	if maxHops == 0 {
		maxHops = 10
	}
	return &Table{
		self:    cfg.SelfAddress,
		maxHops: maxHops,
		maxNodes: cfg.MaxNodes,
		entries: make(map[wire.Address]*Entry),
		quality: make(map[wire.Address]*linkEstimator),
	}
}

// OnRouteUpdate registers the callback invoked for every insert or
// removal. It is called with the table's mutex released.
func (t *Table) OnRouteUpdate(fn func(RouteUpdate)) {
	t.mu.Lock()
	t.onRouteUpdate = fn
	t.mu.Unlock()
}

// FindNextHop returns the next hop toward dest, or AddressNone if
// unreachable. Returns self if dest is self.
func (t *Table) FindNextHop(dest wire.Address) (wire.Address, bool) {
	if dest == t.self {
		return t.self, true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[dest]
	if !ok || !e.IsActive {
		return wire.AddressNone, false
	}
	return e.NextHop, true
}

// betterRoute implements the route-selection policy: a wins over b.
func betterRoute(a, b *Entry) bool {
	if a.IsActive != b.IsActive {
		return a.IsActive
	}
	if !a.IsActive {
		return false
	}
	if a.HopCount != b.HopCount {
		return a.HopCount < b.HopCount
	}
	if a.LinkQuality != b.LinkQuality {
		return a.LinkQuality > b.LinkQuality
	}
	return false // identical on all three: no change
}

// evictForInsert makes room for one more entry if the table is at
// capacity. Returns false if no entry could be evicted.
func (t *Table) evictForInsert() bool {
	if t.maxNodes <= 0 || len(t.entries) < t.maxNodes {
		return true
	}
	var victim wire.Address
	var victimSeen uint32
	found := false
	for addr, e := range t.entries {
		if e.IsManager {
			continue
		}
		if !found || e.LastSeen < victimSeen {
			victim = addr
			victimSeen = e.LastSeen
			found = true
		}
	}
	if !found {
		return false
	}
	delete(t.entries, victim)
	delete(t.quality, victim)
	return true
}

// UpdateRoute upserts a route toward dest via next-hop src (the link
// quality is clamped by the quality of the hop to src itself, since a
// route is never better than its weakest hop; a quality of 0 toward src
// means no measurement yet and does not clamp). Routes exceeding
// maxHops are rejected.
func (t *Table) UpdateRoute(src, dest wire.Address, hopCount, linkQuality uint8, allocatedDataSlots uint8, now uint32) (bool, error) {
	if hopCount > t.maxHops {
		return false, nil
	}
	t.mu.Lock()

	linkToSrc := t.compositeQualityLocked(src)
	clamped := linkQuality
	if linkToSrc != 0 && linkToSrc < clamped {
		clamped = linkToSrc
	}

	candidate := &Entry{
		Destination:        dest,
		NextHop:            src,
		HopCount:           hopCount,
		LinkQuality:        clamped,
		AllocatedDataSlots: allocatedDataSlots,
		IsActive:           true,
		LastUpdated:        now,
		LastSeen:           now,
	}

	existing, had := t.entries[dest]
	if !had {
		if !t.evictForInsert() {
			t.mu.Unlock()
			return false, lmerr.New(lmerr.KindCapacityExceeded, "routing table full, no evictable entry")
		}
		t.entries[dest] = candidate
		t.mu.Unlock()
		t.notify(RouteUpdate{Kind: RouteAdded, Dest: dest, NextHop: src, HopCount: hopCount})
		return true, nil
	}

	candidate.IsManager = existing.IsManager
	if !betterRoute(candidate, existing) {
		existing.LastSeen = now
		t.mu.Unlock()
		return false, nil
	}
	changed := existing.NextHop != candidate.NextHop || existing.HopCount != candidate.HopCount ||
		existing.LinkQuality != candidate.LinkQuality || !existing.IsActive
	*existing = *candidate
	t.mu.Unlock()
	if changed {
		t.notify(RouteUpdate{Kind: RouteAdded, Dest: dest, NextHop: src, HopCount: hopCount})
	}
	return changed, nil
}

// AddNode registers entry directly (used when a node is discovered
// through means other than a routing-table message, e.g. a JOIN).
func (t *Table) AddNode(e Entry) (bool, error) {
	t.mu.Lock()
	if _, had := t.entries[e.Destination]; had {
		t.mu.Unlock()
		return false, nil
	}
	if !t.evictForInsert() {
		t.mu.Unlock()
		return false, lmerr.New(lmerr.KindCapacityExceeded, "routing table full, no evictable entry")
	}
	stored := e
	t.entries[e.Destination] = &stored
	t.mu.Unlock()
	t.notify(RouteUpdate{Kind: RouteAdded, Dest: e.Destination, NextHop: e.NextHop, HopCount: e.HopCount})
	return true, nil
}

// UpdateNode updates the manager flag and bookkeeping fields of an
// existing entry without touching its route.
func (t *Table) UpdateNode(addr wire.Address, isManager bool, allocatedDataSlots uint8, now uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[addr]
	if !ok {
		return false
	}
	changed := e.IsManager != isManager || e.AllocatedDataSlots != allocatedDataSlots
	e.IsManager = isManager
	e.AllocatedDataSlots = allocatedDataSlots
	e.LastSeen = now
	if changed {
		e.LastUpdated = now
	}
	return changed
}

// RemoveNode deletes addr's entry unconditionally.
func (t *Table) RemoveNode(addr wire.Address) bool {
	t.mu.Lock()
	e, ok := t.entries[addr]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.entries, addr)
	delete(t.quality, addr)
	t.mu.Unlock()
	t.notify(RouteUpdate{Kind: RouteRemoved, Dest: addr, NextHop: e.NextHop, HopCount: e.HopCount})
	return true
}

// RemoveInactive runs the two-phase aging sweep: routes older than
// routeTimeoutMs (by LastUpdated) are marked inactive; entries not
// seen at all for nodeTimeoutMs (by LastSeen) are deleted outright.
// Returns the count of entries deleted in the second phase.
func (t *Table) RemoveInactive(now uint32, routeTimeoutMs, nodeTimeoutMs uint32) int {
	t.mu.Lock()
	var deactivated, removed []RouteUpdate
	for addr, e := range t.entries {
		if e.IsActive && elapsed(now, e.LastUpdated) > routeTimeoutMs {
			e.IsActive = false
			deactivated = append(deactivated, RouteUpdate{Kind: RouteRemoved, Dest: addr, NextHop: e.NextHop, HopCount: e.HopCount})
		}
	}
	for addr, e := range t.entries {
		if elapsed(now, e.LastSeen) > nodeTimeoutMs {
			removed = append(removed, RouteUpdate{Kind: RouteRemoved, Dest: addr, NextHop: e.NextHop, HopCount: e.HopCount})
			delete(t.entries, addr)
			delete(t.quality, addr)
		}
	}
	t.mu.Unlock()
	for _, u := range deactivated {
		t.notify(u)
	}
	for _, u := range removed {
		t.notify(u)
	}
	return len(removed)
}

// ProcessRoutingTableMessage folds a received ROUTE_TABLE frame's
// entries into the table per the convergence algorithm: the sender
// becomes (or is refreshed as) a direct neighbor, then each advertised
// entry is considered as a candidate route one hop further away.
func (t *Table) ProcessRoutingTableMessage(source wire.Address, entries []wire.RouteEntry, receptionTS uint32, remoteReportedQuality uint8, maxHops uint8) bool {
	t.ReceivedMessage(source, remoteReportedQuality)

	changedAny := false
	changed, err := t.UpdateRoute(source, source, 1, 255, 0, receptionTS)
	if err == nil && changed {
		changedAny = true
	}
	t.mu.Lock()
	if e, ok := t.entries[source]; ok {
		e.LastSeen = receptionTS
		e.LastUpdated = receptionTS
		e.IsActive = true
	}
	sourceQuality := t.compositeQualityLocked(source)
	t.mu.Unlock()

	for _, entry := range entries {
		if entry.Destination == t.self || entry.Destination == wire.AddressNone {
			continue
		}
		hopCount := entry.HopCount + 1
		if hopCount > maxHops {
			continue
		}
		candidateQuality := entry.LinkQuality
		if sourceQuality < candidateQuality {
			candidateQuality = sourceQuality
		}
		changed, err := t.UpdateRoute(source, entry.Destination, hopCount, candidateQuality, entry.AllocatedDataSlots, receptionTS)
		if err != nil {
			continue // kCapacityExceeded: skip this candidate, table stays consistent
		}
		if changed {
			changedAny = true
		}
	}
	return changedAny
}

// RoutingEntriesForBroadcast returns the active entries suitable for
// advertising in an outgoing ROUTE_TABLE frame, excluding the
// self-referential entry identified by exclude (normally self).
func (t *Table) RoutingEntriesForBroadcast(exclude wire.Address) []wire.RouteEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]wire.RouteEntry, 0, len(t.entries))
	for addr, e := range t.entries {
		if addr == exclude || !e.IsActive {
			continue
		}
		out = append(out, wire.RouteEntry{
			Destination:        addr,
			HopCount:           e.HopCount,
			LinkQuality:        e.LinkQuality,
			AllocatedDataSlots: e.AllocatedDataSlots,
		})
	}
	return out
}

// Snapshot returns a copy of every entry in the table.
func (t *Table) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	return out
}

// Get returns a copy of the entry for addr, if present.
func (t *Table) Get(addr wire.Address) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[addr]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the current number of entries in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) notify(u RouteUpdate) {
	t.mu.Lock()
	fn := t.onRouteUpdate
	t.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}
