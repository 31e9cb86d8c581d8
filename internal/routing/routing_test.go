package routing

import (
	"testing"

	"github.com/loramesh/loramesh/internal/lmerr"
	"github.com/loramesh/loramesh/internal/wire"
)

func TestFindNextHopSelf(t *testing.T) {
	tbl := New(Config{SelfAddress: 1})
	hop, ok := tbl.FindNextHop(1)
	if !ok || hop != 1 {
		t.Fatalf("expected self, got %v %v", hop, ok)
	}
}

func TestFindNextHopUnreachable(t *testing.T) {
	tbl := New(Config{SelfAddress: 1})
	_, ok := tbl.FindNextHop(2)
	if ok {
		t.Fatalf("expected unreachable")
	}
}

func TestUpdateRouteRejectsExcessiveHopCount(t *testing.T) {
	tbl := New(Config{SelfAddress: 1, MaxHops: 3})
	changed, err := tbl.UpdateRoute(2, 3, 4, 255, 0, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed {
		t.Fatalf("expected route to be rejected")
	}
	if _, ok := tbl.Get(3); ok {
		t.Fatalf("rejected route must not be inserted")
	}
}

func TestRouteSelectionPolicyPrefersLowerHopCount(t *testing.T) {
	tbl := New(Config{SelfAddress: 1})
	if _, err := tbl.UpdateRoute(2, 3, 3, 200, 0, 100); err != nil {
		t.Fatal(err)
	}
	changed, err := tbl.UpdateRoute(4, 3, 1, 100, 0, 101)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatalf("expected lower hop count to win")
	}
	e, _ := tbl.Get(3)
	if e.NextHop != 4 || e.HopCount != 1 {
		t.Fatalf("unexpected winning route: %+v", e)
	}
}

func TestRouteSelectionPolicyTieBreaksOnQuality(t *testing.T) {
	tbl := New(Config{SelfAddress: 1})
	if _, err := tbl.UpdateRoute(2, 3, 2, 100, 0, 100); err != nil {
		t.Fatal(err)
	}
	changed, err := tbl.UpdateRoute(4, 3, 2, 200, 0, 101)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatalf("expected higher quality to win on tie")
	}
	e, _ := tbl.Get(3)
	if e.NextHop != 4 {
		t.Fatalf("unexpected winning route: %+v", e)
	}
}

func TestRouteSelectionIdempotence(t *testing.T) {
	tbl := New(Config{SelfAddress: 1})
	if _, err := tbl.UpdateRoute(2, 3, 2, 150, 0, 100); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		changed, err := tbl.UpdateRoute(2, 3, 2, 150, 0, uint32(101+i))
		if err != nil {
			t.Fatal(err)
		}
		if changed {
			t.Fatalf("repeated identical update must not change the table (iteration %d)", i)
		}
	}
}

func TestCapacityEvictionEvictsOldestNonManager(t *testing.T) {
	tbl := New(Config{SelfAddress: 1, MaxNodes: 2})
	if _, err := tbl.AddNode(Entry{Destination: 2, NextHop: 2, LastSeen: 100}); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.AddNode(Entry{Destination: 3, NextHop: 3, LastSeen: 200}); err != nil {
		t.Fatal(err)
	}
	ok, err := tbl.AddNode(Entry{Destination: 4, NextHop: 4, LastSeen: 300})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("expected eviction to make room")
	}
	if _, present := tbl.Get(2); present {
		t.Fatalf("oldest entry should have been evicted")
	}
	if _, present := tbl.Get(3); !present {
		t.Fatalf("newer entry should survive")
	}
	if _, present := tbl.Get(4); !present {
		t.Fatalf("inserted entry should be present")
	}
}

func TestCapacityEvictionFailsWhenAllManagers(t *testing.T) {
	tbl := New(Config{SelfAddress: 1, MaxNodes: 1})
	if _, err := tbl.AddNode(Entry{Destination: 2, NextHop: 2, IsManager: true, LastSeen: 100}); err != nil {
		t.Fatal(err)
	}
	_, err := tbl.AddNode(Entry{Destination: 3, NextHop: 3, LastSeen: 200})
	if !lmerr.Is(err, lmerr.KindCapacityExceeded) {
		t.Fatalf("expected KindCapacityExceeded, got %v", err)
	}
}

func TestRemoveInactiveTwoPhase(t *testing.T) {
	tbl := New(Config{SelfAddress: 1})
	if _, err := tbl.UpdateRoute(2, 2, 1, 255, 0, 0); err != nil {
		t.Fatal(err)
	}
	removed := tbl.RemoveInactive(100, 50, 1000)
	if removed != 0 {
		t.Fatalf("expected no deletions yet, got %d", removed)
	}
	e, _ := tbl.Get(2)
	if e.IsActive {
		t.Fatalf("expected route to be deactivated")
	}
	removed = tbl.RemoveInactive(2000, 50, 1000)
	if removed != 1 {
		t.Fatalf("expected entry to be deleted, got %d removed", removed)
	}
	if _, ok := tbl.Get(2); ok {
		t.Fatalf("entry should be gone after node_timeout")
	}
}

func TestLinkQualityEstimator(t *testing.T) {
	tbl := New(Config{SelfAddress: 1})
	for i := 0; i < 10; i++ {
		tbl.ExpectMessage(2)
	}
	for i := 0; i < 8; i++ {
		tbl.ReceivedMessage(2, 200)
	}
	q := tbl.CalculateQuality(2)
	local := uint8(255 * 8 / 10)
	want := uint8((uint16(local) + 200) / 2)
	if q != want {
		t.Fatalf("quality = %d, want %d", q, want)
	}
}

func TestLinkQualityZeroExpected(t *testing.T) {
	tbl := New(Config{SelfAddress: 1})
	if q := tbl.CalculateQuality(2); q != 0 {
		t.Fatalf("expected 0 quality with no samples, got %d", q)
	}
}

// TestProcessRoutingTableMessageConvergesOnLine simulates A—B—C converging via routing-table
// broadcasts, mirroring end-to-end scenario 3.
func TestProcessRoutingTableMessageConvergesOnLine(t *testing.T) {
	a := New(Config{SelfAddress: 1, MaxHops: 10})
	b := New(Config{SelfAddress: 2, MaxHops: 10})
	c := New(Config{SelfAddress: 3, MaxHops: 10})

	now := uint32(0)
	for round := 0; round < 5; round++ {
		now += 100
		a.ProcessRoutingTableMessage(2, b.RoutingEntriesForBroadcast(2), now, 255, 10)
		c.ProcessRoutingTableMessage(2, b.RoutingEntriesForBroadcast(2), now, 255, 10)
		b.ProcessRoutingTableMessage(1, a.RoutingEntriesForBroadcast(1), now, 255, 10)
		b.ProcessRoutingTableMessage(3, c.RoutingEntriesForBroadcast(3), now, 255, 10)
	}

	eAC, ok := a.Get(3)
	if !ok || !eAC.IsActive {
		t.Fatalf("A should have a route to C")
	}
	if eAC.NextHop != 2 || eAC.HopCount != 2 {
		t.Fatalf("A->C route wrong: %+v", eAC)
	}

	eCA, ok := c.Get(1)
	if !ok || !eCA.IsActive {
		t.Fatalf("C should have a route to A")
	}
	if eCA.NextHop != 2 || eCA.HopCount != 2 {
		t.Fatalf("C->A route wrong: %+v", eCA)
	}
}

func TestProcessRoutingTableMessageSkipsSelfAndReserved(t *testing.T) {
	tbl := New(Config{SelfAddress: 1, MaxHops: 10})
	entries := []wire.RouteEntry{
		{Destination: 1, HopCount: 1, LinkQuality: 255},
		{Destination: wire.AddressNone, HopCount: 1, LinkQuality: 255},
		{Destination: 5, HopCount: 1, LinkQuality: 255},
	}
	tbl.ProcessRoutingTableMessage(2, entries, 100, 255, 10)
	if _, ok := tbl.Get(1); ok {
		t.Fatalf("must not insert a route to self")
	}
	if _, ok := tbl.Get(wire.AddressNone); ok {
		t.Fatalf("must not insert a route to the reserved none address")
	}
	if _, ok := tbl.Get(5); !ok {
		t.Fatalf("expected route to 5 via neighbor 2")
	}
}
