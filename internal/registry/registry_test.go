package registry

import (
	"testing"

	"github.com/loramesh/loramesh/internal/lmerr"
)

func TestAddAndGetNode(t *testing.T) {
	r := New(0)
	ok, err := r.AddNode(Node{Address: 1, BatteryLevel: 200, Capabilities: CapabilityRouter})
	if err != nil || !ok {
		t.Fatalf("AddNode: %v %v", ok, err)
	}
	n, found := r.Get(1)
	if !found {
		t.Fatalf("expected node to be present")
	}
	if !n.HasCapability(CapabilityRouter) {
		t.Fatalf("expected router capability")
	}
	if n.HasCapability(CapabilityGateway) {
		t.Fatalf("did not expect gateway capability")
	}
}

func TestAddNodeDuplicateIsNoop(t *testing.T) {
	r := New(0)
	if _, err := r.AddNode(Node{Address: 1}); err != nil {
		t.Fatal(err)
	}
	ok, err := r.AddNode(Node{Address: 1, BatteryLevel: 50})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected duplicate insert to be a no-op")
	}
}

func TestUpdateNodeCreatesWhenAbsent(t *testing.T) {
	r := New(0)
	changed, err := r.UpdateNode(1, 100, false, 2, CapabilitySensorNode, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatalf("expected creation to report a change")
	}
	n, _ := r.Get(1)
	if n.BatteryLevel != 100 || n.AllocatedDataSlots != 2 {
		t.Fatalf("unexpected node: %+v", n)
	}
}

func TestUpdateNodeReportsNoChangeWhenIdentical(t *testing.T) {
	r := New(0)
	if _, err := r.UpdateNode(1, 100, false, 2, 0, 10); err != nil {
		t.Fatal(err)
	}
	changed, err := r.UpdateNode(1, 100, false, 2, 0, 20)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatalf("expected identical fields to report no change")
	}
}

func TestCapacityEvictionPreservesManagers(t *testing.T) {
	r := New(1)
	if _, err := r.AddNode(Node{Address: 1, IsManager: true, LastSeen: 1}); err != nil {
		t.Fatal(err)
	}
	_, err := r.AddNode(Node{Address: 2, LastSeen: 2})
	if !lmerr.Is(err, lmerr.KindCapacityExceeded) {
		t.Fatalf("expected KindCapacityExceeded, got %v", err)
	}
}

func TestCapacityEvictionEvictsOldestNonManager(t *testing.T) {
	r := New(2)
	if _, err := r.AddNode(Node{Address: 1, LastSeen: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddNode(Node{Address: 2, LastSeen: 2}); err != nil {
		t.Fatal(err)
	}
	ok, err := r.AddNode(Node{Address: 3, LastSeen: 3})
	if err != nil || !ok {
		t.Fatalf("expected room to be made: %v %v", ok, err)
	}
	if _, present := r.Get(1); present {
		t.Fatalf("oldest node should have been evicted")
	}
}

func TestGetNodesWithCapability(t *testing.T) {
	r := New(0)
	r.AddNode(Node{Address: 1, Capabilities: CapabilityRouter | CapabilityGateway})
	r.AddNode(Node{Address: 2, Capabilities: CapabilitySensorNode})
	r.AddNode(Node{Address: 3, Capabilities: CapabilityGateway})

	gateways := r.GetNodesWithCapability(CapabilityGateway)
	if len(gateways) != 2 {
		t.Fatalf("expected 2 gateways, got %d", len(gateways))
	}
}

func TestGetNetworkManagers(t *testing.T) {
	r := New(0)
	r.AddNode(Node{Address: 1, IsManager: true})
	r.AddNode(Node{Address: 2})
	managers := r.GetNetworkManagers()
	if len(managers) != 1 || managers[0].Address != 1 {
		t.Fatalf("unexpected managers: %+v", managers)
	}
}

func TestSortNodesByBattery(t *testing.T) {
	r := New(0)
	r.AddNode(Node{Address: 1, BatteryLevel: 50})
	r.AddNode(Node{Address: 2, BatteryLevel: 200})
	r.AddNode(Node{Address: 3, BatteryLevel: 100})

	sorted := r.SortNodes(func(a, b Node) bool { return a.BatteryLevel < b.BatteryLevel })
	if len(sorted) != 3 || sorted[0].Address != 1 || sorted[1].Address != 3 || sorted[2].Address != 2 {
		t.Fatalf("unexpected order: %+v", sorted)
	}
}

func TestGetNetworkStats(t *testing.T) {
	r := New(0)
	r.AddNode(Node{Address: 1, BatteryLevel: 100, FirstSeen: 0, LastSeen: 900})
	r.AddNode(Node{Address: 2, BatteryLevel: 200, FirstSeen: 500, LastSeen: 500})

	stats := r.GetNetworkStats(1000, 200)
	if stats.NodeCount != 2 {
		t.Fatalf("expected 2 nodes, got %d", stats.NodeCount)
	}
	if stats.AverageBattery != 150 {
		t.Fatalf("expected average battery 150, got %v", stats.AverageBattery)
	}
	if stats.ActiveCount != 1 {
		t.Fatalf("expected 1 active node (within 200ms), got %d", stats.ActiveCount)
	}
	if stats.MaxAgeMs != 1000 {
		t.Fatalf("expected max age 1000, got %d", stats.MaxAgeMs)
	}
}

func TestGetNetworkStatsEmpty(t *testing.T) {
	r := New(0)
	stats := r.GetNetworkStats(1000, 200)
	if stats.NodeCount != 0 || stats.AverageBattery != 0 {
		t.Fatalf("unexpected stats for empty registry: %+v", stats)
	}
}
