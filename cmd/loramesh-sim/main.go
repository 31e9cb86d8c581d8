// LoRaMesh Simulator
// Drives the protocol's end-to-end convergence scenarios under
// virtual time and prints a convergence report for each node.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loramesh/loramesh/internal/config"
	"github.com/loramesh/loramesh/internal/coordinator"
	"github.com/loramesh/loramesh/internal/network"
	"github.com/loramesh/loramesh/internal/radio"
	"github.com/loramesh/loramesh/internal/rtos"
	"github.com/loramesh/loramesh/internal/wire"
)

var (
	lossRate float64
	seed     int64

	rootCmd = &cobra.Command{
		Use:   "loramesh-sim",
		Short: "LoRaMesh virtual-time scenario simulator",
		Long:  "Drives multi-node LoRaMesh convergence scenarios under virtual time and reports the outcome.",
	}

	singleCmd = &cobra.Command{
		Use:   "single",
		Short: "One node self-elects as network manager",
		RunE:  runSingle,
	}
	joinCmd = &cobra.Command{
		Use:   "join",
		Short: "A manager elects, then a second node joins it",
		RunE:  runJoin,
	}
	lineCmd = &cobra.Command{
		Use:   "line",
		Short: "3-node line A-B-C; A and C converge via B at hop_count=2",
		RunE:  runLine,
	}
	meshCmd = &cobra.Command{
		Use:   "mesh",
		Short: "5-node fully-connected mesh with lossy links",
		RunE:  runMesh,
	}
	partitionCmd = &cobra.Command{
		Use:   "partition",
		Short: "Two isolated groups elect separate managers, then merge over one bridge link",
		RunE:  runPartition,
	}
	failoverCmd = &cobra.Command{
		Use:   "failover",
		Short: "Manager disconnects; survivors detect the loss and re-elect",
		RunE:  runFailover,
	}
)

func init() {
	rootCmd.PersistentFlags().Float64Var(&lossRate, "loss", 0, "packet-loss rate applied to every link, in [0,1)")
	rootCmd.PersistentFlags().Int64Var(&seed, "seed", 1, "random seed for loss-rate decisions")

	rootCmd.AddCommand(singleCmd, joinCmd, lineCmd, meshCmd, partitionCmd, failoverCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// simNode bundles one simulated node's coordinator with its address
// for reporting.
type simNode struct {
	addr  wire.Address
	coord *coordinator.Coordinator
}

func simConfig(addr uint16) config.ProtocolConfig {
	cfg := config.Default()
	cfg.NodeAddress = addr
	cfg.SlotDurationMs = 20
	cfg.DefaultControlSlots = 2
	cfg.DefaultDiscoverySlots = 2
	cfg.DefaultDataSlots = 2
	cfg.HelloIntervalMs = 200
	cfg.RouteTimeoutMs = 2000
	cfg.NodeTimeoutMs = 4000
	return cfg
}

// discoveryTimeoutMs mirrors the coordinator's own discovery window
// (internal/coordinator's discoverySuperframes constant), computed
// here from the public config since the simulator builds its nodes
// through the same coordinator.New entry point a real node uses.
func discoveryTimeoutMs(cfg config.ProtocolConfig) uint32 {
	const discoverySuperframes = 3
	return cfg.TotalSlots() * cfg.SlotDurationMs * discoverySuperframes
}

func newNode(rt rtos.RTOS, driver radio.Driver, addr uint16) (*simNode, error) {
	cfg := simConfig(addr)
	c, err := coordinator.New(rt, driver, cfg)
	if err != nil {
		return nil, fmt.Errorf("node 0x%04X: %w", addr, err)
	}
	return &simNode{addr: wire.Address(addr), coord: c}, nil
}

func advance(v *rtos.Virtual, totalMs, stepMs uint32) {
	for advanced := uint32(0); advanced < totalMs; advanced += stepMs {
		v.AdvanceTime(stepMs)
	}
}

func startAll(ctx context.Context, nodes []*simNode) error {
	for _, n := range nodes {
		if err := n.coord.Start(ctx); err != nil {
			return fmt.Errorf("node 0x%04X: start: %w", n.addr, err)
		}
	}
	return nil
}

func stopAll(nodes []*simNode) {
	for _, n := range nodes {
		_ = n.coord.Stop()
	}
}

func printReport(title string, nodes []*simNode) {
	runID := uuid.New().String()
	fmt.Printf("=== %s (run %s) ===\n", title, runID)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tSTATE\tMANAGER\tROUTES")
	fmt.Fprintln(w, "----\t-----\t-------\t------")
	for _, n := range nodes {
		state := n.coord.Network().State()
		mgr := n.coord.Network().NetworkManagerAddress()
		fmt.Fprintf(w, "0x%04X\t%s\t0x%04X\t%d\n", n.addr, state, mgr, n.coord.Routing().Len())
	}
	w.Flush()
}

func runSingle(cmd *cobra.Command, args []string) error {
	v := rtos.NewVirtual()
	medium := radio.NewMedium(lossRate, seed)
	driver := radio.NewLoopbackDriver(medium)
	defer driver.Close()

	node, err := newNode(v, driver, 1)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := node.coord.Start(ctx); err != nil {
		return err
	}
	defer node.coord.Stop()

	timeout := discoveryTimeoutMs(simConfig(1))
	advance(v, timeout+500, 50)

	printReport("single-node election", []*simNode{node})
	if node.coord.Network().State() != network.NetworkManager {
		return fmt.Errorf("expected node to self-elect as manager, got %s", node.coord.Network().State())
	}
	return nil
}

func runJoin(cmd *cobra.Command, args []string) error {
	v := rtos.NewVirtual()
	medium := radio.NewMedium(lossRate, seed)

	managerDriver := radio.NewLoopbackDriver(medium)
	defer managerDriver.Close()
	joinerDriver := radio.NewLoopbackDriver(medium)
	defer joinerDriver.Close()

	manager, err := newNode(v, managerDriver, 1)
	if err != nil {
		return err
	}
	joiner, err := newNode(v, joinerDriver, 2)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := manager.coord.Start(ctx); err != nil {
		return err
	}
	defer manager.coord.Stop()

	timeout := discoveryTimeoutMs(simConfig(1))
	advance(v, timeout+500, 50)

	if err := joiner.coord.Start(ctx); err != nil {
		return err
	}
	defer joiner.coord.Stop()
	advance(v, timeout+3000, 50)

	printReport("two-node sequential join", []*simNode{manager, joiner})
	return nil
}

// runLine implements spec.md scenario 3: A-B-C, with A-C out of
// range, converging to a 2-hop route through B.
func runLine(cmd *cobra.Command, args []string) error {
	v := rtos.NewVirtual()
	medium := radio.NewMedium(lossRate, seed)

	da := radio.NewLoopbackDriver(medium)
	db := radio.NewLoopbackDriver(medium)
	dc := radio.NewLoopbackDriver(medium)
	defer da.Close()
	defer db.Close()
	defer dc.Close()

	medium.SetLinkFilter(func(sender, recipient *radio.LoopbackDriver) bool {
		return !(sender == da && recipient == dc) && !(sender == dc && recipient == da)
	})

	a, err := newNode(v, da, 1)
	if err != nil {
		return err
	}
	b, err := newNode(v, db, 2)
	if err != nil {
		return err
	}
	c, err := newNode(v, dc, 3)
	if err != nil {
		return err
	}
	nodes := []*simNode{a, b, c}

	ctx := context.Background()
	if err := startAll(ctx, nodes); err != nil {
		return err
	}
	defer stopAll(nodes)

	superframeMs := simConfig(1).TotalSlots() * simConfig(1).SlotDurationMs
	advance(v, superframeMs*5, 50)

	printReport("3-node line A-B-C", nodes)

	route, ok := a.coord.Routing().Get(c.addr)
	if !ok || route.HopCount != 2 {
		return fmt.Errorf("expected A to reach C in 2 hops via B, got entry=%+v ok=%v", route, ok)
	}
	return nil
}

// runMesh implements spec.md scenario 4: 5 fully-connected nodes with
// a nonzero loss rate on every link.
func runMesh(cmd *cobra.Command, args []string) error {
	v := rtos.NewVirtual()
	effectiveLoss := lossRate
	if effectiveLoss == 0 {
		effectiveLoss = 0.30
	}
	medium := radio.NewMedium(effectiveLoss, seed)

	var nodes []*simNode
	for addr := uint16(1); addr <= 5; addr++ {
		driver := radio.NewLoopbackDriver(medium)
		defer driver.Close()
		n, err := newNode(v, driver, addr)
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
	}

	ctx := context.Background()
	if err := startAll(ctx, nodes); err != nil {
		return err
	}
	defer stopAll(nodes)

	superframeMs := simConfig(1).TotalSlots() * simConfig(1).SlotDurationMs
	advance(v, superframeMs*10, 50)

	printReport("5-node lossy mesh", nodes)

	managers := 0
	normalOps := 0
	for _, n := range nodes {
		switch n.coord.Network().State() {
		case network.NetworkManager:
			managers++
		case network.NormalOperation:
			normalOps++
		}
	}
	if managers != 1 {
		return fmt.Errorf("expected exactly one NetworkManager, got %d", managers)
	}
	if normalOps < 1 {
		return fmt.Errorf("expected at least one node to reach NormalOperation, got %d", normalOps)
	}
	return nil
}

// runPartition implements spec.md scenario 5: two isolated 3-node
// groups elect independent managers, then a single bridge link is
// opened and one manager must yield.
func runPartition(cmd *cobra.Command, args []string) error {
	v := rtos.NewVirtual()
	medium := radio.NewMedium(lossRate, seed)

	groupA := []*radio.LoopbackDriver{radio.NewLoopbackDriver(medium), radio.NewLoopbackDriver(medium), radio.NewLoopbackDriver(medium)}
	groupB := []*radio.LoopbackDriver{radio.NewLoopbackDriver(medium), radio.NewLoopbackDriver(medium), radio.NewLoopbackDriver(medium)}
	for _, d := range append(append([]*radio.LoopbackDriver{}, groupA...), groupB...) {
		defer d.Close()
	}

	inGroup := func(d *radio.LoopbackDriver, group []*radio.LoopbackDriver) bool {
		for _, g := range group {
			if g == d {
				return true
			}
		}
		return false
	}
	bridge := [2]*radio.LoopbackDriver{} // set once the bridge opens

	medium.SetLinkFilter(func(sender, recipient *radio.LoopbackDriver) bool {
		if inGroup(sender, groupA) && inGroup(recipient, groupA) {
			return true
		}
		if inGroup(sender, groupB) && inGroup(recipient, groupB) {
			return true
		}
		if bridge[0] == nil {
			return false
		}
		return (sender == bridge[0] && recipient == bridge[1]) || (sender == bridge[1] && recipient == bridge[0])
	})

	var nodes []*simNode
	addr := uint16(1)
	for _, d := range groupA {
		n, err := newNode(v, d, addr)
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
		addr++
	}
	for _, d := range groupB {
		n, err := newNode(v, d, addr)
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
		addr++
	}

	ctx := context.Background()
	if err := startAll(ctx, nodes); err != nil {
		return err
	}
	defer stopAll(nodes)

	timeout := discoveryTimeoutMs(simConfig(1))
	advance(v, timeout*2, 50)
	printReport("partitioned groups (pre-merge)", nodes)

	managersBefore := 0
	for _, n := range nodes {
		if n.coord.Network().State() == network.NetworkManager {
			managersBefore++
		}
	}
	if managersBefore != 2 {
		return fmt.Errorf("expected each partition to elect its own manager (2 total), got %d", managersBefore)
	}

	// open a single bridge link between the two groups and let the
	// network managers negotiate down to one.
	bridge[0] = groupA[0]
	bridge[1] = groupB[0]
	advance(v, timeout*3, 50)

	printReport("merged network (post-bridge)", nodes)

	managersAfter := make(map[wire.Address]int)
	for _, n := range nodes {
		if n.coord.Network().State() == network.NetworkManager {
			managersAfter[n.addr]++
		}
	}
	if len(managersAfter) != 1 {
		return fmt.Errorf("expected exactly one surviving manager after merge, got %v", managersAfter)
	}
	return nil
}

// runFailover implements spec.md scenario 6: the elected manager is
// disconnected from every peer and the survivors must detect the loss
// and re-elect a different manager.
func runFailover(cmd *cobra.Command, args []string) error {
	v := rtos.NewVirtual()
	medium := radio.NewMedium(lossRate, seed)

	var nodes []*simNode
	var drivers []*radio.LoopbackDriver
	for addr := uint16(1); addr <= 5; addr++ {
		driver := radio.NewLoopbackDriver(medium)
		drivers = append(drivers, driver)
		defer driver.Close()
		n, err := newNode(v, driver, addr)
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
	}

	ctx := context.Background()
	if err := startAll(ctx, nodes); err != nil {
		return err
	}
	defer stopAll(nodes)

	superframeMs := simConfig(1).TotalSlots() * simConfig(1).SlotDurationMs
	timeout := discoveryTimeoutMs(simConfig(1))
	advance(v, timeout+superframeMs*2, 50)

	var manager *simNode
	for _, n := range nodes {
		if n.coord.Network().State() == network.NetworkManager {
			manager = n
		}
	}
	if manager == nil {
		return fmt.Errorf("expected a manager to be elected before disconnecting it")
	}
	oldManager := manager.addr

	managerDriver := drivers[int(oldManager)-1]
	medium.SetLinkFilter(func(sender, recipient *radio.LoopbackDriver) bool {
		return sender != managerDriver && recipient != managerDriver
	})

	advance(v, simConfig(1).NodeTimeoutMs+timeout*2, 50)

	printReport("post-failover", nodes)

	newManagers := 0
	for _, n := range nodes {
		if n.addr == oldManager {
			continue
		}
		if n.coord.Network().State() == network.NetworkManager {
			newManagers++
		}
	}
	if newManagers != 1 {
		return fmt.Errorf("expected exactly one new manager among survivors, got %d", newManagers)
	}
	return nil
}
