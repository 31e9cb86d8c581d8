// LoRaMesh Inspect
// Command-line tool for inspecting a node's persisted store.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "loramesh-inspect",
		Short: "LoRaMesh store inspector",
		Long:  "Command-line tool for inspecting a LoRaMesh node's persisted SQLite store.",
	}

	nodesCmd = &cobra.Command{
		Use:   "nodes",
		Short: "List the current node registry snapshot",
		RunE:  listNodes,
	}

	routesCmd = &cobra.Command{
		Use:   "routes",
		Short: "List the current routing table snapshot",
		RunE:  listRoutes,
	}

	lifecycleCmd = &cobra.Command{
		Use:   "lifecycle",
		Short: "Show recent lifecycle state transitions",
		RunE:  showLifecycle,
	}

	routeEventsCmd = &cobra.Command{
		Use:   "route-events",
		Short: "Show recent route additions/removals",
		RunE:  showRouteEvents,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		RunE:  showStats,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}

	limit int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/loramesh/node.db", "Database file path")

	lifecycleCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	routeEventsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")

	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(routesCmd)
	rootCmd.AddCommand(lifecycleCmd)
	rootCmd.AddCommand(routeEventsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*sql.DB, error) {
	return sql.Open("sqlite3", dbPath+"?mode=ro")
}

func listNodes(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT address, battery_level, is_manager, allocated_data_slots, capabilities, first_seen, last_seen
		FROM nodes ORDER BY address
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDR\tBATTERY\tMANAGER\tDATA SLOTS\tCAPS\tFIRST SEEN\tLAST SEEN")
	fmt.Fprintln(w, "----\t-------\t-------\t----------\t----\t----------\t---------")

	for rows.Next() {
		var address, batteryLevel, allocatedDataSlots, capabilities int
		var isManager bool
		var firstSeen, lastSeen time.Time

		if err := rows.Scan(&address, &batteryLevel, &isManager, &allocatedDataSlots, &capabilities, &firstSeen, &lastSeen); err != nil {
			return err
		}

		fmt.Fprintf(w, "0x%04X\t%d%%\t%s\t%d\t0x%02X\t%s\t%s\n",
			address, batteryLevel, yesNo(isManager), allocatedDataSlots, capabilities,
			firstSeen.Format("01-02 15:04:05"), lastSeen.Format("01-02 15:04:05"))
	}
	w.Flush()
	return nil
}

func listRoutes(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT destination, next_hop, hop_count, link_quality, allocated_data_slots, is_active, is_manager, updated_at
		FROM routes ORDER BY destination
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEST\tNEXT HOP\tHOPS\tLQ\tDATA SLOTS\tACTIVE\tMANAGER\tUPDATED")
	fmt.Fprintln(w, "----\t--------\t----\t--\t----------\t------\t-------\t-------")

	for rows.Next() {
		var destination, nextHop, hopCount, linkQuality, allocatedDataSlots int
		var isActive, isManager bool
		var updatedAt time.Time

		if err := rows.Scan(&destination, &nextHop, &hopCount, &linkQuality, &allocatedDataSlots, &isActive, &isManager, &updatedAt); err != nil {
			return err
		}

		fmt.Fprintf(w, "0x%04X\t0x%04X\t%d\t%d\t%d\t%s\t%s\t%s\n",
			destination, nextHop, hopCount, linkQuality, allocatedDataSlots,
			yesNo(isActive), yesNo(isManager), updatedAt.Format("01-02 15:04:05"))
	}
	w.Flush()
	return nil
}

func showLifecycle(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT id, state, timestamp FROM lifecycle_events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tTIME")
	fmt.Fprintln(w, "--\t-----\t----")

	for rows.Next() {
		var id int64
		var state string
		var timestamp time.Time
		if err := rows.Scan(&id, &state, &timestamp); err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", id, state, timestamp.Format("01-02 15:04:05"))
	}
	w.Flush()
	return nil
}

func showRouteEvents(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT id, added, destination, next_hop, hop_count, timestamp
		FROM route_events ORDER BY timestamp DESC LIMIT ?
	`, limit)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOP\tDEST\tNEXT HOP\tHOPS\tTIME")
	fmt.Fprintln(w, "--\t--\t----\t--------\t----\t----")

	for rows.Next() {
		var id int64
		var added bool
		var destination, nextHop, hopCount int
		var timestamp time.Time
		if err := rows.Scan(&id, &added, &destination, &nextHop, &hopCount, &timestamp); err != nil {
			return err
		}
		op := "DEL"
		if added {
			op = "ADD"
		}
		fmt.Fprintf(w, "%d\t%s\t0x%04X\t0x%04X\t%d\t%s\n",
			id, op, destination, nextHop, hopCount, timestamp.Format("01-02 15:04:05"))
	}
	w.Flush()
	return nil
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("Store Statistics")
	fmt.Println("================")

	var nodeCount, routeCount, lifecycleCount, routeEventCount int
	db.QueryRow("SELECT COUNT(*) FROM nodes").Scan(&nodeCount)
	fmt.Printf("Nodes: %d\n", nodeCount)

	db.QueryRow("SELECT COUNT(*) FROM routes").Scan(&routeCount)
	fmt.Printf("Routes: %d\n", routeCount)

	db.QueryRow("SELECT COUNT(*) FROM lifecycle_events").Scan(&lifecycleCount)
	fmt.Printf("Lifecycle events: %d\n", lifecycleCount)

	db.QueryRow("SELECT COUNT(*) FROM route_events").Scan(&routeEventCount)
	fmt.Printf("Route events: %d\n", routeEventCount)

	return nil
}

func executeQuery(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	query := args[0]
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	fmt.Fprintln(w, strings.Repeat("-\t", len(cols)))

	values := make([]interface{}, len(cols))
	valuePtrs := make([]interface{}, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return err
		}

		var row []string
		for _, v := range values {
			switch val := v.(type) {
			case nil:
				row = append(row, "NULL")
			case []byte:
				row = append(row, string(val))
			default:
				row = append(row, fmt.Sprintf("%v", val))
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return nil
}

func yesNo(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}
