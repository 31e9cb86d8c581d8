package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/loramesh/loramesh/internal/network"
	"github.com/loramesh/loramesh/internal/registry"
	"github.com/loramesh/loramesh/internal/routing"
	"github.com/loramesh/loramesh/internal/wire"
)

// DB wraps the SQLite database connection holding one node's
// persisted state.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database at path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		address INTEGER PRIMARY KEY,
		battery_level INTEGER NOT NULL,
		is_manager INTEGER NOT NULL DEFAULT 0,
		allocated_data_slots INTEGER NOT NULL DEFAULT 0,
		capabilities INTEGER NOT NULL DEFAULT 0,
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS routes (
		destination INTEGER PRIMARY KEY,
		next_hop INTEGER NOT NULL,
		hop_count INTEGER NOT NULL,
		link_quality INTEGER NOT NULL DEFAULT 0,
		allocated_data_slots INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		is_manager INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		state TEXT NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_events_timestamp ON lifecycle_events(timestamp);

	CREATE TABLE IF NOT EXISTS route_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		added INTEGER NOT NULL,
		destination INTEGER NOT NULL,
		next_hop INTEGER NOT NULL,
		hop_count INTEGER NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_route_events_timestamp ON route_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_route_events_destination ON route_events(destination);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// --- Snapshot operations ---

// ReplaceNodes overwrites the nodes table with the given snapshot,
// inside a single transaction.
func (db *DB) ReplaceNodes(nodes []NodeRecord) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM nodes"); err != nil {
		return err
	}
	stmt := `INSERT INTO nodes (address, battery_level, is_manager, allocated_data_slots, capabilities, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	for _, n := range nodes {
		if _, err := tx.Exec(stmt, n.Address, n.BatteryLevel, n.IsManager, n.AllocatedDataSlots, n.Capabilities, n.FirstSeen, n.LastSeen); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetNodes retrieves the current node snapshot, ordered by address.
func (db *DB) GetNodes() ([]NodeRecord, error) {
	rows, err := db.conn.Query(`SELECT address, battery_level, is_manager, allocated_data_slots, capabilities, first_seen, last_seen
		FROM nodes ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []NodeRecord
	for rows.Next() {
		var n NodeRecord
		if err := rows.Scan(&n.Address, &n.BatteryLevel, &n.IsManager, &n.AllocatedDataSlots, &n.Capabilities, &n.FirstSeen, &n.LastSeen); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// ReplaceRoutes overwrites the routes table with the given snapshot.
func (db *DB) ReplaceRoutes(routes []RouteRecord) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM routes"); err != nil {
		return err
	}
	stmt := `INSERT INTO routes (destination, next_hop, hop_count, link_quality, allocated_data_slots, is_active, is_manager, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	for _, r := range routes {
		if _, err := tx.Exec(stmt, r.Destination, r.NextHop, r.HopCount, r.LinkQuality, r.AllocatedDataSlots, r.IsActive, r.IsManager, r.UpdatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetRoutes retrieves the current route snapshot, ordered by
// destination.
func (db *DB) GetRoutes() ([]RouteRecord, error) {
	rows, err := db.conn.Query(`SELECT destination, next_hop, hop_count, link_quality, allocated_data_slots, is_active, is_manager, updated_at
		FROM routes ORDER BY destination`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routes []RouteRecord
	for rows.Next() {
		var r RouteRecord
		if err := rows.Scan(&r.Destination, &r.NextHop, &r.HopCount, &r.LinkQuality, &r.AllocatedDataSlots, &r.IsActive, &r.IsManager, &r.UpdatedAt); err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// --- Event log operations ---

// InsertLifecycleEvent records a lifecycle transition.
func (db *DB) InsertLifecycleEvent(state string) (int64, error) {
	result, err := db.conn.Exec("INSERT INTO lifecycle_events (state, timestamp) VALUES (?, ?)", state, time.Now())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetLifecycleEvents retrieves the most recent lifecycle events, newest
// first.
func (db *DB) GetLifecycleEvents(limit int) ([]LifecycleEvent, error) {
	rows, err := db.conn.Query("SELECT id, state, timestamp FROM lifecycle_events ORDER BY timestamp DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []LifecycleEvent
	for rows.Next() {
		var e LifecycleEvent
		if err := rows.Scan(&e.ID, &e.State, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// InsertRouteEvent records a route addition or removal.
func (db *DB) InsertRouteEvent(added bool, dest, nextHop uint16, hopCount uint8) (int64, error) {
	result, err := db.conn.Exec(
		"INSERT INTO route_events (added, destination, next_hop, hop_count, timestamp) VALUES (?, ?, ?, ?, ?)",
		added, dest, nextHop, hopCount, time.Now())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetRouteEvents retrieves the most recent route events, newest first.
func (db *DB) GetRouteEvents(limit int) ([]RouteEvent, error) {
	rows, err := db.conn.Query("SELECT id, added, destination, next_hop, hop_count, timestamp FROM route_events ORDER BY timestamp DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []RouteEvent
	for rows.Next() {
		var e RouteEvent
		if err := rows.Scan(&e.ID, &e.Added, &e.Destination, &e.NextHop, &e.HopCount, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Live wiring ---

// RecordEvents subscribes db to svc's lifecycle and route-update
// callbacks, appending to the event-log tables as they fire.
func RecordEvents(db *DB, svc *network.Service) {
	svc.OnStateChange(func(state network.ProtocolState) {
		if _, err := db.InsertLifecycleEvent(state.String()); err != nil {
			logStoreError("insert lifecycle event", err)
		}
	})
	svc.OnRouteUpdate(func(added bool, dest, nextHop wire.Address, hops uint8) {
		if _, err := db.InsertRouteEvent(added, uint16(dest), uint16(nextHop), hops); err != nil {
			logStoreError("insert route event", err)
		}
	})
}

// SnapshotNow overwrites the nodes and routes tables with the current
// state of reg and table. Call periodically (e.g. from the same timer
// that drives CheckManagerTimeout) to keep the snapshot current.
func SnapshotNow(db *DB, reg *registry.Registry, table *routing.Table) error {
	nodes := reg.SortNodes(func(a, b registry.Node) bool { return a.Address < b.Address })
	records := make([]NodeRecord, 0, len(nodes))
	for _, n := range nodes {
		records = append(records, NodeRecord{
			Address:            uint16(n.Address),
			BatteryLevel:       n.BatteryLevel,
			IsManager:          n.IsManager,
			AllocatedDataSlots: n.AllocatedDataSlots,
			Capabilities:       n.Capabilities,
			FirstSeen:          tickToTime(n.FirstSeen),
			LastSeen:           tickToTime(n.LastSeen),
		})
	}
	if err := db.ReplaceNodes(records); err != nil {
		return fmt.Errorf("replace nodes: %w", err)
	}

	entries := table.Snapshot()
	routeRecords := make([]RouteRecord, 0, len(entries))
	for _, e := range entries {
		routeRecords = append(routeRecords, RouteRecord{
			Destination:        uint16(e.Destination),
			NextHop:            uint16(e.NextHop),
			HopCount:           e.HopCount,
			LinkQuality:        e.LinkQuality,
			AllocatedDataSlots: e.AllocatedDataSlots,
			IsActive:           e.IsActive,
			IsManager:          e.IsManager,
			UpdatedAt:          tickToTime(e.LastUpdated),
		})
	}
	if err := db.ReplaceRoutes(routeRecords); err != nil {
		return fmt.Errorf("replace routes: %w", err)
	}
	return nil
}

// tickToTime renders a millisecond tick_count() reading relative to
// the process start so snapshots get a plausible wall-clock column;
// the tick counter itself has no epoch.
func tickToTime(tickMs uint32) time.Time {
	return processStart.Add(time.Duration(tickMs) * time.Millisecond)
}

var processStart = time.Now()

func logStoreError(op string, err error) {
	log.Printf("store: %s failed: %v", op, err)
}
