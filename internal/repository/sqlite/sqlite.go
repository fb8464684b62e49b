// Package sqlite implements the state store on SQLite with WAL mode.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"meshmap/internal/domain"
	"meshmap/internal/repository"

	_ "modernc.org/sqlite"
)

// Repository implements repository.Store using SQLite.
type Repository struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an ephemeral store.
func New(dbPath string) (*Repository, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database exists per connection; keep the pool at one so
	// every query sees the same store.
	if strings.Contains(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	repo := &Repository{db: db}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return repo, nil
}

// Close releases the underlying database handle.
func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id INTEGER PRIMARY KEY,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		hop_start INTEGER NOT NULL DEFAULT 0,
		legacy INTEGER NOT NULL DEFAULT 0,
		message_count INTEGER NOT NULL DEFAULT 0,
		info JSON,
		info_at INTEGER,
		position JSON,
		position_at INTEGER,
		metrics JSON,
		metrics_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS gateways (
		id INTEGER PRIMARY KEY,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS packets (
		id INTEGER NOT NULL,
		from_id INTEGER NOT NULL,
		to_id INTEGER NOT NULL,
		first_seen INTEGER NOT NULL,
		hop_start INTEGER NOT NULL DEFAULT 0,
		want_ack INTEGER NOT NULL DEFAULT 0,
		via_mqtt INTEGER NOT NULL DEFAULT 0,
		length INTEGER NOT NULL DEFAULT 0,
		portnum INTEGER,
		payload JSON,
		PRIMARY KEY (id, from_id, to_id)
	);

	CREATE TABLE IF NOT EXISTS packet_hops (
		packet_id INTEGER NOT NULL,
		from_id INTEGER NOT NULL,
		to_id INTEGER NOT NULL,
		gateway_id INTEGER NOT NULL,
		seen_at INTEGER NOT NULL,
		hop_limit INTEGER NOT NULL DEFAULT 0,
		rssi INTEGER,
		snr REAL,
		relay_node INTEGER,
		PRIMARY KEY (packet_id, from_id, to_id, gateway_id)
	);

	CREATE TABLE IF NOT EXISTS gateway_node_links (
		gateway_id INTEGER NOT NULL,
		node_id INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		rssi INTEGER,
		snr REAL,
		PRIMARY KEY (gateway_id, node_id)
	);

	CREATE TABLE IF NOT EXISTS direct_links (
		from_node_id INTEGER NOT NULL,
		to_node_id INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		last_snr REAL,
		last_rssi INTEGER,
		source TEXT NOT NULL,
		observation_count INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (from_node_id, to_node_id)
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_last_seen ON nodes(last_seen);
	CREATE INDEX IF NOT EXISTS idx_gateways_last_seen ON gateways(last_seen);
	CREATE INDEX IF NOT EXISTS idx_packets_first_seen ON packets(first_seen);
	CREATE INDEX IF NOT EXISTS idx_packets_from ON packets(from_id);
	CREATE INDEX IF NOT EXISTS idx_packets_to ON packets(to_id);
	CREATE INDEX IF NOT EXISTS idx_packet_hops_seen_at ON packet_hops(seen_at);
	CREATE INDEX IF NOT EXISTS idx_packet_hops_gateway ON packet_hops(gateway_id);
	CREATE INDEX IF NOT EXISTS idx_packet_hops_from ON packet_hops(from_id, seen_at);
	CREATE INDEX IF NOT EXISTS idx_direct_links_last_seen ON direct_links(last_seen);
	`

	_, err := r.db.Exec(schema)
	return err
}

// UpsertNode merges one observation into a node row. Sub-records gate on
// their own freshness timestamp; overall first/last seen take min/max so
// out-of-order delivery converges to the same row.
func (r *Repository) UpsertNode(ctx context.Context, id uint32, upd repository.NodeUpdate) error {
	seen := timeToMillis(upd.SeenAt)

	infoJSON, err := marshalToNull(upd.Info)
	if err != nil {
		return fmt.Errorf("marshal info: %w", err)
	}
	posJSON, err := marshalToNull(upd.Position)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	metricsJSON, err := marshalToNull(upd.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO nodes (id, first_seen, last_seen, hop_start, legacy,
			info, info_at, position, position_at, metrics, metrics_at)
		VALUES (?1, ?2, ?2, COALESCE(?3, 0), COALESCE(?4, 0),
			?5, CASE WHEN ?5 IS NULL THEN NULL ELSE ?2 END,
			?6, CASE WHEN ?6 IS NULL THEN NULL ELSE ?2 END,
			?7, CASE WHEN ?7 IS NULL THEN NULL ELSE ?2 END)
		ON CONFLICT(id) DO UPDATE SET
			first_seen = MIN(nodes.first_seen, ?2),
			last_seen = MAX(nodes.last_seen, ?2),
			hop_start = CASE WHEN ?3 IS NOT NULL AND ?2 >= nodes.last_seen
				THEN ?3 ELSE nodes.hop_start END,
			legacy = CASE WHEN ?4 IS NOT NULL
				THEN MIN(nodes.legacy, ?4) ELSE nodes.legacy END,
			info = CASE WHEN ?5 IS NOT NULL AND (nodes.info_at IS NULL OR ?2 >= nodes.info_at)
				THEN ?5 ELSE nodes.info END,
			info_at = CASE WHEN ?5 IS NOT NULL AND (nodes.info_at IS NULL OR ?2 >= nodes.info_at)
				THEN ?2 ELSE nodes.info_at END,
			position = CASE WHEN ?6 IS NOT NULL AND (nodes.position_at IS NULL OR ?2 >= nodes.position_at)
				THEN ?6 ELSE nodes.position END,
			position_at = CASE WHEN ?6 IS NOT NULL AND (nodes.position_at IS NULL OR ?2 >= nodes.position_at)
				THEN ?2 ELSE nodes.position_at END,
			metrics = CASE WHEN ?7 IS NOT NULL AND (nodes.metrics_at IS NULL OR ?2 >= nodes.metrics_at)
				THEN ?7 ELSE nodes.metrics END,
			metrics_at = CASE WHEN ?7 IS NOT NULL AND (nodes.metrics_at IS NULL OR ?2 >= nodes.metrics_at)
				THEN ?2 ELSE nodes.metrics_at END`,
		int64(id), seen, uint32PtrToNull(upd.HopStart), boolPtrToNull(upd.Legacy),
		infoJSON, posJSON, metricsJSON)
	if err != nil {
		return fmt.Errorf("upsert node %08x: %w", id, err)
	}
	return nil
}

// ensureNode inserts a placeholder row for a node only known as a link
// endpoint. Existing rows are left untouched.
func ensureNode(ctx context.Context, tx *sql.Tx, id uint32, seen int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (id, first_seen, last_seen) VALUES (?1, ?2, ?2)
		ON CONFLICT(id) DO NOTHING`,
		int64(id), seen)
	return err
}

// UpsertGateway creates a gateway on first sight, else widens its seen
// range.
func (r *Repository) UpsertGateway(ctx context.Context, id uint32, observedAt time.Time) error {
	seen := timeToMillis(observedAt)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO gateways (id, first_seen, last_seen) VALUES (?1, ?2, ?2)
		ON CONFLICT(id) DO UPDATE SET
			first_seen = MIN(gateways.first_seen, ?2),
			last_seen = MAX(gateways.last_seen, ?2)`,
		int64(id), seen)
	if err != nil {
		return fmt.Errorf("upsert gateway %08x: %w", id, err)
	}
	return nil
}

// RecordPacket writes the packet row and its hop in one transaction.
func (r *Repository) RecordPacket(ctx context.Context, pkt *domain.Packet, hop domain.Hop) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	payloadJSON, err := marshalToNull(pkt.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO packets (id, from_id, to_id, first_seen, hop_start,
			want_ack, via_mqtt, length, portnum, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, from_id, to_id) DO UPDATE SET
			first_seen = MIN(packets.first_seen, excluded.first_seen)`,
		int64(pkt.ID), int64(pkt.FromID), int64(pkt.ToID), timeToMillis(pkt.FirstSeen),
		int64(pkt.HopStart), boolToInt(pkt.WantAck), boolToInt(pkt.ViaMQTT),
		pkt.Length, portToNull(pkt.Port), payloadJSON)
	if err != nil {
		return false, fmt.Errorf("upsert packet %s: %w", pkt.PacketKey, err)
	}

	var exists int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM packet_hops
		WHERE packet_id = ? AND from_id = ? AND to_id = ? AND gateway_id = ?`,
		int64(pkt.ID), int64(pkt.FromID), int64(pkt.ToID), int64(hop.GatewayID)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check hop: %w", err)
	}
	newHop := exists == 0

	_, err = tx.ExecContext(ctx, `
		INSERT INTO packet_hops (packet_id, from_id, to_id, gateway_id,
			seen_at, hop_limit, rssi, snr, relay_node)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9)
		ON CONFLICT(packet_id, from_id, to_id, gateway_id) DO UPDATE SET
			seen_at = ?5, hop_limit = ?6, rssi = ?7, snr = ?8, relay_node = ?9
		WHERE ?5 >= packet_hops.seen_at`,
		int64(pkt.ID), int64(pkt.FromID), int64(pkt.ToID), int64(hop.GatewayID),
		timeToMillis(hop.SeenAt), int64(hop.HopLimit), hop.RSSI, hop.SNR,
		uint32PtrToNull(hop.RelayNode))
	if err != nil {
		return false, fmt.Errorf("upsert hop: %w", err)
	}

	// Message counts deduplicate across gateways: only the first hop from a
	// given gateway counts.
	if newHop {
		_, err = tx.ExecContext(ctx, `
			UPDATE nodes SET message_count = message_count + 1 WHERE id = ?`,
			int64(pkt.FromID))
		if err != nil {
			return false, fmt.Errorf("bump message count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return newHop, nil
}

// RecordGatewayNodeHear upserts the latest direct-hear metrics of a gateway
// for a node.
func (r *Repository) RecordGatewayNodeHear(ctx context.Context, gatewayID, nodeID uint32, rssi *int32, snr *float32, observedAt time.Time) error {
	seen := timeToMillis(observedAt)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO gateway_node_links (gateway_id, node_id, last_seen, rssi, snr)
		VALUES (?1, ?2, ?3, ?4, ?5)
		ON CONFLICT(gateway_id, node_id) DO UPDATE SET
			last_seen = ?3, rssi = ?4, snr = ?5
		WHERE ?3 >= gateway_node_links.last_seen`,
		int64(gatewayID), int64(nodeID), seen, int32PtrToNull(rssi), float32PtrToNull(snr))
	if err != nil {
		return fmt.Errorf("upsert gateway hear %08x->%08x: %w", gatewayID, nodeID, err)
	}
	return nil
}

// UpsertDirectLink merges one piece of evidence into the directed edge.
// The reverse direction is a different row and is never touched here.
func (r *Repository) UpsertDirectLink(ctx context.Context, obs domain.LinkObservation) error {
	if obs.FromNodeID == obs.ToNodeID {
		return nil
	}
	if obs.FromNodeID == domain.BroadcastAddr || obs.ToNodeID == domain.BroadcastAddr {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	seen := timeToMillis(obs.SeenAt)
	if err := ensureNode(ctx, tx, obs.FromNodeID, seen); err != nil {
		return fmt.Errorf("ensure node %08x: %w", obs.FromNodeID, err)
	}
	if err := ensureNode(ctx, tx, obs.ToNodeID, seen); err != nil {
		return fmt.Errorf("ensure node %08x: %w", obs.ToNodeID, err)
	}

	// Metrics and source follow the chronologically newest observation;
	// the count grows on every observation including late arrivals.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO direct_links (from_node_id, to_node_id, last_seen,
			last_snr, last_rssi, source, observation_count)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6, 1)
		ON CONFLICT(from_node_id, to_node_id) DO UPDATE SET
			observation_count = direct_links.observation_count + 1,
			last_snr = CASE WHEN ?3 >= direct_links.last_seen THEN ?4 ELSE direct_links.last_snr END,
			last_rssi = CASE WHEN ?3 >= direct_links.last_seen THEN ?5 ELSE direct_links.last_rssi END,
			source = CASE WHEN ?3 >= direct_links.last_seen THEN ?6 ELSE direct_links.source END,
			last_seen = MAX(direct_links.last_seen, ?3)`,
		int64(obs.FromNodeID), int64(obs.ToNodeID), seen,
		float32PtrToNull(obs.SNR), int32PtrToNull(obs.RSSI), string(obs.Source))
	if err != nil {
		return fmt.Errorf("upsert link %08x->%08x: %w", obs.FromNodeID, obs.ToNodeID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
