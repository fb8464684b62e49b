package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"meshmap/internal/domain"
	"meshmap/internal/repository"
)

// selfReportCTE names packets a gateway sent about itself that no other
// gateway heard. The stats queries exclude them so a chatty gateway's own
// uplink does not count as mesh traffic.
const selfReportCTE = `
	WITH self_reports AS (
		SELECT p.id, p.from_id, p.to_id
		FROM packets p
		JOIN gateways g ON g.id = p.from_id
		WHERE (SELECT COUNT(*) FROM packet_hops h
			WHERE h.packet_id = p.id AND h.from_id = p.from_id AND h.to_id = p.to_id) = 1
		AND (SELECT MIN(h.gateway_id) FROM packet_hops h
			WHERE h.packet_id = p.id AND h.from_id = p.from_id AND h.to_id = p.to_id) = p.from_id
	)`

// ListGateways returns gateways seen since the given time.
func (r *Repository) ListGateways(ctx context.Context, since time.Time) ([]domain.Gateway, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, first_seen, last_seen FROM gateways
		WHERE last_seen >= ? ORDER BY id`,
		timeToMillis(since))
	if err != nil {
		return nil, fmt.Errorf("query gateways: %w", err)
	}
	defer rows.Close()

	var gateways []domain.Gateway
	for rows.Next() {
		var id, first, last int64
		if err := rows.Scan(&id, &first, &last); err != nil {
			return nil, fmt.Errorf("scan gateway: %w", err)
		}
		gateways = append(gateways, domain.Gateway{
			ID:        uint32(id),
			FirstSeen: millisToTime(first),
			LastSeen:  millisToTime(last),
		})
	}
	return gateways, rows.Err()
}

// GetNode returns one node or repository.ErrNotFound.
func (r *Repository) GetNode(ctx context.Context, id uint32) (*domain.Node, error) {
	var row nodeRow
	err := r.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, int64(id)).
		Scan(row.scanArgs()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query node %08x: %w", id, err)
	}
	return row.toDomain()
}

// ListNodes returns nodes seen since the given time, optionally restricted
// to those heard by one gateway, each carrying its hop count since
// countSince.
func (r *Repository) ListNodes(ctx context.Context, gatewayID *uint32, since, countSince time.Time) ([]domain.Node, error) {
	query := `
		SELECT ` + nodeColumnsQualified + `,
			(SELECT COUNT(*) FROM packet_hops h
				WHERE h.from_id = nodes.id AND h.seen_at >= ?1) AS hops_recent
		FROM nodes`
	args := []any{timeToMillis(countSince)}

	if gatewayID != nil {
		query += `
		JOIN gateway_node_links gnl ON gnl.node_id = nodes.id AND gnl.gateway_id = ?2
		WHERE nodes.last_seen >= ?3`
		args = append(args, int64(*gatewayID), timeToMillis(since))
	} else {
		query += `
		WHERE nodes.last_seen >= ?2`
		args = append(args, timeToMillis(since))
	}
	query += ` ORDER BY nodes.last_seen DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []domain.Node
	for rows.Next() {
		var row nodeRow
		var recent int64
		if err := rows.Scan(append(row.scanArgs(), &recent)...); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		node, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		node.MessageCount24h = &recent
		nodes = append(nodes, *node)
	}
	return nodes, rows.Err()
}

// GetPacket returns the first packet matching the mesh packet id, with its
// hops ordered by remaining TTL, or repository.ErrNotFound.
func (r *Repository) GetPacket(ctx context.Context, id uint32) (*domain.Packet, error) {
	var row packetRow
	err := r.db.QueryRowContext(ctx,
		`SELECT `+packetColumns+` FROM packets WHERE id = ? LIMIT 1`, int64(id)).
		Scan(row.scanArgs()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query packet %08x: %w", id, err)
	}

	pkt := row.toDomain()
	hops, err := r.packetHops(ctx, pkt.PacketKey)
	if err != nil {
		return nil, err
	}
	pkt.Hops = hops
	return pkt, nil
}

// packetHops loads the hop observations of one packet, closest hops first.
func (r *Repository) packetHops(ctx context.Context, key domain.PacketKey) ([]domain.Hop, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT gateway_id, seen_at, hop_limit, rssi, snr, relay_node
		FROM packet_hops
		WHERE packet_id = ? AND from_id = ? AND to_id = ?
		ORDER BY hop_limit ASC`,
		int64(key.ID), int64(key.FromID), int64(key.ToID))
	if err != nil {
		return nil, fmt.Errorf("query hops: %w", err)
	}
	defer rows.Close()

	var hops []domain.Hop
	for rows.Next() {
		var gatewayID, seenAt, hopLimit int64
		var rssi sql.NullInt64
		var snr sql.NullFloat64
		var relay sql.NullInt64
		if err := rows.Scan(&gatewayID, &seenAt, &hopLimit, &rssi, &snr, &relay); err != nil {
			return nil, fmt.Errorf("scan hop: %w", err)
		}
		hop := domain.Hop{
			GatewayID: uint32(gatewayID),
			SeenAt:    millisToTime(seenAt),
			HopLimit:  uint32(hopLimit),
			RelayNode: nullToUint32Ptr(relay),
		}
		if rssi.Valid {
			hop.RSSI = int32(rssi.Int64)
		}
		if snr.Valid {
			hop.SNR = float32(snr.Float64)
		}
		hops = append(hops, hop)
	}
	return hops, rows.Err()
}

// ListNodePackets returns packets related to a node by the given mode,
// newest first, inside [start, end].
func (r *Repository) ListNodePackets(ctx context.Context, nodeID uint32, mode repository.PacketFilterMode, start, end time.Time) ([]domain.Packet, error) {
	var query string
	args := []any{timeToMillis(start), timeToMillis(end), int64(nodeID)}

	switch mode {
	case repository.PacketsSentTo:
		query = `SELECT ` + packetColumns + ` FROM packets
			WHERE first_seen >= ?1 AND first_seen <= ?2 AND to_id = ?3`
	case repository.PacketsReceived:
		query = `SELECT DISTINCT p.id, p.from_id, p.to_id, p.first_seen, p.hop_start,
				p.want_ack, p.via_mqtt, p.length, p.portnum, p.payload
			FROM packets p
			JOIN packet_hops h ON h.packet_id = p.id AND h.from_id = p.from_id AND h.to_id = p.to_id
			WHERE p.first_seen >= ?1 AND p.first_seen <= ?2 AND h.gateway_id = ?3`
	default: // sent_by
		query = `SELECT ` + packetColumns + ` FROM packets
			WHERE first_seen >= ?1 AND first_seen <= ?2 AND from_id = ?3`
	}
	query += ` ORDER BY first_seen DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query node packets: %w", err)
	}
	defer rows.Close()

	var packets []domain.Packet
	for rows.Next() {
		var row packetRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, fmt.Errorf("scan packet: %w", err)
		}
		packets = append(packets, *row.toDomain())
	}
	return packets, rows.Err()
}

// CountPacketsByPort aggregates packet counts per application port inside
// the filter scope, excluding gateway self-reports.
func (r *Repository) CountPacketsByPort(ctx context.Context, f repository.StatsFilter) (map[domain.PortNum]int64, error) {
	query := selfReportCTE + `
		SELECT p.portnum, COUNT(*) FROM packets p
		WHERE (p.id, p.from_id, p.to_id) NOT IN (SELECT id, from_id, to_id FROM self_reports)`
	args := []any{}
	query, args = appendStatsFilter(query, args, f)
	query += ` GROUP BY p.portnum`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query port stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[domain.PortNum]int64)
	for rows.Next() {
		var port sql.NullInt64
		var count int64
		if err := rows.Scan(&port, &count); err != nil {
			return nil, fmt.Errorf("scan port stat: %w", err)
		}
		// Packets that never decrypted have no port; report them as -1 so
		// the service can label them UNKNOWN.
		p := domain.PortNum(-1)
		if port.Valid {
			p = domain.PortNum(port.Int64)
		}
		stats[p] += count
	}
	return stats, rows.Err()
}

// CountPacketsByNode returns the noisiest sender nodes inside the filter
// scope, excluding gateway self-reports.
func (r *Repository) CountPacketsByNode(ctx context.Context, f repository.StatsFilter, limit int) ([]repository.NodePacketCount, error) {
	query := selfReportCTE + `
		SELECT p.from_id, COUNT(*) FROM packets p
		WHERE (p.id, p.from_id, p.to_id) NOT IN (SELECT id, from_id, to_id FROM self_reports)`
	args := []any{}
	query, args = appendStatsFilter(query, args, f)
	query += ` GROUP BY p.from_id ORDER BY COUNT(*) DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query node stats: %w", err)
	}
	defer rows.Close()

	var stats []repository.NodePacketCount
	for rows.Next() {
		var nodeID, count int64
		if err := rows.Scan(&nodeID, &count); err != nil {
			return nil, fmt.Errorf("scan node stat: %w", err)
		}
		stats = append(stats, repository.NodePacketCount{NodeID: uint32(nodeID), Count: count})
	}
	return stats, rows.Err()
}

// appendStatsFilter extends a stats query with the optional scope clauses.
func appendStatsFilter(query string, args []any, f repository.StatsFilter) (string, []any) {
	if f.NodeID != nil {
		query += ` AND (p.from_id = ? OR p.to_id = ?)`
		args = append(args, int64(*f.NodeID), int64(*f.NodeID))
	}
	if f.Port != nil {
		query += ` AND p.portnum = ?`
		args = append(args, int64(*f.Port))
	}
	if f.Start != nil {
		query += ` AND p.first_seen >= ?`
		args = append(args, timeToMillis(*f.Start))
	}
	if f.End != nil {
		query += ` AND p.first_seen <= ?`
		args = append(args, timeToMillis(*f.End))
	}
	return query, args
}

// ListDirectLinks returns directed links observed since the given time.
// Older links stay in the table; freshness is a query filter, not a
// deletion policy.
func (r *Repository) ListDirectLinks(ctx context.Context, since time.Time) ([]domain.DirectLink, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM direct_links WHERE last_seen >= ?
		ORDER BY last_seen DESC`,
		timeToMillis(since))
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()
	return scanLinks(rows)
}

// ListNodeLinks returns directed links touching one node since the given
// time, in either direction.
func (r *Repository) ListNodeLinks(ctx context.Context, nodeID uint32, since time.Time) ([]domain.DirectLink, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM direct_links
		WHERE (from_node_id = ?1 OR to_node_id = ?1) AND last_seen >= ?2
		ORDER BY last_seen DESC`,
		int64(nodeID), timeToMillis(since))
	if err != nil {
		return nil, fmt.Errorf("query node links: %w", err)
	}
	defer rows.Close()
	return scanLinks(rows)
}

func scanLinks(rows *sql.Rows) ([]domain.DirectLink, error) {
	var links []domain.DirectLink
	for rows.Next() {
		var row linkRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		links = append(links, row.toDomain())
	}
	return links, rows.Err()
}
