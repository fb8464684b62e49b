package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"meshmap/internal/domain"
)

// ============================================================================
// Time Conversion
// ============================================================================
//
// All timestamps are stored as integer unix milliseconds so the min/max and
// freshness-gate comparisons in the upsert statements are exact.

func timeToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullToTime(ni sql.NullInt64) time.Time {
	if !ni.Valid {
		return time.Time{}
	}
	return millisToTime(ni.Int64)
}

// ============================================================================
// Null Type Conversion Helpers
// ============================================================================

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func boolPtrToNull(b *bool) sql.NullInt64 {
	if b == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: boolToInt(*b), Valid: true}
}

func uint32PtrToNull(v *uint32) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func int32PtrToNull(v *int32) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func float32PtrToNull(v *float32) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: float64(*v), Valid: true}
}

func portToNull(p *domain.PortNum) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullToInt32Ptr(ni sql.NullInt64) *int32 {
	if !ni.Valid {
		return nil
	}
	v := int32(ni.Int64)
	return &v
}

func nullToUint32Ptr(ni sql.NullInt64) *uint32 {
	if !ni.Valid {
		return nil
	}
	v := uint32(ni.Int64)
	return &v
}

func nullToFloat32Ptr(nf sql.NullFloat64) *float32 {
	if !nf.Valid {
		return nil
	}
	v := float32(nf.Float64)
	return &v
}

// ============================================================================
// JSON Marshaling Helpers
// ============================================================================

// marshalToNull marshals a value to a nullable JSON string. Nil (including
// typed nil pointers inside an any) stores NULL.
func marshalToNull(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalJSONField(ns sql.NullString, target any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), target)
}

// ============================================================================
// Node Row Scanner
// ============================================================================

// nodeRow holds all columns of a node query for scanning.
type nodeRow struct {
	ID           int64
	FirstSeen    int64
	LastSeen     int64
	HopStart     int64
	Legacy       int64
	MessageCount int64
	InfoJSON     sql.NullString
	InfoAt       sql.NullInt64
	PositionJSON sql.NullString
	PositionAt   sql.NullInt64
	MetricsJSON  sql.NullString
	MetricsAt    sql.NullInt64
}

// nodeColumns is the SELECT column list matching nodeRow.scanArgs order.
const nodeColumns = `id, first_seen, last_seen, hop_start, legacy, message_count,
	info, info_at, position, position_at, metrics, metrics_at`

// nodeColumnsQualified is nodeColumns prefixed with the nodes table, for
// queries that join tables sharing column names such as last_seen.
const nodeColumnsQualified = `nodes.id, nodes.first_seen, nodes.last_seen,
	nodes.hop_start, nodes.legacy, nodes.message_count, nodes.info,
	nodes.info_at, nodes.position, nodes.position_at, nodes.metrics,
	nodes.metrics_at`

func (r *nodeRow) scanArgs() []any {
	return []any{
		&r.ID,
		&r.FirstSeen,
		&r.LastSeen,
		&r.HopStart,
		&r.Legacy,
		&r.MessageCount,
		&r.InfoJSON,
		&r.InfoAt,
		&r.PositionJSON,
		&r.PositionAt,
		&r.MetricsJSON,
		&r.MetricsAt,
	}
}

func (r *nodeRow) toDomain() (*domain.Node, error) {
	node := &domain.Node{
		ID:           uint32(r.ID),
		FirstSeen:    millisToTime(r.FirstSeen),
		LastSeen:     millisToTime(r.LastSeen),
		HopStart:     uint32(r.HopStart),
		Legacy:       r.Legacy != 0,
		MessageCount: r.MessageCount,
		InfoAt:       nullToTime(r.InfoAt),
		PosAt:        nullToTime(r.PositionAt),
		MetricsAt:    nullToTime(r.MetricsAt),
	}

	if r.InfoJSON.Valid {
		node.Info = &domain.NodeInfo{}
		if err := unmarshalJSONField(r.InfoJSON, node.Info); err != nil {
			return nil, fmt.Errorf("unmarshal info: %w", err)
		}
	}
	if r.PositionJSON.Valid {
		node.Position = &domain.Position{}
		if err := unmarshalJSONField(r.PositionJSON, node.Position); err != nil {
			return nil, fmt.Errorf("unmarshal position: %w", err)
		}
	}
	if r.MetricsJSON.Valid {
		node.Metrics = &domain.DeviceMetrics{}
		if err := unmarshalJSONField(r.MetricsJSON, node.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal metrics: %w", err)
		}
	}

	return node, nil
}

// ============================================================================
// Packet Row Scanner
// ============================================================================

type packetRow struct {
	ID          int64
	FromID      int64
	ToID        int64
	FirstSeen   int64
	HopStart    int64
	WantAck     int64
	ViaMQTT     int64
	Length      int64
	Portnum     sql.NullInt64
	PayloadJSON sql.NullString
}

// packetColumns is the SELECT column list matching packetRow.scanArgs order.
const packetColumns = `id, from_id, to_id, first_seen, hop_start, want_ack, via_mqtt, length, portnum, payload`

func (r *packetRow) scanArgs() []any {
	return []any{
		&r.ID,
		&r.FromID,
		&r.ToID,
		&r.FirstSeen,
		&r.HopStart,
		&r.WantAck,
		&r.ViaMQTT,
		&r.Length,
		&r.Portnum,
		&r.PayloadJSON,
	}
}

func (r *packetRow) toDomain() *domain.Packet {
	pkt := &domain.Packet{
		PacketKey: domain.PacketKey{
			ID:     uint32(r.ID),
			FromID: uint32(r.FromID),
			ToID:   uint32(r.ToID),
		},
		FirstSeen: millisToTime(r.FirstSeen),
		HopStart:  uint32(r.HopStart),
		WantAck:   r.WantAck != 0,
		ViaMQTT:   r.ViaMQTT != 0,
		Length:    int(r.Length),
	}
	if r.Portnum.Valid {
		p := domain.PortNum(r.Portnum.Int64)
		pkt.Port = &p
	}
	if r.PayloadJSON.Valid {
		var payload any
		if err := json.Unmarshal([]byte(r.PayloadJSON.String), &payload); err == nil {
			pkt.Payload = payload
		}
	}
	return pkt
}

// ============================================================================
// Link Row Scanner
// ============================================================================

type linkRow struct {
	FromNodeID       int64
	ToNodeID         int64
	LastSeen         int64
	LastSNR          sql.NullFloat64
	LastRSSI         sql.NullInt64
	Source           string
	ObservationCount int64
}

// linkColumns is the SELECT column list matching linkRow.scanArgs order.
const linkColumns = `from_node_id, to_node_id, last_seen, last_snr, last_rssi, source, observation_count`

func (r *linkRow) scanArgs() []any {
	return []any{
		&r.FromNodeID,
		&r.ToNodeID,
		&r.LastSeen,
		&r.LastSNR,
		&r.LastRSSI,
		&r.Source,
		&r.ObservationCount,
	}
}

func (r *linkRow) toDomain() domain.DirectLink {
	return domain.DirectLink{
		FromNodeID:       uint32(r.FromNodeID),
		ToNodeID:         uint32(r.ToNodeID),
		LastSeen:         millisToTime(r.LastSeen),
		LastSNR:          nullToFloat32Ptr(r.LastSNR),
		LastRSSI:         nullToInt32Ptr(r.LastRSSI),
		Source:           domain.LinkSource(r.Source),
		ObservationCount: r.ObservationCount,
	}
}
