package repository

import (
	"context"
	"errors"
	"time"

	"meshmap/internal/domain"
)

// ErrNotFound is returned by point lookups for entities that were never
// observed.
var ErrNotFound = errors.New("not found")

// NodeUpdate carries the fields of one node observation. Nil fields are
// left untouched; each sub-record merges last-write-wins gated by its own
// stored freshness timestamp, so a late-arriving telemetry packet can never
// revert a newer position.
type NodeUpdate struct {
	SeenAt   time.Time
	HopStart *uint32
	Legacy   *bool
	Info     *domain.NodeInfo
	Position *domain.Position
	Metrics  *domain.DeviceMetrics
}

// PacketFilterMode selects which relation to a node a packet listing is
// filtered by.
type PacketFilterMode string

const (
	PacketsSentBy   PacketFilterMode = "sent_by"
	PacketsSentTo   PacketFilterMode = "sent_to"
	PacketsReceived PacketFilterMode = "received"
)

// StatsFilter scopes the aggregate packet queries.
type StatsFilter struct {
	NodeID *uint32
	Port   *domain.PortNum
	Start  *time.Time
	End    *time.Time
}

// NodePacketCount is one row of the per-node packet aggregate.
type NodePacketCount struct {
	NodeID uint32 `json:"nodeId"`
	Count  int64  `json:"count"`
}

// Store is the state store contract. All write operations are idempotent
// upserts: redelivery of the same transport message must converge to the
// same rows, and concurrent duplicate inserts resolve as updates rather
// than errors.
type Store interface {
	// UpsertNode merges one observation into a node, creating it if absent.
	UpsertNode(ctx context.Context, id uint32, upd NodeUpdate) error

	// UpsertGateway creates a gateway on first sight, else bumps last_seen.
	UpsertGateway(ctx context.Context, id uint32, observedAt time.Time) error

	// RecordPacket persists a packet and the hop that carried this sighting
	// in one transaction, so a reader never sees a packet without at least
	// one hop. The packet's immutable header fields are written once;
	// first_seen takes the minimum of all sightings. The sender's message
	// count grows only when the hop is new for its gateway. Returns whether
	// the hop was new.
	RecordPacket(ctx context.Context, pkt *domain.Packet, hop domain.Hop) (bool, error)

	// RecordGatewayNodeHear upserts the latest direct-reception metrics of
	// a gateway for a node, last-write-wins by observation time.
	RecordGatewayNodeHear(ctx context.Context, gatewayID, nodeID uint32, rssi *int32, snr *float32, observedAt time.Time) error

	// UpsertDirectLink merges one piece of link evidence into the directed
	// edge record, creating placeholder nodes for unknown endpoints. The
	// observation count always grows; metrics and source follow the
	// chronologically newest observation.
	UpsertDirectLink(ctx context.Context, obs domain.LinkObservation) error

	// Read surface, consumed by the query service only.
	ListGateways(ctx context.Context, since time.Time) ([]domain.Gateway, error)
	GetNode(ctx context.Context, id uint32) (*domain.Node, error)

	// ListNodes returns nodes seen since the given time, optionally only
	// those heard by one gateway. Each node carries its raw hop count since
	// countSince for the query service's 24h-rate fields.
	ListNodes(ctx context.Context, gatewayID *uint32, since, countSince time.Time) ([]domain.Node, error)
	GetPacket(ctx context.Context, id uint32) (*domain.Packet, error)
	ListNodePackets(ctx context.Context, nodeID uint32, mode PacketFilterMode, start, end time.Time) ([]domain.Packet, error)
	CountPacketsByPort(ctx context.Context, f StatsFilter) (map[domain.PortNum]int64, error)
	CountPacketsByNode(ctx context.Context, f StatsFilter, limit int) ([]NodePacketCount, error)
	ListDirectLinks(ctx context.Context, since time.Time) ([]domain.DirectLink, error)
	ListNodeLinks(ctx context.Context, nodeID uint32, since time.Time) ([]domain.DirectLink, error)

	Close() error
}
