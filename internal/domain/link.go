package domain

import "time"

// LinkSource identifies the kind of evidence behind a direct link
// observation.
type LinkSource string

const (
	// LinkSourceMQTTHear: a gateway heard the packet with its full TTL
	// budget intact, so the sender is in radio range of the gateway.
	LinkSourceMQTTHear LinkSource = "mqtt_hear"

	// LinkSourceNeighborInfo: the node itself reported the neighbor in a
	// NeighborInfo broadcast.
	LinkSourceNeighborInfo LinkSource = "neighbor_info"

	// LinkSourceTraceroute: the pair appeared adjacent in a traceroute
	// route or route_back sequence.
	LinkSourceTraceroute LinkSource = "traceroute"
)

// DirectLink is a directed radio-range edge between two nodes. The reverse
// direction is always a separate record; merging for display happens at
// query time only.
//
// LastSNR/LastRSSI/Source always describe the chronologically newest
// observation regardless of evidence kind. ObservationCount grows on every
// observation, including out-of-order ones, and is never reset.
type DirectLink struct {
	FromNodeID       uint32     `json:"from_node_id"`
	ToNodeID         uint32     `json:"to_node_id"`
	LastSeen         time.Time  `json:"last_seen"`
	LastSNR          *float32   `json:"last_snr,omitempty"`
	LastRSSI         *int32     `json:"last_rssi,omitempty"`
	Source           LinkSource `json:"source"`
	ObservationCount int64      `json:"observation_count"`
}

// LinkObservation is one piece of direct-link evidence emitted by the
// derivation engine before merging into the stored record.
type LinkObservation struct {
	FromNodeID uint32
	ToNodeID   uint32
	SeenAt     time.Time
	SNR        *float32
	RSSI       *int32
	Source     LinkSource
}

// GatewayNodeHear is the latest radio reading of a gateway directly hearing
// a node. Kept separately from derived links so single-hop reachability can
// be confirmed independently.
type GatewayNodeHear struct {
	GatewayID uint32    `json:"gateway_id"`
	NodeID    uint32    `json:"node_id"`
	LastSeen  time.Time `json:"last_seen"`
	RSSI      *int32    `json:"rssi,omitempty"`
	SNR       *float32  `json:"snr,omitempty"`
}

// LinkPair is the display-level merge of the two directions between a node
// pair. Both directed records are retained; Bidirectional just marks that
// both exist inside the freshness window.
type LinkPair struct {
	NodeA         uint32      `json:"node_a"`
	NodeB         uint32      `json:"node_b"`
	AtoB          *DirectLink `json:"a_to_b,omitempty"`
	BtoA          *DirectLink `json:"b_to_a,omitempty"`
	Bidirectional bool        `json:"bidirectional"`
}
