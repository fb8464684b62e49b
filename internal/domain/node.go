package domain

import "time"

// BroadcastAddr is the mesh broadcast destination. It is never a real node
// and must not appear as a link endpoint.
const BroadcastAddr uint32 = 0xFFFFFFFF

// NodeRole mirrors the mesh device role setting reported in NodeInfo.
type NodeRole string

const (
	RoleClient       NodeRole = "CLIENT"
	RoleClientMute   NodeRole = "CLIENT_MUTE"
	RoleRouter       NodeRole = "ROUTER"
	RoleRouterClient NodeRole = "ROUTER_CLIENT"
	RoleRepeater     NodeRole = "REPEATER"
	RoleTracker      NodeRole = "TRACKER"
	RoleSensor       NodeRole = "SENSOR"
	RoleTak          NodeRole = "TAK"
	RoleClientHidden NodeRole = "CLIENT_HIDDEN"
	RoleLostAndFound NodeRole = "LOST_AND_FOUND"
	RoleTakTracker   NodeRole = "TAK_TRACKER"
	RoleRouterLate   NodeRole = "ROUTER_LATE"
)

var roleNames = []NodeRole{
	RoleClient, RoleClientMute, RoleRouter, RoleRouterClient,
	RoleRepeater, RoleTracker, RoleSensor, RoleTak,
	RoleClientHidden, RoleLostAndFound, RoleTakTracker, RoleRouterLate,
}

// RoleName maps a numeric role from the wire to its name. Out-of-range
// values default to CLIENT, matching what devices without an explicit role
// report.
func RoleName(role uint32) NodeRole {
	if int(role) < len(roleNames) {
		return roleNames[role]
	}
	return RoleClient
}

// NodeInfo is the identity sub-record of a node, fed by NodeInfo packets.
type NodeInfo struct {
	UserID     string   `json:"user_id,omitempty"`
	LongName   string   `json:"long_name,omitempty"`
	ShortName  string   `json:"short_name,omitempty"`
	HwModel    uint32   `json:"hw_model,omitempty"`
	Role       NodeRole `json:"role"`
	IsLicensed bool     `json:"is_licensed,omitempty"`
}

// Position is the location sub-record of a node, fed by Position packets.
// Latitude and longitude are fixed-point degrees multiplied by 1e7, as on
// the wire.
type Position struct {
	LatitudeI     int32  `json:"latitude_i"`
	LongitudeI    int32  `json:"longitude_i"`
	Altitude      int32  `json:"altitude,omitempty"`
	Time          uint32 `json:"time,omitempty"`
	PrecisionBits uint32 `json:"precision_bits,omitempty"`
	Source        string `json:"location_source,omitempty"`
}

// DeviceMetrics is the telemetry sub-record of a node, fed by Telemetry
// packets carrying device metrics.
type DeviceMetrics struct {
	BatteryLevel       uint32  `json:"battery_level"`
	Voltage            float32 `json:"voltage"`
	ChannelUtilization float32 `json:"channel_utilization"`
	AirUtilTx          float32 `json:"air_util_tx"`
	UptimeSeconds      uint32  `json:"uptime_seconds,omitempty"`
}

// Node is one mesh device, keyed by its 32-bit node number. The info,
// position and metrics sub-records carry their own freshness timestamps and
// are merged independently: a stale telemetry packet can never revert a
// newer position.
type Node struct {
	ID        uint32    `json:"id"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	// HopStart is the TTL budget the node last transmitted with.
	HopStart uint32 `json:"hop_start"`

	// Legacy marks firmware that predates the hop_start field
	// (hop_start == 0 while hop_limit != 0). Once cleared it stays cleared.
	Legacy bool `json:"legacy"`

	// MessageCount counts distinct packets sent by this node, deduplicated
	// across gateways.
	MessageCount int64 `json:"message_count"`

	Info      *NodeInfo      `json:"info,omitempty"`
	InfoAt    time.Time      `json:"info_at,omitzero"`
	Position  *Position      `json:"position,omitempty"`
	PosAt     time.Time      `json:"position_at,omitzero"`
	Metrics   *DeviceMetrics `json:"metrics,omitempty"`
	MetricsAt time.Time      `json:"metrics_at,omitzero"`

	// Computed fields attached by the query service, not persisted.
	MessageCount24h *int64   `json:"message_count_24h,omitempty"`
	AvgMsgPerHour   *float64 `json:"avg_msg_per_hour_24h,omitempty"`
}

// Gateway is a relay that uplinks heard packets into the transport feed.
// Every gateway id is also a node id.
type Gateway struct {
	ID        uint32    `json:"id"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}
