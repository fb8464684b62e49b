package domain

import (
	"fmt"
	"time"
)

// PortNum is the application-layer type tag of a packet payload.
type PortNum int32

// Port numbers this system decodes or at least recognizes by name. Unknown
// ports are stored with their numeric value, never rejected.
const (
	PortUnknown      PortNum = 0
	PortTextMessage  PortNum = 1
	PortPosition     PortNum = 3
	PortNodeInfo     PortNum = 4
	PortRouting      PortNum = 5
	PortAdmin        PortNum = 6
	PortWaypoint     PortNum = 8
	PortDetection    PortNum = 10
	PortTelemetry    PortNum = 67
	PortTraceroute   PortNum = 70
	PortNeighborInfo PortNum = 71
	PortMapReport    PortNum = 73
)

var portNames = map[PortNum]string{
	PortUnknown:      "UNKNOWN_APP",
	PortTextMessage:  "TEXT_MESSAGE_APP",
	PortPosition:     "POSITION_APP",
	PortNodeInfo:     "NODEINFO_APP",
	PortRouting:      "ROUTING_APP",
	PortAdmin:        "ADMIN_APP",
	PortWaypoint:     "WAYPOINT_APP",
	PortDetection:    "DETECTION_SENSOR_APP",
	PortTelemetry:    "TELEMETRY_APP",
	PortTraceroute:   "TRACEROUTE_APP",
	PortNeighborInfo: "NEIGHBORINFO_APP",
	PortMapReport:    "MAP_REPORT_APP",
}

// String returns the protocol name of the port, or PORT_<n> for ports
// outside the named set.
func (p PortNum) String() string {
	if name, ok := portNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PORT_%d", int32(p))
}

// PortByName resolves a port name back to its number. Used by stats filters.
func PortByName(name string) (PortNum, bool) {
	for p, n := range portNames {
		if n == name {
			return p, true
		}
	}
	return 0, false
}

// PacketKey uniquely identifies a packet. The mesh packet id alone repeats
// across senders and wraps over time; the (id, from, to) triple is the real
// dedup key.
type PacketKey struct {
	ID     uint32 `json:"id"`
	FromID uint32 `json:"from_id"`
	ToID   uint32 `json:"to_id"`
}

func (k PacketKey) String() string {
	return fmt.Sprintf("%08x:%08x->%08x", k.ID, k.FromID, k.ToID)
}

// Packet is one mesh transmission as first observed. Header fields are
// immutable after creation; FirstSeen only ever moves backward when an
// out-of-order sighting predates the stored value.
type Packet struct {
	PacketKey
	FirstSeen time.Time `json:"first_seen"`
	HopStart  uint32    `json:"hop_start"`
	WantAck   bool      `json:"want_ack"`
	ViaMQTT   bool      `json:"via_mqtt"`
	Length    int       `json:"length"`

	// Port is nil when the payload never decrypted.
	Port *PortNum `json:"portnum,omitempty"`

	// Payload is the typed decode of the application payload, or raw bytes
	// when the port is unknown or the body was malformed.
	Payload any `json:"payload,omitempty"`

	Hops []Hop `json:"hops,omitempty"`
}

// PortName returns the display name of the packet's port.
func (p *Packet) PortName() string {
	if p.Port == nil {
		return "UNKNOWN"
	}
	return p.Port.String()
}

// Hop is one gateway's observation of one packet: its local radio metrics
// and the remaining TTL at the moment of reception. Unique per
// packet key x gateway.
type Hop struct {
	GatewayID uint32    `json:"gateway_id"`
	SeenAt    time.Time `json:"seen_at"`
	HopLimit  uint32    `json:"hop_limit"`
	RSSI      int32     `json:"rssi"`
	SNR       float32   `json:"snr"`
	RelayNode *uint32   `json:"relay_node,omitempty"`
}
