package meshproto

import (
	"fmt"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"meshmap/internal/domain"
)

// User is the NODEINFO_APP payload: the node's self-reported identity.
type User struct {
	ID         string `json:"id,omitempty"`
	LongName   string `json:"long_name,omitempty"`
	ShortName  string `json:"short_name,omitempty"`
	MacAddr    string `json:"macaddr,omitempty"`
	HwModel    uint32 `json:"hw_model,omitempty"`
	IsLicensed bool   `json:"is_licensed,omitempty"`
	Role       uint32 `json:"role"`
}

// Position is the POSITION_APP payload. Coordinates are fixed-point
// degrees x 1e7.
type Position struct {
	LatitudeI      int32  `json:"latitude_i"`
	LongitudeI     int32  `json:"longitude_i"`
	Altitude       int32  `json:"altitude,omitempty"`
	Time           uint32 `json:"time,omitempty"`
	LocationSource uint32 `json:"location_source,omitempty"`
	PrecisionBits  uint32 `json:"precision_bits,omitempty"`
}

var locationSourceNames = []string{"LOC_UNSET", "LOC_MANUAL", "LOC_INTERNAL", "LOC_EXTERNAL"}

// SourceName returns the location source enum name.
func (p *Position) SourceName() string {
	if int(p.LocationSource) < len(locationSourceNames) {
		return locationSourceNames[p.LocationSource]
	}
	return "LOC_UNSET"
}

// DeviceMetrics is the device-metrics variant of TELEMETRY_APP.
type DeviceMetrics struct {
	BatteryLevel       uint32  `json:"battery_level"`
	Voltage            float32 `json:"voltage"`
	ChannelUtilization float32 `json:"channel_utilization"`
	AirUtilTx          float32 `json:"air_util_tx"`
	UptimeSeconds      uint32  `json:"uptime_seconds,omitempty"`
}

// Telemetry is the TELEMETRY_APP payload. Only the device-metrics variant
// feeds node state; other variants decode to time-only metadata.
type Telemetry struct {
	Time          uint32         `json:"time,omitempty"`
	DeviceMetrics *DeviceMetrics `json:"device_metrics,omitempty"`
}

// Neighbor is one entry of a node's locally observed neighbor table.
type Neighbor struct {
	NodeID uint32  `json:"node_id"`
	SNR    float32 `json:"snr"`
}

// NeighborInfo is the NEIGHBORINFO_APP payload.
type NeighborInfo struct {
	NodeID       uint32     `json:"node_id"`
	LastSentByID uint32     `json:"last_sent_by_id,omitempty"`
	Neighbors    []Neighbor `json:"neighbors,omitempty"`
}

// RouteDiscovery is the TRACEROUTE_APP payload. SNR values are raw wire
// units (dB x 4); UnknownSNR marks a hop whose SNR was not measured.
type RouteDiscovery struct {
	Route      []uint32 `json:"route,omitempty"`
	SNRTowards []int32  `json:"snr_towards,omitempty"`
	RouteBack  []uint32 `json:"route_back,omitempty"`
	SNRBack    []int32  `json:"snr_back,omitempty"`
}

// UnknownSNR is the sentinel the firmware stores for a hop with no SNR
// measurement.
const UnknownSNR int32 = -128

// TextMessage is the TEXT_MESSAGE_APP payload, stored but not parsed
// further.
type TextMessage struct {
	Message string `json:"message"`
}

// RawPayload wraps application payloads we do not decode: unknown ports and
// known ports with malformed bodies.
type RawPayload struct {
	Port    domain.PortNum `json:"portnum"`
	Payload []byte         `json:"payload,omitempty"`
}

// DecodePayload interprets an application payload by its port. Unknown
// ports return a RawPayload and no error. A malformed body on a known port
// returns the raw bytes alongside the decode error so the caller can keep
// the packet as metadata-only.
func DecodePayload(port domain.PortNum, payload []byte) (any, error) {
	switch port {
	case domain.PortTextMessage:
		if !utf8.Valid(payload) {
			return &RawPayload{Port: port, Payload: payload}, fmt.Errorf("text message is not valid UTF-8")
		}
		return &TextMessage{Message: string(payload)}, nil
	case domain.PortNodeInfo:
		u, err := DecodeUser(payload)
		if err != nil {
			return &RawPayload{Port: port, Payload: payload}, err
		}
		return u, nil
	case domain.PortPosition:
		p, err := DecodePosition(payload)
		if err != nil {
			return &RawPayload{Port: port, Payload: payload}, err
		}
		return p, nil
	case domain.PortTelemetry:
		tm, err := DecodeTelemetry(payload)
		if err != nil {
			return &RawPayload{Port: port, Payload: payload}, err
		}
		return tm, nil
	case domain.PortNeighborInfo:
		ni, err := DecodeNeighborInfo(payload)
		if err != nil {
			return &RawPayload{Port: port, Payload: payload}, err
		}
		return ni, nil
	case domain.PortTraceroute:
		rd, err := DecodeRouteDiscovery(payload)
		if err != nil {
			return &RawPayload{Port: port, Payload: payload}, err
		}
		return rd, nil
	default:
		return &RawPayload{Port: port, Payload: payload}, nil
	}
}

// walkFields iterates the top-level fields of one wire message. Scalar
// values arrive in val, length-delimited ones in buf.
func walkFields(msg []byte, fn func(num protowire.Number, typ protowire.Type, val uint64, buf []byte) error) error {
	b := msg
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var val uint64
		var buf []byte
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			val, b = v, b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			val, b = uint64(v), b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			val, b = v, b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			buf, b = v, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		if err := fn(num, typ, val, buf); err != nil {
			return err
		}
	}
	return nil
}

// DecodeUser decodes a NODEINFO_APP User message.
func DecodeUser(payload []byte) (*User, error) {
	u := &User{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, val uint64, buf []byte) error {
		switch num {
		case 1:
			u.ID = string(buf)
		case 2:
			u.LongName = string(buf)
		case 3:
			u.ShortName = string(buf)
		case 4:
			u.MacAddr = formatMac(buf)
		case 5:
			u.HwModel = uint32(val)
		case 6:
			u.IsLicensed = val != 0
		case 7:
			u.Role = uint32(val)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return u, nil
}

func formatMac(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	s := make([]byte, 0, len(b)*3)
	for i, v := range b {
		if i > 0 {
			s = append(s, ':')
		}
		s = append(s, fmt.Sprintf("%02x", v)...)
	}
	return string(s)
}

// DecodePosition decodes a POSITION_APP Position message.
func DecodePosition(payload []byte) (*Position, error) {
	p := &Position{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, val uint64, buf []byte) error {
		switch num {
		case 1:
			p.LatitudeI = int32(uint32(val))
		case 2:
			p.LongitudeI = int32(uint32(val))
		case 3:
			p.Altitude = int32(val)
		case 4:
			p.Time = uint32(val)
		case 5:
			p.LocationSource = uint32(val)
		case 23:
			p.PrecisionBits = uint32(val)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode position: %w", err)
	}
	return p, nil
}

// DecodeTelemetry decodes a TELEMETRY_APP Telemetry message.
func DecodeTelemetry(payload []byte) (*Telemetry, error) {
	tm := &Telemetry{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, val uint64, buf []byte) error {
		switch num {
		case 1:
			tm.Time = uint32(val)
		case 2:
			dm, err := decodeDeviceMetrics(buf)
			if err != nil {
				return err
			}
			tm.DeviceMetrics = dm
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode telemetry: %w", err)
	}
	return tm, nil
}

func decodeDeviceMetrics(payload []byte) (*DeviceMetrics, error) {
	dm := &DeviceMetrics{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, val uint64, buf []byte) error {
		switch num {
		case 1:
			dm.BatteryLevel = uint32(val)
		case 2:
			dm.Voltage = math.Float32frombits(uint32(val))
		case 3:
			dm.ChannelUtilization = math.Float32frombits(uint32(val))
		case 4:
			dm.AirUtilTx = math.Float32frombits(uint32(val))
		case 5:
			dm.UptimeSeconds = uint32(val)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode device metrics: %w", err)
	}
	return dm, nil
}

// DecodeNeighborInfo decodes a NEIGHBORINFO_APP message.
func DecodeNeighborInfo(payload []byte) (*NeighborInfo, error) {
	ni := &NeighborInfo{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, val uint64, buf []byte) error {
		switch num {
		case 1:
			ni.NodeID = uint32(val)
		case 2:
			ni.LastSentByID = uint32(val)
		case 4:
			n, err := decodeNeighbor(buf)
			if err != nil {
				return err
			}
			ni.Neighbors = append(ni.Neighbors, n)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode neighbor info: %w", err)
	}
	return ni, nil
}

func decodeNeighbor(payload []byte) (Neighbor, error) {
	var n Neighbor
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, val uint64, buf []byte) error {
		switch num {
		case 1:
			n.NodeID = uint32(val)
		case 2:
			n.SNR = math.Float32frombits(uint32(val))
		}
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("decode neighbor: %w", err)
	}
	return n, nil
}

// DecodeRouteDiscovery decodes a TRACEROUTE_APP message. Repeated numeric
// fields accept both packed and unpacked encodings.
func DecodeRouteDiscovery(payload []byte) (*RouteDiscovery, error) {
	rd := &RouteDiscovery{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, val uint64, buf []byte) error {
		switch num {
		case 1, 3: // route, route_back (repeated fixed32)
			vals, err := consumeRepeatedFixed32(typ, val, buf)
			if err != nil {
				return fmt.Errorf("field %d: %w", num, err)
			}
			if num == 1 {
				rd.Route = append(rd.Route, vals...)
			} else {
				rd.RouteBack = append(rd.RouteBack, vals...)
			}
		case 2, 4: // snr_towards, snr_back (repeated int32)
			vals, err := consumeRepeatedInt32(typ, val, buf)
			if err != nil {
				return fmt.Errorf("field %d: %w", num, err)
			}
			if num == 2 {
				rd.SNRTowards = append(rd.SNRTowards, vals...)
			} else {
				rd.SNRBack = append(rd.SNRBack, vals...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode route discovery: %w", err)
	}
	return rd, nil
}

func consumeRepeatedFixed32(typ protowire.Type, val uint64, buf []byte) ([]uint32, error) {
	if typ == protowire.Fixed32Type {
		return []uint32{uint32(val)}, nil
	}
	if typ != protowire.BytesType {
		return nil, fmt.Errorf("unexpected wire type %d", typ)
	}
	var vals []uint32
	for len(buf) > 0 {
		v, n := protowire.ConsumeFixed32(buf)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		vals = append(vals, v)
		buf = buf[n:]
	}
	return vals, nil
}

func consumeRepeatedInt32(typ protowire.Type, val uint64, buf []byte) ([]int32, error) {
	if typ == protowire.VarintType {
		return []int32{int32(val)}, nil
	}
	if typ != protowire.BytesType {
		return nil, fmt.Errorf("unexpected wire type %d", typ)
	}
	var vals []int32
	for len(buf) > 0 {
		v, n := protowire.ConsumeVarint(buf)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		vals = append(vals, int32(v))
		buf = buf[n:]
	}
	return vals, nil
}
