// Package meshproto decodes the subset of the Meshtastic wire protocol this
// system needs: the MQTT service envelope, the packet header, and the
// application payloads that feed node state and link derivation. It is a
// pure transform layer with no side effects.
//
// Decoding works directly on the protobuf wire format via protowire against
// a closed set of field numbers, rather than carrying generated bindings
// for a protocol we only extract metadata from.
package meshproto

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"meshmap/internal/domain"
)

// Envelope is the decoded outer transport wrapper: which gateway relayed
// the transmission and the packet it heard.
type Envelope struct {
	GatewayID uint32
	ChannelID string
	Packet    *MeshPacket
}

// MeshPacket is the decoded packet header plus its payload, either typed
// (Decoded) or still opaque (Encrypted).
type MeshPacket struct {
	From      uint32
	To        uint32
	Channel   uint32
	Decoded   *Data
	Encrypted []byte

	ID           uint32
	RxTime       uint32
	RxSNR        float32
	HopLimit     uint32
	WantAck      bool
	RxRSSI       int32
	ViaMQTT      bool
	HopStart     uint32
	RelayNode    uint32
	PKIEncrypted bool
}

// Data is the inner application payload with its port tag.
type Data struct {
	Port    domain.PortNum
	Payload []byte
}

// ParseGatewayID parses the "!hex" node id string gateways identify
// themselves with in the service envelope.
func ParseGatewayID(s string) (uint32, error) {
	s = strings.TrimPrefix(s, "!")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("gateway id %q: %w", s, err)
	}
	return uint32(v), nil
}

// DecodeEnvelope unwraps one raw transport message. A malformed envelope or
// an unparseable gateway id is a hard decode failure; the caller drops the
// message.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	env := &Envelope{}
	var gatewayRaw string

	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("envelope tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType: // packet
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("envelope packet: %w", protowire.ParseError(n))
			}
			mp, err := decodeMeshPacket(v)
			if err != nil {
				return nil, err
			}
			env.Packet = mp
			b = b[n:]
		case num == 2 && typ == protowire.BytesType: // channel_id
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("envelope channel_id: %w", protowire.ParseError(n))
			}
			env.ChannelID = string(v)
			b = b[n:]
		case num == 3 && typ == protowire.BytesType: // gateway_id
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("envelope gateway_id: %w", protowire.ParseError(n))
			}
			gatewayRaw = string(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("envelope field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if env.Packet == nil {
		return nil, fmt.Errorf("envelope carries no packet")
	}
	gw, err := ParseGatewayID(gatewayRaw)
	if err != nil {
		return nil, err
	}
	env.GatewayID = gw
	return env, nil
}

func decodeMeshPacket(payload []byte) (*MeshPacket, error) {
	mp := &MeshPacket{}

	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("packet tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.Fixed32Type: // from
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("packet from: %w", protowire.ParseError(n))
			}
			mp.From = v
			b = b[n:]
		case num == 2 && typ == protowire.Fixed32Type: // to
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("packet to: %w", protowire.ParseError(n))
			}
			mp.To = v
			b = b[n:]
		case num == 3 && typ == protowire.VarintType: // channel
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("packet channel: %w", protowire.ParseError(n))
			}
			mp.Channel = uint32(v)
			b = b[n:]
		case num == 4 && typ == protowire.BytesType: // decoded
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("packet decoded: %w", protowire.ParseError(n))
			}
			data, err := decodeData(v)
			if err != nil {
				return nil, err
			}
			mp.Decoded = data
			b = b[n:]
		case num == 5 && typ == protowire.BytesType: // encrypted
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("packet encrypted: %w", protowire.ParseError(n))
			}
			mp.Encrypted = append([]byte(nil), v...)
			b = b[n:]
		case num == 6 && typ == protowire.Fixed32Type: // id
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("packet id: %w", protowire.ParseError(n))
			}
			mp.ID = v
			b = b[n:]
		case num == 7 && typ == protowire.Fixed32Type: // rx_time
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("packet rx_time: %w", protowire.ParseError(n))
			}
			mp.RxTime = v
			b = b[n:]
		case num == 8 && typ == protowire.Fixed32Type: // rx_snr
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("packet rx_snr: %w", protowire.ParseError(n))
			}
			mp.RxSNR = math.Float32frombits(v)
			b = b[n:]
		case num == 9 && typ == protowire.VarintType: // hop_limit
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("packet hop_limit: %w", protowire.ParseError(n))
			}
			mp.HopLimit = uint32(v)
			b = b[n:]
		case num == 10 && typ == protowire.VarintType: // want_ack
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("packet want_ack: %w", protowire.ParseError(n))
			}
			mp.WantAck = v != 0
			b = b[n:]
		case num == 12 && typ == protowire.VarintType: // rx_rssi
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("packet rx_rssi: %w", protowire.ParseError(n))
			}
			mp.RxRSSI = int32(v)
			b = b[n:]
		case num == 14 && typ == protowire.VarintType: // via_mqtt
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("packet via_mqtt: %w", protowire.ParseError(n))
			}
			mp.ViaMQTT = v != 0
			b = b[n:]
		case num == 15 && typ == protowire.VarintType: // hop_start
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("packet hop_start: %w", protowire.ParseError(n))
			}
			mp.HopStart = uint32(v)
			b = b[n:]
		case num == 17 && typ == protowire.VarintType: // pki_encrypted
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("packet pki_encrypted: %w", protowire.ParseError(n))
			}
			mp.PKIEncrypted = v != 0
			b = b[n:]
		case num == 19 && typ == protowire.VarintType: // relay_node
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("packet relay_node: %w", protowire.ParseError(n))
			}
			mp.RelayNode = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("packet field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	return mp, nil
}

func decodeData(payload []byte) (*Data, error) {
	d := &Data{}

	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("data tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.VarintType: // portnum
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("data portnum: %w", protowire.ParseError(n))
			}
			d.Port = domain.PortNum(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType: // payload
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("data payload: %w", protowire.ParseError(n))
			}
			d.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("data field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	return d, nil
}
