package meshproto

import (
	"math"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"meshmap/internal/domain"
)

// ============================================================================
// Wire Message Builders
// ============================================================================

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFixed32(b []byte, num protowire.Number, v uint32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	return appendFixed32(b, num, math.Float32bits(v))
}

func buildData(port domain.PortNum, payload []byte) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(port))
	b = appendBytes(b, 2, payload)
	return b
}

type packetFields struct {
	from, to, id       uint32
	hopLimit, hopStart uint32
	rxSNR              float32
	rxRSSI             int32
	wantAck, viaMQTT   bool
	decoded            []byte
	encrypted          []byte
}

func buildMeshPacket(p packetFields) []byte {
	var b []byte
	b = appendFixed32(b, 1, p.from)
	b = appendFixed32(b, 2, p.to)
	if p.decoded != nil {
		b = appendBytes(b, 4, p.decoded)
	}
	if p.encrypted != nil {
		b = appendBytes(b, 5, p.encrypted)
	}
	b = appendFixed32(b, 6, p.id)
	b = appendFloat(b, 8, p.rxSNR)
	b = appendVarint(b, 9, uint64(p.hopLimit))
	if p.wantAck {
		b = appendVarint(b, 10, 1)
	}
	b = appendVarint(b, 12, uint64(uint32(p.rxRSSI)))
	if p.viaMQTT {
		b = appendVarint(b, 14, 1)
	}
	b = appendVarint(b, 15, uint64(p.hopStart))
	return b
}

func buildEnvelope(gatewayID, channelID string, packet []byte) []byte {
	var b []byte
	b = appendBytes(b, 1, packet)
	b = appendString(b, 2, channelID)
	b = appendString(b, 3, gatewayID)
	return b
}

// ============================================================================
// Envelope Tests
// ============================================================================

func TestDecodeEnvelope(t *testing.T) {
	data := buildData(domain.PortTextMessage, []byte("hello mesh"))
	packet := buildMeshPacket(packetFields{
		from: 0x11111111, to: domain.BroadcastAddr, id: 0xdeadbeef,
		hopLimit: 3, hopStart: 3,
		rxSNR: 5.25, rxRSSI: -92,
		wantAck: false, viaMQTT: true,
		decoded: data,
	})
	raw := buildEnvelope("!abcdef12", "LongFast", packet)

	env, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}

	if env.GatewayID != 0xabcdef12 {
		t.Errorf("gateway id = %x, want abcdef12", env.GatewayID)
	}
	if env.ChannelID != "LongFast" {
		t.Errorf("channel id = %q", env.ChannelID)
	}

	mp := env.Packet
	if mp == nil {
		t.Fatal("packet is nil")
	}
	if mp.From != 0x11111111 || mp.To != domain.BroadcastAddr || mp.ID != 0xdeadbeef {
		t.Errorf("header = from %x to %x id %x", mp.From, mp.To, mp.ID)
	}
	if mp.HopLimit != 3 || mp.HopStart != 3 {
		t.Errorf("hops = limit %d start %d", mp.HopLimit, mp.HopStart)
	}
	if mp.RxSNR != 5.25 {
		t.Errorf("rx_snr = %v", mp.RxSNR)
	}
	if mp.RxRSSI != -92 {
		t.Errorf("rx_rssi = %v", mp.RxRSSI)
	}
	if !mp.ViaMQTT || mp.WantAck {
		t.Errorf("flags = want_ack %v via_mqtt %v", mp.WantAck, mp.ViaMQTT)
	}
	if mp.Decoded == nil || mp.Decoded.Port != domain.PortTextMessage {
		t.Fatalf("decoded = %+v", mp.Decoded)
	}
	if string(mp.Decoded.Payload) != "hello mesh" {
		t.Errorf("payload = %q", mp.Decoded.Payload)
	}
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"truncated", []byte{0x0a, 0xff}},
		{"no packet", appendString(appendString(nil, 2, "ch"), 3, "!01")},
		{"bad gateway id", buildEnvelope("not-hex", "ch", buildMeshPacket(packetFields{id: 1}))},
		{"empty gateway id", buildEnvelope("", "ch", buildMeshPacket(packetFields{id: 1}))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeEnvelope(tt.raw); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestDecodeEnvelopeSkipsUnknownFields(t *testing.T) {
	packet := buildMeshPacket(packetFields{from: 1, to: 2, id: 3})
	// A future envelope field this decoder knows nothing about.
	packet = appendVarint(packet, 77, 42)
	raw := buildEnvelope("!2", "ch", packet)
	raw = appendString(raw, 99, "future")

	env, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.Packet.ID != 3 {
		t.Errorf("id = %d", env.Packet.ID)
	}
}

func TestParseGatewayID(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"!abcdef12", 0xabcdef12, false},
		{"abcdef12", 0xabcdef12, false},
		{"!ffffffff", 0xffffffff, false},
		{"", 0, true},
		{"!xyz", 0, true},
		{"!1ffffffff", 0, true}, // over 32 bits
	}

	for _, tt := range tests {
		got, err := ParseGatewayID(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseGatewayID(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseGatewayID(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseGatewayID(%q) = %x, want %x", tt.in, got, tt.want)
		}
	}
}
