package meshproto

import (
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"meshmap/internal/domain"
)

func buildUser(id, long, short string, hwModel, role uint64) []byte {
	var b []byte
	b = appendString(b, 1, id)
	b = appendString(b, 2, long)
	b = appendString(b, 3, short)
	b = appendBytes(b, 4, []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01})
	b = appendVarint(b, 5, hwModel)
	b = appendVarint(b, 7, role)
	return b
}

func TestDecodeUser(t *testing.T) {
	raw := buildUser("!11111111", "Hilltop Repeater", "HILL", 9, 2)

	u, err := DecodeUser(raw)
	if err != nil {
		t.Fatalf("DecodeUser: %v", err)
	}
	if u.ID != "!11111111" || u.LongName != "Hilltop Repeater" || u.ShortName != "HILL" {
		t.Errorf("identity = %+v", u)
	}
	if u.HwModel != 9 || u.Role != 2 {
		t.Errorf("hw %d role %d", u.HwModel, u.Role)
	}
	if u.MacAddr != "de:ad:be:ef:00:01" {
		t.Errorf("macaddr = %q", u.MacAddr)
	}
	if got := domain.RoleName(u.Role); got != domain.RoleRouter {
		t.Errorf("role name = %q", got)
	}
}

func TestDecodePosition(t *testing.T) {
	var raw []byte
	lon := int32(-1345678901)
	raw = appendFixed32(raw, 1, uint32(523456789)) // latitude_i
	raw = appendFixed32(raw, 2, uint32(lon))       // longitude_i
	raw = appendVarint(raw, 3, 120)                         // altitude
	raw = appendFixed32(raw, 4, 1700000000)                 // time
	raw = appendVarint(raw, 5, 2)                           // location_source
	raw = appendVarint(raw, 23, 32)                         // precision_bits

	p, err := DecodePosition(raw)
	if err != nil {
		t.Fatalf("DecodePosition: %v", err)
	}
	if p.LatitudeI != 523456789 || p.LongitudeI != -1345678901 {
		t.Errorf("coords = %d, %d", p.LatitudeI, p.LongitudeI)
	}
	if p.Altitude != 120 || p.Time != 1700000000 || p.PrecisionBits != 32 {
		t.Errorf("position = %+v", p)
	}
	if p.SourceName() != "LOC_INTERNAL" {
		t.Errorf("source = %q", p.SourceName())
	}
}

func TestDecodeTelemetry(t *testing.T) {
	var dm []byte
	dm = appendVarint(dm, 1, 87)       // battery_level
	dm = appendFloat(dm, 2, 4.01)      // voltage
	dm = appendFloat(dm, 3, 12.5)      // channel_utilization
	dm = appendFloat(dm, 4, 2.75)      // air_util_tx
	dm = appendVarint(dm, 5, 360000)   // uptime_seconds
	var raw []byte
	raw = appendFixed32(raw, 1, 1700000100)
	raw = appendBytes(raw, 2, dm)

	tm, err := DecodeTelemetry(raw)
	if err != nil {
		t.Fatalf("DecodeTelemetry: %v", err)
	}
	if tm.Time != 1700000100 {
		t.Errorf("time = %d", tm.Time)
	}
	if tm.DeviceMetrics == nil {
		t.Fatal("device metrics missing")
	}
	if tm.DeviceMetrics.BatteryLevel != 87 || tm.DeviceMetrics.ChannelUtilization != 12.5 {
		t.Errorf("metrics = %+v", tm.DeviceMetrics)
	}
}

func TestDecodeTelemetryOtherVariant(t *testing.T) {
	// An environment-metrics telemetry should decode to time-only metadata.
	var env []byte
	env = appendFloat(env, 1, 21.5)
	var raw []byte
	raw = appendFixed32(raw, 1, 1700000200)
	raw = appendBytes(raw, 3, env)

	tm, err := DecodeTelemetry(raw)
	if err != nil {
		t.Fatalf("DecodeTelemetry: %v", err)
	}
	if tm.DeviceMetrics != nil {
		t.Errorf("unexpected device metrics: %+v", tm.DeviceMetrics)
	}
}

func TestDecodeNeighborInfo(t *testing.T) {
	var n1 []byte
	n1 = appendVarint(n1, 1, 0x2222)
	n1 = appendFloat(n1, 2, 4.5)
	var n2 []byte
	n2 = appendVarint(n2, 1, 0x3333)
	n2 = appendFloat(n2, 2, -7.25)

	var raw []byte
	raw = appendVarint(raw, 1, 0x1111)
	raw = appendBytes(raw, 4, n1)
	raw = appendBytes(raw, 4, n2)

	ni, err := DecodeNeighborInfo(raw)
	if err != nil {
		t.Fatalf("DecodeNeighborInfo: %v", err)
	}
	if ni.NodeID != 0x1111 {
		t.Errorf("node id = %x", ni.NodeID)
	}
	if len(ni.Neighbors) != 2 {
		t.Fatalf("neighbors = %d", len(ni.Neighbors))
	}
	if ni.Neighbors[0].NodeID != 0x2222 || ni.Neighbors[0].SNR != 4.5 {
		t.Errorf("neighbor[0] = %+v", ni.Neighbors[0])
	}
	if ni.Neighbors[1].SNR != -7.25 {
		t.Errorf("neighbor[1] = %+v", ni.Neighbors[1])
	}
}

func TestDecodeRouteDiscovery(t *testing.T) {
	// Unpacked route entries plus a packed snr_towards array.
	var raw []byte
	raw = appendFixed32(raw, 1, 0xaaaa)
	raw = appendFixed32(raw, 1, 0xbbbb)
	var packed []byte
	for _, snr := range []int32{18, -8, UnknownSNR} {
		packed = protowire.AppendVarint(packed, uint64(uint32(snr)))
	}
	raw = appendBytes(raw, 2, packed)
	raw = appendFixed32(raw, 3, 0xcccc)

	rd, err := DecodeRouteDiscovery(raw)
	if err != nil {
		t.Fatalf("DecodeRouteDiscovery: %v", err)
	}
	if len(rd.Route) != 2 || rd.Route[0] != 0xaaaa || rd.Route[1] != 0xbbbb {
		t.Errorf("route = %v", rd.Route)
	}
	if len(rd.SNRTowards) != 3 || rd.SNRTowards[0] != 18 || rd.SNRTowards[1] != -8 || rd.SNRTowards[2] != UnknownSNR {
		t.Errorf("snr_towards = %v", rd.SNRTowards)
	}
	if len(rd.RouteBack) != 1 || rd.RouteBack[0] != 0xcccc {
		t.Errorf("route_back = %v", rd.RouteBack)
	}
}

func TestDecodePayloadDispatch(t *testing.T) {
	text, err := DecodePayload(domain.PortTextMessage, []byte("ping"))
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if msg, ok := text.(*TextMessage); !ok || msg.Message != "ping" {
		t.Errorf("text payload = %#v", text)
	}

	// Unknown port: raw bytes, no error.
	raw, err := DecodePayload(domain.PortNum(200), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("unknown port: %v", err)
	}
	if rp, ok := raw.(*RawPayload); !ok || rp.Port != 200 {
		t.Errorf("raw payload = %#v", raw)
	}

	// Known port, malformed body: raw fallback plus a decode error the
	// caller can log.
	got, err := DecodePayload(domain.PortNodeInfo, []byte{0x0a, 0xff, 0xff})
	if err == nil {
		t.Fatal("expected partial-decode error")
	}
	if _, ok := got.(*RawPayload); !ok {
		t.Errorf("fallback payload = %#v", got)
	}
}
