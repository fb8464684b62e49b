package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"meshmap/internal/domain"
	"meshmap/internal/hub"
	"meshmap/internal/repository"
	"meshmap/internal/repository/sqlite"
	"meshmap/internal/service"
)

type fixture struct {
	handler *APIHandler
	store   repository.Store
	stream  *hub.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test repository: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	stream := hub.New()
	go stream.Run()
	t.Cleanup(stream.Shutdown)

	svc := service.New(store, 0)
	return &fixture{
		handler: NewAPIHandler(svc, stream),
		store:   store,
		stream:  stream,
	}
}

func (f *fixture) seedNode(t *testing.T, id uint32, seenAt time.Time) {
	t.Helper()
	err := f.store.UpsertNode(context.Background(), id, repository.NodeUpdate{SeenAt: seenAt})
	if err != nil {
		t.Fatalf("seed node: %v", err)
	}
}

func (f *fixture) seedPacket(t *testing.T, id, from, to, gateway uint32, seenAt time.Time) {
	t.Helper()
	port := domain.PortTextMessage
	pkt := &domain.Packet{
		PacketKey: domain.PacketKey{ID: id, FromID: from, ToID: to},
		FirstSeen: seenAt,
		Port:      &port,
	}
	hop := domain.Hop{GatewayID: gateway, SeenAt: seenAt, HopLimit: 3, RSSI: -90, SNR: 5}
	if _, err := f.store.RecordPacket(context.Background(), pkt, hop); err != nil {
		t.Fatalf("seed packet: %v", err)
	}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v\nbody: %s", err, rr.Body.String())
	}
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rr := f.get(t, "/healthz")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestListNodes(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.seedNode(t, 0x1111, now)
	f.seedNode(t, 0x2222, now)

	rr := f.get(t, "/api/nodes")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	nodes := decodeBody[[]domain.Node](t, rr)
	if len(nodes) != 2 {
		t.Errorf("nodes = %d, want 2", len(nodes))
	}
}

func TestListNodesFromDate(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.seedNode(t, 0x1111, now)
	f.seedNode(t, 0x2222, now.Add(-48*time.Hour))

	rr := f.get(t, "/api/nodes")
	nodes := decodeBody[[]domain.Node](t, rr)
	if len(nodes) != 1 || nodes[0].ID != 0x1111 {
		t.Errorf("default window nodes = %+v", nodes)
	}

	from := now.Add(-72 * time.Hour).Unix()
	rr = f.get(t, fmt.Sprintf("/api/nodes?from_date=%d", from))
	nodes = decodeBody[[]domain.Node](t, rr)
	if len(nodes) != 2 {
		t.Errorf("widened window nodes = %+v", nodes)
	}

	if rr := f.get(t, "/api/nodes?from_date=yesterday"); rr.Code != http.StatusBadRequest {
		t.Errorf("bad from_date status = %d", rr.Code)
	}
}

func TestListGatewaysFromDate(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	ctx := context.Background()
	if err := f.store.UpsertGateway(ctx, 0xaaaa, now); err != nil {
		t.Fatalf("UpsertGateway: %v", err)
	}
	if err := f.store.UpsertGateway(ctx, 0xbbbb, now.Add(-48*time.Hour)); err != nil {
		t.Fatalf("UpsertGateway: %v", err)
	}

	rr := f.get(t, "/api/gateways")
	gws := decodeBody[[]domain.Gateway](t, rr)
	if len(gws) != 1 || gws[0].ID != 0xaaaa {
		t.Errorf("default window gateways = %+v", gws)
	}

	from := now.Add(-72 * time.Hour).Unix()
	rr = f.get(t, fmt.Sprintf("/api/gateways?from_date=%d", from))
	gws = decodeBody[[]domain.Gateway](t, rr)
	if len(gws) != 2 {
		t.Errorf("widened window gateways = %+v", gws)
	}
}

func TestListNodesByGatewayFilter(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.seedNode(t, 0x1111, now)
	f.seedNode(t, 0x2222, now)
	rssi := int32(-80)
	snr := float32(6)
	err := f.store.RecordGatewayNodeHear(context.Background(), 0xaaaa, 0x1111, &rssi, &snr, now)
	if err != nil {
		t.Fatalf("RecordGatewayNodeHear: %v", err)
	}

	rr := f.get(t, "/api/nodes?gateway_id=!0000aaaa")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	nodes := decodeBody[[]domain.Node](t, rr)
	if len(nodes) != 1 || nodes[0].ID != 0x1111 {
		t.Errorf("nodes = %+v", nodes)
	}

	rr = f.get(t, "/api/nodes?gateway_id=zzz")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad gateway_id status = %d", rr.Code)
	}
}

func TestGetNode(t *testing.T) {
	f := newFixture(t)
	f.seedNode(t, 0xabcd, time.Now().UTC())

	rr := f.get(t, "/api/nodes/!0000abcd")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	node := decodeBody[domain.Node](t, rr)
	if node.ID != 0xabcd {
		t.Errorf("node id = %x", node.ID)
	}

	if rr := f.get(t, "/api/nodes/00001234"); rr.Code != http.StatusNotFound {
		t.Errorf("missing node status = %d", rr.Code)
	}
	if rr := f.get(t, "/api/nodes/not-hex"); rr.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", rr.Code)
	}
}

func TestGetPacket(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.seedPacket(t, 0xbeef, 0x1111, 0x2222, 0xaaaa, now)

	rr := f.get(t, "/api/packets/0000beef")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	pkt := decodeBody[domain.Packet](t, rr)
	if pkt.ID != 0xbeef || len(pkt.Hops) != 1 {
		t.Errorf("packet = %+v", pkt)
	}

	if rr := f.get(t, "/api/packets/00000404"); rr.Code != http.StatusNotFound {
		t.Errorf("missing packet status = %d", rr.Code)
	}
	if rr := f.get(t, "/api/packets/xyz"); rr.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", rr.Code)
	}
}

func TestListNodePackets(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.seedPacket(t, 1, 0x1111, 0x2222, 0xaaaa, now)
	f.seedPacket(t, 2, 0x2222, 0x1111, 0xaaaa, now)

	rr := f.get(t, "/api/nodes/00001111/packets")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	packets := decodeBody[[]domain.Packet](t, rr)
	if len(packets) != 1 || packets[0].ID != 1 {
		t.Errorf("sent_by packets = %+v", packets)
	}

	rr = f.get(t, "/api/nodes/00001111/packets?mode=sent_to")
	packets = decodeBody[[]domain.Packet](t, rr)
	if len(packets) != 1 || packets[0].ID != 2 {
		t.Errorf("sent_to packets = %+v", packets)
	}

	if rr := f.get(t, "/api/nodes/00001111/packets?mode=bogus"); rr.Code != http.StatusBadRequest {
		t.Errorf("bad mode status = %d", rr.Code)
	}
}

func TestPortStats(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.seedPacket(t, 1, 0x1111, 0x2222, 0xaaaa, now)
	f.seedPacket(t, 2, 0x1111, 0x2222, 0xaaaa, now)

	rr := f.get(t, "/api/stats/portnums")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	stats := decodeBody[[]service.PortCount](t, rr)
	if len(stats) != 1 || stats[0].Port != "TEXT_MESSAGE_APP" || stats[0].Count != 2 {
		t.Errorf("stats = %+v", stats)
	}

	if rr := f.get(t, "/api/stats/portnums?portnum=NOT_A_PORT"); rr.Code != http.StatusBadRequest {
		t.Errorf("bad port status = %d", rr.Code)
	}
}

func TestNodeStats(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.seedPacket(t, 1, 0x1111, 0x2222, 0xaaaa, now)
	f.seedPacket(t, 2, 0x1111, 0x3333, 0xaaaa, now)
	f.seedPacket(t, 3, 0x2222, 0x1111, 0xaaaa, now)

	rr := f.get(t, "/api/stats/nodes?limit=1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	stats := decodeBody[[]repository.NodePacketCount](t, rr)
	if len(stats) != 1 || stats[0].NodeID != 0x1111 || stats[0].Count != 2 {
		t.Errorf("stats = %+v", stats)
	}

	if rr := f.get(t, "/api/stats/nodes?limit=0"); rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rr.Code)
	}
}

func TestDirectLinks(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	snr := float32(5)
	obs := domain.LinkObservation{
		FromNodeID: 0x1111, ToNodeID: 0x2222, SeenAt: now,
		SNR: &snr, Source: domain.LinkSourceMQTTHear,
	}
	if err := f.store.UpsertDirectLink(context.Background(), obs); err != nil {
		t.Fatalf("UpsertDirectLink: %v", err)
	}
	obs.FromNodeID, obs.ToNodeID = 0x2222, 0x1111
	if err := f.store.UpsertDirectLink(context.Background(), obs); err != nil {
		t.Fatalf("UpsertDirectLink: %v", err)
	}

	rr := f.get(t, "/api/links/direct")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	links := decodeBody[[]domain.DirectLink](t, rr)
	if len(links) != 2 {
		t.Errorf("links = %+v", links)
	}

	rr = f.get(t, "/api/links/direct?merged=true")
	pairs := decodeBody[[]domain.LinkPair](t, rr)
	if len(pairs) != 1 || !pairs[0].Bidirectional {
		t.Errorf("pairs = %+v", pairs)
	}
}

func TestNodeNeighbors(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	snr := float32(4.5)
	obs := domain.LinkObservation{
		FromNodeID: 0x1111, ToNodeID: 0x2222, SeenAt: now,
		SNR: &snr, Source: domain.LinkSourceMQTTHear,
	}
	if err := f.store.UpsertDirectLink(context.Background(), obs); err != nil {
		t.Fatalf("UpsertDirectLink: %v", err)
	}

	rr := f.get(t, "/api/nodes/00002222/direct_nodes")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	neighbors := decodeBody[[]service.NeighborNode](t, rr)
	if len(neighbors) != 1 {
		t.Fatalf("neighbors = %+v", neighbors)
	}
	got := neighbors[0]
	if got.ID != 0x1111 {
		t.Errorf("neighbor id = %08x", got.ID)
	}
	if got.Direction != "incoming" {
		t.Errorf("direction = %s", got.Direction)
	}
	if got.LastSNR == nil || *got.LastSNR != 4.5 {
		t.Errorf("snr = %v", got.LastSNR)
	}

	if rr := f.get(t, "/api/nodes/00009999/direct_nodes"); rr.Code != http.StatusNotFound {
		t.Errorf("unknown node status = %d", rr.Code)
	}
}

func TestEmptyCollectionsAreArrays(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{
		"/api/gateways",
		"/api/nodes",
		"/api/links/direct",
		"/api/stats/portnums",
	} {
		rr := f.get(t, path)
		if rr.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rr.Code)
			continue
		}
		if body := rr.Body.String(); body == "null\n" {
			t.Errorf("%s returned null instead of []", path)
		}
	}
}
