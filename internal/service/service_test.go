package service

import (
	"context"
	"testing"
	"time"

	"meshmap/internal/domain"
	"meshmap/internal/repository"
	"meshmap/internal/repository/sqlite"
)

func newTestService(t *testing.T) (*ObserverService, repository.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test repository: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, 0), store
}

func countPtr(v int64) *int64 { return &v }

func TestAttachRate(t *testing.T) {
	svc, _ := newTestService(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	tests := []struct {
		name string
		node domain.Node
		want float64
	}{
		{
			"established node",
			domain.Node{FirstSeen: now.Add(-72 * time.Hour), MessageCount24h: countPtr(48)},
			2.0,
		},
		{
			"newcomer rated over its lifetime",
			domain.Node{FirstSeen: now.Add(-2 * time.Hour), MessageCount24h: countPtr(6)},
			3.0,
		},
		{
			"just appeared",
			domain.Node{FirstSeen: now, MessageCount24h: countPtr(1)},
			60.0, // clamped to a one-minute lifetime
		},
		{
			"rounded to one decimal",
			domain.Node{FirstSeen: now.Add(-72 * time.Hour), MessageCount24h: countPtr(7)},
			0.3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc.attachRate(&tt.node, now)
			if tt.node.AvgMsgPerHour == nil {
				t.Fatal("rate not attached")
			}
			if *tt.node.AvgMsgPerHour != tt.want {
				t.Errorf("rate = %v, want %v", *tt.node.AvgMsgPerHour, tt.want)
			}
		})
	}

	// Without a count there is nothing to rate.
	bare := domain.Node{FirstSeen: now.Add(-time.Hour)}
	svc.attachRate(&bare, now)
	if bare.AvgMsgPerHour != nil {
		t.Errorf("rate attached without count: %v", *bare.AvgMsgPerHour)
	}
}

func TestMergeBidirectional(t *testing.T) {
	now := time.Now()
	snr := func(v float32) *float32 { return &v }

	links := []domain.DirectLink{
		{FromNodeID: 0x2222, ToNodeID: 0x1111, LastSeen: now, LastSNR: snr(5), Source: domain.LinkSourceMQTTHear},
		{FromNodeID: 0x1111, ToNodeID: 0x2222, LastSeen: now, LastSNR: snr(3), Source: domain.LinkSourceNeighborInfo},
		{FromNodeID: 0x3333, ToNodeID: 0x1111, LastSeen: now, Source: domain.LinkSourceTraceroute},
	}

	pairs := MergeBidirectional(links)
	if len(pairs) != 2 {
		t.Fatalf("pairs = %d, want 2: %+v", len(pairs), pairs)
	}

	// Sorted by endpoints, smaller id first.
	both := pairs[0]
	if both.NodeA != 0x1111 || both.NodeB != 0x2222 {
		t.Fatalf("first pair = %08x/%08x", both.NodeA, both.NodeB)
	}
	if !both.Bidirectional {
		t.Error("pair with both directions not marked bidirectional")
	}
	if both.AtoB == nil || both.AtoB.Source != domain.LinkSourceNeighborInfo {
		t.Errorf("a_to_b = %+v", both.AtoB)
	}
	if both.BtoA == nil || both.BtoA.Source != domain.LinkSourceMQTTHear {
		t.Errorf("b_to_a = %+v", both.BtoA)
	}

	oneWay := pairs[1]
	if oneWay.NodeA != 0x1111 || oneWay.NodeB != 0x3333 {
		t.Fatalf("second pair = %08x/%08x", oneWay.NodeA, oneWay.NodeB)
	}
	if oneWay.Bidirectional {
		t.Error("one-way pair marked bidirectional")
	}
	if oneWay.AtoB != nil || oneWay.BtoA == nil {
		t.Errorf("one-way pair directions = %+v / %+v", oneWay.AtoB, oneWay.BtoA)
	}
}

func TestPortStats(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	record := func(id uint32, port *domain.PortNum) {
		t.Helper()
		pkt := &domain.Packet{
			PacketKey: domain.PacketKey{ID: id, FromID: 0x1111, ToID: 0x2222},
			FirstSeen: now,
			Port:      port,
		}
		hop := domain.Hop{GatewayID: 0xaaaa, SeenAt: now, HopLimit: 1}
		if _, err := store.RecordPacket(ctx, pkt, hop); err != nil {
			t.Fatalf("RecordPacket: %v", err)
		}
	}

	text := domain.PortTextMessage
	position := domain.PortPosition
	record(1, &text)
	record(2, &text)
	record(3, &position)
	record(4, nil) // stayed encrypted

	stats, err := svc.PortStats(ctx, repository.StatsFilter{})
	if err != nil {
		t.Fatalf("PortStats: %v", err)
	}
	if len(stats) != 3 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats[0].Port != "TEXT_MESSAGE_APP" || stats[0].Count != 2 {
		t.Errorf("busiest = %+v", stats[0])
	}
	found := false
	for _, sc := range stats {
		if sc.Port == "UNKNOWN" && sc.Count == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("no UNKNOWN bucket in %+v", stats)
	}
}

func TestCurrentLinksHonorsFreshness(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	fresh := domain.LinkObservation{
		FromNodeID: 0x1111, ToNodeID: 0x2222, SeenAt: now.Add(-time.Hour),
		Source: domain.LinkSourceMQTTHear,
	}
	stale := domain.LinkObservation{
		FromNodeID: 0x3333, ToNodeID: 0x4444, SeenAt: now.Add(-30 * time.Hour),
		Source: domain.LinkSourceMQTTHear,
	}
	if err := store.UpsertDirectLink(ctx, fresh); err != nil {
		t.Fatalf("UpsertDirectLink: %v", err)
	}
	if err := store.UpsertDirectLink(ctx, stale); err != nil {
		t.Fatalf("UpsertDirectLink: %v", err)
	}

	links, err := svc.CurrentLinks(ctx)
	if err != nil {
		t.Fatalf("CurrentLinks: %v", err)
	}
	if len(links) != 1 || links[0].FromNodeID != 0x1111 {
		t.Errorf("links = %+v", links)
	}
}

func TestListNodesAttachesRates(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.UpsertNode(ctx, 0x1111, repository.NodeUpdate{SeenAt: now}); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	pkt := &domain.Packet{
		PacketKey: domain.PacketKey{ID: 1, FromID: 0x1111, ToID: 0x2222},
		FirstSeen: now,
	}
	if _, err := store.RecordPacket(ctx, pkt, domain.Hop{GatewayID: 0xaaaa, SeenAt: now}); err != nil {
		t.Fatalf("RecordPacket: %v", err)
	}

	nodes, err := svc.ListNodes(ctx, nil, time.Time{})
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) == 0 {
		t.Fatal("no nodes listed")
	}
	node := nodes[0]
	if node.MessageCount24h == nil || *node.MessageCount24h != 1 {
		t.Errorf("message_count_24h = %v", node.MessageCount24h)
	}
	if node.AvgMsgPerHour == nil {
		t.Error("rate not attached")
	}
}

func TestListNodesSinceBound(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.UpsertNode(ctx, 0x1111, repository.NodeUpdate{SeenAt: now}); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	if err := store.UpsertNode(ctx, 0x2222, repository.NodeUpdate{SeenAt: now.Add(-48 * time.Hour)}); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	// Zero since falls back to the freshness window: the stale node is out.
	nodes, err := svc.ListNodes(ctx, nil, time.Time{})
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != 0x1111 {
		t.Errorf("default window nodes = %+v", nodes)
	}

	// An explicit since widens the window.
	nodes, err = svc.ListNodes(ctx, nil, now.Add(-72*time.Hour))
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Errorf("widened window nodes = %+v", nodes)
	}
}

func TestListGatewaysSinceBound(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.UpsertGateway(ctx, 0xaaaa, now); err != nil {
		t.Fatalf("UpsertGateway: %v", err)
	}
	if err := store.UpsertGateway(ctx, 0xbbbb, now.Add(-48*time.Hour)); err != nil {
		t.Fatalf("UpsertGateway: %v", err)
	}

	gws, err := svc.ListGateways(ctx, time.Time{})
	if err != nil {
		t.Fatalf("ListGateways: %v", err)
	}
	if len(gws) != 1 || gws[0].ID != 0xaaaa {
		t.Errorf("default window gateways = %+v", gws)
	}

	gws, err = svc.ListGateways(ctx, now.Add(-72*time.Hour))
	if err != nil {
		t.Fatalf("ListGateways: %v", err)
	}
	if len(gws) != 2 {
		t.Errorf("widened window gateways = %+v", gws)
	}
}

func TestNodeNeighbors(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()
	snr := func(v float32) *float32 { return &v }

	// Both directions between 0x1111 and 0x2222, one-way from 0x3333.
	incoming := domain.LinkObservation{
		FromNodeID: 0x2222, ToNodeID: 0x1111, SeenAt: now,
		SNR: snr(5.5), Source: domain.LinkSourceMQTTHear,
	}
	outgoing := domain.LinkObservation{
		FromNodeID: 0x1111, ToNodeID: 0x2222, SeenAt: now.Add(-time.Minute),
		SNR: snr(2), Source: domain.LinkSourceNeighborInfo,
	}
	oneWay := domain.LinkObservation{
		FromNodeID: 0x3333, ToNodeID: 0x1111, SeenAt: now.Add(-time.Hour),
		Source: domain.LinkSourceTraceroute,
	}
	for _, obs := range []domain.LinkObservation{incoming, outgoing, oneWay} {
		if err := store.UpsertDirectLink(ctx, obs); err != nil {
			t.Fatalf("UpsertDirectLink: %v", err)
		}
	}

	neighbors, err := svc.NodeNeighbors(ctx, 0x1111)
	if err != nil {
		t.Fatalf("NodeNeighbors: %v", err)
	}
	if len(neighbors) != 2 {
		t.Fatalf("neighbors = %+v", neighbors)
	}

	// Most recently linked first; the incoming link wins over the outgoing
	// one for the same neighbor.
	first := neighbors[0]
	if first.ID != 0x2222 {
		t.Fatalf("first neighbor = %08x", first.ID)
	}
	if first.Direction != "incoming" {
		t.Errorf("direction = %s", first.Direction)
	}
	if first.LastSNR == nil || *first.LastSNR != 5.5 {
		t.Errorf("snr = %v, want the incoming link's", first.LastSNR)
	}
	if first.LastSeenDirect.Before(neighbors[1].LastSeenDirect) {
		t.Errorf("neighbors not sorted by link recency: %v then %v", first.LastSeenDirect, neighbors[1].LastSeenDirect)
	}

	second := neighbors[1]
	if second.ID != 0x3333 || second.Direction != "incoming" {
		t.Errorf("second neighbor = %08x direction %s", second.ID, second.Direction)
	}
	if second.LastSNR != nil {
		t.Errorf("traceroute link snr = %v, want none", *second.LastSNR)
	}
}

func TestNodeNeighborsUnknownNode(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.NodeNeighbors(context.Background(), 0x9999)
	if err != repository.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
