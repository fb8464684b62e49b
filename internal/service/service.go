// Package service provides the read-side business logic over the store:
// freshness windows, activity rates, and display-level link merging.
package service

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"meshmap/internal/domain"
	"meshmap/internal/repository"
)

const (
	// DefaultFreshness bounds what counts as currently-active state in
	// listings.
	DefaultFreshness = 24 * time.Hour

	// rateWindow is the lookback for message-rate computation.
	rateWindow = 24 * time.Hour

	defaultStatsLimit = 10
)

// ObserverService provides read operations over the observed mesh state.
type ObserverService struct {
	store     repository.Store
	freshness time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// New creates a new ObserverService. A non-positive freshness falls back to
// the default window.
func New(store repository.Store, freshness time.Duration) *ObserverService {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &ObserverService{
		store:     store,
		freshness: freshness,
		now:       time.Now,
	}
}

// ListGateways returns gateways seen since the given time. A zero since
// defaults to the freshness window.
func (s *ObserverService) ListGateways(ctx context.Context, since time.Time) ([]domain.Gateway, error) {
	if since.IsZero() {
		since = s.now().Add(-s.freshness)
	}
	return s.store.ListGateways(ctx, since)
}

// GetNode retrieves a single node by its mesh id.
func (s *ObserverService) GetNode(ctx context.Context, id uint32) (*domain.Node, error) {
	return s.store.GetNode(ctx, id)
}

// ListNodes returns nodes seen since the given time (zero defaults to the
// freshness window), optionally only those a given gateway has heard. Each
// node carries its 24h message count and average hourly rate.
func (s *ObserverService) ListNodes(ctx context.Context, gatewayID *uint32, since time.Time) ([]domain.Node, error) {
	now := s.now()
	if since.IsZero() {
		since = now.Add(-s.freshness)
	}
	nodes, err := s.store.ListNodes(ctx, gatewayID, since, now.Add(-rateWindow))
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		s.attachRate(&nodes[i], now)
	}
	return nodes, nil
}

// attachRate computes the average messages per hour over the rate window.
// A node first seen mid-window is rated over its actual lifetime so a
// newcomer is not diluted to near zero.
func (s *ObserverService) attachRate(node *domain.Node, now time.Time) {
	if node.MessageCount24h == nil {
		return
	}
	start := now.Add(-rateWindow)
	if node.FirstSeen.After(start) {
		start = node.FirstSeen
	}
	elapsed := now.Sub(start)
	if elapsed < time.Minute {
		elapsed = time.Minute
	}
	rate := float64(*node.MessageCount24h) / elapsed.Hours()
	rate = math.Round(rate*10) / 10
	node.AvgMsgPerHour = &rate
}

// GetPacket retrieves one packet with its reception hops.
func (s *ObserverService) GetPacket(ctx context.Context, id uint32) (*domain.Packet, error) {
	return s.store.GetPacket(ctx, id)
}

// ListNodePackets returns packets related to a node by the given mode.
// Zero start and end default to the freshness window ending now.
func (s *ObserverService) ListNodePackets(ctx context.Context, nodeID uint32, mode repository.PacketFilterMode, start, end time.Time) ([]domain.Packet, error) {
	if end.IsZero() {
		end = s.now()
	}
	if start.IsZero() {
		start = end.Add(-s.freshness)
	}
	return s.store.ListNodePackets(ctx, nodeID, mode, start, end)
}

// PortCount is one row of the per-port traffic aggregate, keyed by port
// name for display.
type PortCount struct {
	Port  string `json:"portnum"`
	Count int64  `json:"count"`
}

// PortStats returns packet counts grouped by port, busiest first. Packets
// whose port never decoded group under UNKNOWN.
func (s *ObserverService) PortStats(ctx context.Context, f repository.StatsFilter) ([]PortCount, error) {
	counts, err := s.store.CountPacketsByPort(ctx, f)
	if err != nil {
		return nil, err
	}

	stats := make([]PortCount, 0, len(counts))
	for port, count := range counts {
		name := "UNKNOWN"
		if port >= 0 {
			name = port.String()
		}
		stats = append(stats, PortCount{Port: name, Count: count})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Port < stats[j].Port
	})
	return stats, nil
}

// NodeStats returns the noisiest sender nodes, capped at limit (default 10).
func (s *ObserverService) NodeStats(ctx context.Context, f repository.StatsFilter, limit int) ([]repository.NodePacketCount, error) {
	if limit <= 0 {
		limit = defaultStatsLimit
	}
	return s.store.CountPacketsByNode(ctx, f, limit)
}

// CurrentLinks returns directed links observed inside the freshness window.
func (s *ObserverService) CurrentLinks(ctx context.Context) ([]domain.DirectLink, error) {
	return s.store.ListDirectLinks(ctx, s.now().Add(-s.freshness))
}

// NeighborNode is a node directly linked to a queried node, augmented with
// the metrics of the link that connects them. Direction is relative to the
// queried node: incoming means the queried node heard the neighbor.
type NeighborNode struct {
	domain.Node
	LastSNR        *float32  `json:"last_snr,omitempty"`
	LastRSSI       *int32    `json:"last_rssi,omitempty"`
	LastSeenDirect time.Time `json:"last_seen_direct"`
	Direction      string    `json:"direction"`
}

// NodeNeighbors returns the nodes directly linked to one node inside the
// freshness window, most recently linked first. When both directions exist
// the incoming link supplies the metrics. Returns repository.ErrNotFound
// for a node never observed.
func (s *ObserverService) NodeNeighbors(ctx context.Context, nodeID uint32) ([]NeighborNode, error) {
	if _, err := s.store.GetNode(ctx, nodeID); err != nil {
		return nil, err
	}

	links, err := s.store.ListNodeLinks(ctx, nodeID, s.now().Add(-s.freshness))
	if err != nil {
		return nil, err
	}

	selected := make(map[uint32]*domain.DirectLink)
	for i := range links {
		link := &links[i]
		neighborID := link.FromNodeID
		if neighborID == nodeID {
			neighborID = link.ToNodeID
		}
		current, ok := selected[neighborID]
		if !ok || (link.ToNodeID == nodeID && current.ToNodeID != nodeID) {
			selected[neighborID] = link
		}
	}

	neighbors := make([]NeighborNode, 0, len(selected))
	for neighborID, link := range selected {
		node, err := s.store.GetNode(ctx, neighborID)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		direction := "outgoing"
		if link.ToNodeID == nodeID {
			direction = "incoming"
		}
		neighbors = append(neighbors, NeighborNode{
			Node:           *node,
			LastSNR:        link.LastSNR,
			LastRSSI:       link.LastRSSI,
			LastSeenDirect: link.LastSeen,
			Direction:      direction,
		})
	}
	sort.Slice(neighbors, func(i, j int) bool {
		if !neighbors[i].LastSeenDirect.Equal(neighbors[j].LastSeenDirect) {
			return neighbors[i].LastSeenDirect.After(neighbors[j].LastSeenDirect)
		}
		return neighbors[i].ID < neighbors[j].ID
	})
	return neighbors, nil
}

// MergedLinks returns the freshness-window links folded into unordered node
// pairs for display, marking pairs confirmed in both directions.
func (s *ObserverService) MergedLinks(ctx context.Context) ([]domain.LinkPair, error) {
	links, err := s.CurrentLinks(ctx)
	if err != nil {
		return nil, err
	}
	return MergeBidirectional(links), nil
}

// MergeBidirectional folds directed links into unordered pairs. Pair
// endpoints are ordered with the smaller id first; output is sorted for
// stable display.
func MergeBidirectional(links []domain.DirectLink) []domain.LinkPair {
	type pairKey struct{ a, b uint32 }
	pairs := make(map[pairKey]*domain.LinkPair)

	for i := range links {
		link := &links[i]
		key := pairKey{link.FromNodeID, link.ToNodeID}
		forward := true
		if key.a > key.b {
			key.a, key.b = key.b, key.a
			forward = false
		}

		pair, ok := pairs[key]
		if !ok {
			pair = &domain.LinkPair{NodeA: key.a, NodeB: key.b}
			pairs[key] = pair
		}
		if forward {
			pair.AtoB = link
		} else {
			pair.BtoA = link
		}
		pair.Bidirectional = pair.AtoB != nil && pair.BtoA != nil
	}

	merged := make([]domain.LinkPair, 0, len(pairs))
	for _, pair := range pairs {
		merged = append(merged, *pair)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].NodeA != merged[j].NodeA {
			return merged[i].NodeA < merged[j].NodeA
		}
		return merged[i].NodeB < merged[j].NodeB
	})
	return merged
}
