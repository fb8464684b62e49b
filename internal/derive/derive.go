// Package derive turns decoded mesh traffic into direct-link evidence.
//
// Three independent evidence streams feed the link graph: a gateway hearing
// a zero-hop packet over RF, a node reporting its neighbor table, and a
// traceroute response carrying per-hop SNR readings. Each observation is a
// directed edge from transmitter to receiver.
package derive

import (
	"time"

	"meshmap/internal/domain"
	"meshmap/internal/meshproto"
)

// HeardDirectly reports whether a gateway received a packet straight off
// the air, and if so returns the transmitter-to-gateway observation.
//
// A packet arrives with its full hop budget intact only when no
// intermediate node relayed it, so hop_limit == hop_start means the
// uplinking gateway heard the sender itself. Legacy firmware reports both
// fields as zero; those packets still count as heard directly. Gateways
// republish their own packets too; those carry no radio edge.
func HeardDirectly(mp *meshproto.MeshPacket, gatewayID uint32, seenAt time.Time) *domain.LinkObservation {
	if mp.HopLimit != mp.HopStart {
		return nil
	}
	if mp.From == gatewayID || mp.From == 0 {
		return nil
	}
	obs := &domain.LinkObservation{
		FromNodeID: mp.From,
		ToNodeID:   gatewayID,
		SeenAt:     seenAt,
		Source:     domain.LinkSourceMQTTHear,
	}
	if mp.RxSNR != 0 {
		snr := mp.RxSNR
		obs.SNR = &snr
	}
	if mp.RxRSSI != 0 {
		rssi := mp.RxRSSI
		obs.RSSI = &rssi
	}
	return obs
}

// FromNeighborInfo returns one observation per reported neighbor. The
// neighbor table records stations the reporter heard, so each entry is an
// edge from the neighbor toward the reporter, carrying the SNR the
// reporter measured. RSSI is not part of the neighbor report.
func FromNeighborInfo(ni *meshproto.NeighborInfo, reporterID uint32, seenAt time.Time) []domain.LinkObservation {
	if ni == nil || reporterID == 0 {
		return nil
	}
	obs := make([]domain.LinkObservation, 0, len(ni.Neighbors))
	for _, n := range ni.Neighbors {
		if n.NodeID == 0 || n.NodeID == reporterID || n.NodeID == domain.BroadcastAddr {
			continue
		}
		snr := n.SNR
		obs = append(obs, domain.LinkObservation{
			FromNodeID: n.NodeID,
			ToNodeID:   reporterID,
			SeenAt:     seenAt,
			SNR:        &snr,
			Source:     domain.LinkSourceNeighborInfo,
		})
	}
	return obs
}

// FromTraceroute expands a traceroute response into per-hop observations.
//
// The response travels from the traceroute target back to the initiator, so
// the packet sender is the target and the packet destination is the
// initiator. The recorded forward path is initiator, route hops, target;
// the return path is target, route_back hops, initiator. SNR values are
// wire units of a quarter dB; the firmware's sentinel for an unmeasured
// hop yields an edge without SNR rather than no edge.
func FromTraceroute(rd *meshproto.RouteDiscovery, senderID, destID uint32, seenAt time.Time) []domain.LinkObservation {
	if rd == nil {
		return nil
	}

	initiator, target := destID, senderID
	// A request snapshot seen in flight has towards-SNR only; there the
	// sender is the initiator.
	if len(rd.SNRTowards) > 0 && len(rd.SNRBack) == 0 && len(rd.RouteBack) == 0 {
		initiator, target = senderID, destID
	}

	var obs []domain.LinkObservation
	obs = appendChain(obs, chainNodes(initiator, rd.Route, target), rd.SNRTowards, seenAt)
	if len(rd.RouteBack) > 0 || len(rd.SNRBack) > 0 {
		obs = appendChain(obs, chainNodes(target, rd.RouteBack, initiator), rd.SNRBack, seenAt)
	}
	return obs
}

func chainNodes(first uint32, mid []uint32, last uint32) []uint32 {
	chain := make([]uint32, 0, len(mid)+2)
	chain = append(chain, first)
	chain = append(chain, mid...)
	chain = append(chain, last)
	return chain
}

// appendChain emits an edge for each consecutive pair in the chain. The
// SNR slice parallels the edges; a missing or sentinel entry leaves the
// edge unmeasured.
func appendChain(obs []domain.LinkObservation, chain []uint32, snrs []int32, seenAt time.Time) []domain.LinkObservation {
	for i := 0; i+1 < len(chain); i++ {
		from, to := chain[i], chain[i+1]
		if from == 0 || to == 0 || from == to {
			continue
		}
		if from == domain.BroadcastAddr || to == domain.BroadcastAddr {
			continue
		}
		o := domain.LinkObservation{
			FromNodeID: from,
			ToNodeID:   to,
			SeenAt:     seenAt,
			Source:     domain.LinkSourceTraceroute,
		}
		if i < len(snrs) && snrs[i] != meshproto.UnknownSNR {
			snr := float32(snrs[i]) / 4.0
			o.SNR = &snr
		}
		obs = append(obs, o)
	}
	return obs
}
