// Package ingest runs the transport-to-store pipeline: raw uplink messages
// in, decoded packet state, node state and link evidence out.
package ingest

import (
	"context"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"meshmap/internal/derive"
	"meshmap/internal/domain"
	"meshmap/internal/hub"
	"meshmap/internal/meshproto"
	"meshmap/internal/observability"
	"meshmap/internal/repository"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 1024
)

type rawMessage struct {
	topic      string
	payload    []byte
	receivedAt time.Time
}

// Pipeline decodes raw uplink messages and applies them to the store. It is
// a passive observer: nothing is ever published back to the transport.
type Pipeline struct {
	store   repository.Store
	events  *hub.Hub
	metrics *observability.Collector
	key     []byte

	intake  chan rawMessage
	workers int
	stopped atomic.Bool
}

// New builds a pipeline. key is the channel AES key used to open encrypted
// payloads; nil disables decryption. workers and queueSize fall back to
// defaults when zero.
func New(store repository.Store, events *hub.Hub, metrics *observability.Collector, key []byte, workers, queueSize int) *Pipeline {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Pipeline{
		store:   store,
		events:  events,
		metrics: metrics,
		key:     key,
		intake:  make(chan rawMessage, queueSize),
		workers: workers,
	}
}

// Submit queues one raw transport message. It never blocks: when the intake
// queue is full the oldest queued message is discarded to make room, so a
// slow store backs pressure onto history rather than onto the transport
// client. After shutdown begins, submissions are ignored.
func (p *Pipeline) Submit(topic string, payload []byte) {
	if p.stopped.Load() || skipTopic(topic) {
		return
	}
	msg := rawMessage{topic: topic, payload: payload, receivedAt: time.Now().UTC()}

	select {
	case p.intake <- msg:
		return
	default:
	}

	select {
	case <-p.intake:
		p.metrics.QueueDrops.Inc()
	default:
	}
	select {
	case p.intake <- msg:
	default:
		p.metrics.QueueDrops.Inc()
	}
}

// skipTopic filters the uplink topic tree down to protobuf envelopes.
// Gateways also publish JSON mirrors and status messages under the same
// root.
func skipTopic(topic string) bool {
	return strings.Contains(topic, "/json/") || strings.Contains(topic, "/stat/")
}

// Run processes queued messages until the context is canceled, then stops
// accepting submissions and drains what was already queued before the
// workers exit. One malformed or unprocessable message never stops the
// pipeline.
func (p *Pipeline) Run(ctx context.Context) error {
	// An accepted message finishes its store writes even when cancellation
	// arrives mid-flight.
	work := context.WithoutCancel(ctx)

	var g errgroup.Group
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					p.stopped.Store(true)
					p.drain(work)
					return nil
				case msg := <-p.intake:
					p.process(work, msg)
				}
			}
		})
	}
	return g.Wait()
}

// drain empties the intake queue. Submissions are already rejected when
// this runs, so the loop terminates.
func (p *Pipeline) drain(ctx context.Context) {
	for {
		select {
		case msg := <-p.intake:
			p.process(ctx, msg)
		default:
			return
		}
	}
}

func (p *Pipeline) process(ctx context.Context, msg rawMessage) {
	p.metrics.MessagesReceived.Inc()

	env, err := meshproto.DecodeEnvelope(msg.payload)
	if err != nil {
		p.metrics.DecodeFailures.WithLabelValues("envelope").Inc()
		log.Printf("dropping malformed envelope on %s: %v", msg.topic, err)
		return
	}
	mp := env.Packet

	if mp.Decoded == nil {
		meshproto.TryDecrypt(mp, p.key)
	}

	seenAt := msg.receivedAt
	if err := p.store.UpsertGateway(ctx, env.GatewayID, seenAt); err != nil {
		log.Printf("upsert gateway %08x: %v", env.GatewayID, err)
	}

	pkt := p.buildPacket(mp, seenAt)
	hop := domain.Hop{
		GatewayID: env.GatewayID,
		SeenAt:    seenAt,
		HopLimit:  mp.HopLimit,
		RSSI:      mp.RxRSSI,
		SNR:       mp.RxSNR,
	}
	if mp.RelayNode != 0 {
		relay := mp.RelayNode
		hop.RelayNode = &relay
	}

	p.applyNodeState(ctx, mp, pkt, seenAt)

	if _, err := p.store.RecordPacket(ctx, pkt, hop); err != nil {
		log.Printf("record packet %s: %v", pkt.PacketKey, err)
		return
	}
	p.metrics.PacketsPersisted.Inc()

	p.deriveLinks(ctx, mp, env.GatewayID, pkt, seenAt)

	pkt.Hops = []domain.Hop{hop}
	p.events.Broadcast(pkt)
}

// buildPacket maps the wire header to the stored packet record. Packets
// that stayed encrypted keep their ciphertext length and no port.
func (p *Pipeline) buildPacket(mp *meshproto.MeshPacket, seenAt time.Time) *domain.Packet {
	pkt := &domain.Packet{
		PacketKey: domain.PacketKey{ID: mp.ID, FromID: mp.From, ToID: mp.To},
		FirstSeen: seenAt,
		HopStart:  mp.HopStart,
		WantAck:   mp.WantAck,
		ViaMQTT:   mp.ViaMQTT,
	}

	if mp.Decoded == nil {
		pkt.Length = len(mp.Encrypted)
		return pkt
	}

	port := mp.Decoded.Port
	pkt.Port = &port
	pkt.Length = len(mp.Decoded.Payload)

	payload, err := meshproto.DecodePayload(port, mp.Decoded.Payload)
	if err != nil {
		p.metrics.DecodeFailures.WithLabelValues("payload").Inc()
		log.Printf("payload on port %s: %v", port, err)
	}
	pkt.Payload = payload
	p.metrics.PayloadsByPort.WithLabelValues(port.String()).Inc()
	return pkt
}

// applyNodeState merges what this packet reveals about its sender.
func (p *Pipeline) applyNodeState(ctx context.Context, mp *meshproto.MeshPacket, pkt *domain.Packet, seenAt time.Time) {
	if mp.From == 0 || mp.From == domain.BroadcastAddr {
		return
	}

	upd := repository.NodeUpdate{SeenAt: seenAt}
	if mp.HopStart > 0 {
		hopStart := mp.HopStart
		upd.HopStart = &hopStart
	}
	// Firmware that predates hop_start sends packets with the field absent
	// while still carrying a hop_limit.
	legacy := mp.HopStart == 0 && mp.HopLimit != 0
	upd.Legacy = &legacy

	switch payload := pkt.Payload.(type) {
	case *meshproto.User:
		upd.Info = &domain.NodeInfo{
			UserID:     payload.ID,
			LongName:   payload.LongName,
			ShortName:  payload.ShortName,
			HwModel:    payload.HwModel,
			Role:       domain.RoleName(payload.Role),
			IsLicensed: payload.IsLicensed,
		}
	case *meshproto.Position:
		upd.Position = &domain.Position{
			LatitudeI:     payload.LatitudeI,
			LongitudeI:    payload.LongitudeI,
			Altitude:      payload.Altitude,
			Time:          payload.Time,
			PrecisionBits: payload.PrecisionBits,
			Source:        payload.SourceName(),
		}
	case *meshproto.Telemetry:
		if payload.DeviceMetrics != nil {
			upd.Metrics = &domain.DeviceMetrics{
				BatteryLevel:       payload.DeviceMetrics.BatteryLevel,
				Voltage:            payload.DeviceMetrics.Voltage,
				ChannelUtilization: payload.DeviceMetrics.ChannelUtilization,
				AirUtilTx:          payload.DeviceMetrics.AirUtilTx,
				UptimeSeconds:      payload.DeviceMetrics.UptimeSeconds,
			}
		}
	}

	if err := p.store.UpsertNode(ctx, mp.From, upd); err != nil {
		log.Printf("upsert node %08x: %v", mp.From, err)
	}
}

// deriveLinks extracts direct-link evidence from the packet and merges it.
// Each observation is independent; a failed merge is logged and the rest
// proceed.
func (p *Pipeline) deriveLinks(ctx context.Context, mp *meshproto.MeshPacket, gatewayID uint32, pkt *domain.Packet, seenAt time.Time) {
	if obs := derive.HeardDirectly(mp, gatewayID, seenAt); obs != nil {
		if err := p.store.RecordGatewayNodeHear(ctx, gatewayID, mp.From, obs.RSSI, obs.SNR, seenAt); err != nil {
			log.Printf("record gateway hear %08x<-%08x: %v", gatewayID, mp.From, err)
		}
		p.mergeLink(ctx, *obs)
	}

	switch payload := pkt.Payload.(type) {
	case *meshproto.NeighborInfo:
		for _, obs := range derive.FromNeighborInfo(payload, mp.From, seenAt) {
			p.mergeLink(ctx, obs)
		}
	case *meshproto.RouteDiscovery:
		for _, obs := range derive.FromTraceroute(payload, mp.From, mp.To, seenAt) {
			p.mergeLink(ctx, obs)
		}
	}
}

func (p *Pipeline) mergeLink(ctx context.Context, obs domain.LinkObservation) {
	if err := p.store.UpsertDirectLink(ctx, obs); err != nil {
		log.Printf("merge %s link %08x->%08x: %v", obs.Source, obs.FromNodeID, obs.ToNodeID, err)
		return
	}
	p.metrics.LinksDerived.WithLabelValues(string(obs.Source)).Inc()
}
