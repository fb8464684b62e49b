// Package hub fans live packet events out to streaming subscribers.
package hub

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"

	"meshmap/internal/domain"
)

// Event is the wire frame pushed to stream subscribers.
type Event struct {
	Type   string         `json:"type"`
	Packet *domain.Packet `json:"packet"`
}

// Subscriber is one live feed. Messages arrive on C as pre-marshaled JSON
// frames; C is closed when the subscriber is evicted or the hub shuts
// down.
type Subscriber struct {
	C chan []byte

	// Restrict the feed to packets heard by one gateway. Nil means all
	// traffic.
	gatewayID *uint32
	id        uint64
}

func (s *Subscriber) wants(pkt *domain.Packet) bool {
	if s.gatewayID == nil {
		return true
	}
	for _, hop := range pkt.Hops {
		if hop.GatewayID == *s.gatewayID {
			return true
		}
	}
	return false
}

// Hub manages stream subscriber connections.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	register    chan *Subscriber
	unregister  chan *Subscriber
	broadcast   chan *domain.Packet
	done        chan struct{}
	stopOnce    sync.Once

	nextID    atomic.Uint64
	evictions atomic.Int64
	drops     atomic.Int64
}

// New creates a new Hub.
func New() *Hub {
	return &Hub{
		subscribers: make(map[*Subscriber]struct{}),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		broadcast:   make(chan *domain.Packet, 256),
		done:        make(chan struct{}),
	}
}

// Run starts the hub's event loop and blocks until Shutdown.
func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub] = struct{}{}
			total := len(h.subscribers)
			h.mu.Unlock()
			log.Printf("stream subscriber connected: %d (total: %d)", sub.id, total)

		case sub := <-h.unregister:
			h.remove(sub)

		case pkt := <-h.broadcast:
			h.deliver(pkt)

		case <-h.done:
			h.mu.Lock()
			for sub := range h.subscribers {
				delete(h.subscribers, sub)
				close(sub.C)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		close(sub.C)
		log.Printf("stream subscriber disconnected: %d (total: %d)", sub.id, len(h.subscribers))
	}
}

func (h *Hub) deliver(pkt *domain.Packet) {
	frame, err := json.Marshal(Event{Type: "packet", Packet: pkt})
	if err != nil {
		log.Printf("failed to marshal packet event: %v", err)
		return
	}

	var evicted []*Subscriber
	h.mu.RLock()
	for sub := range h.subscribers {
		if !sub.wants(pkt) {
			continue
		}
		select {
		case sub.C <- frame:
		default:
			// A subscriber that stopped draining is cut off rather than
			// allowed to stall the feed.
			evicted = append(evicted, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range evicted {
		h.evictions.Add(1)
		log.Printf("stream subscriber %d too slow, evicting", sub.id)
		h.remove(sub)
	}
}

// Subscribe registers a new feed, optionally filtered to packets heard by
// one gateway. Returns nil after Shutdown.
func (h *Hub) Subscribe(gatewayID *uint32) *Subscriber {
	sub := &Subscriber{
		C:         make(chan []byte, 64),
		gatewayID: gatewayID,
		id:        h.nextID.Add(1),
	}
	select {
	case h.register <- sub:
		return sub
	case <-h.done:
		return nil
	}
}

// Unsubscribe removes a feed and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// Broadcast queues a packet event for fan-out. Events are dropped, not
// blocked on, when the hub cannot keep up.
func (h *Hub) Broadcast(pkt *domain.Packet) {
	select {
	case h.broadcast <- pkt:
	default:
		h.drops.Add(1)
		log.Println("broadcast channel full, dropping event")
	}
}

// Shutdown stops the event loop and closes all subscriber channels.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.done) })
}

// SubscriberCount returns the number of connected feeds.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Evictions returns the number of subscribers cut off for not draining.
func (h *Hub) Evictions() int64 { return h.evictions.Load() }

// Drops returns the number of events discarded at the broadcast queue.
func (h *Hub) Drops() int64 { return h.drops.Load() }
