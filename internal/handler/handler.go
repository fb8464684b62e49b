// Package handler exposes the observed mesh state over a read-only HTTP
// API and a live websocket feed.
package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"meshmap/internal/domain"
	"meshmap/internal/hub"
	"meshmap/internal/meshproto"
	"meshmap/internal/repository"
	"meshmap/internal/service"
)

// APIHandler handles read API requests.
type APIHandler struct {
	svc    *service.ObserverService
	stream *hub.Hub
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(svc *service.ObserverService, stream *hub.Hub) *APIHandler {
	return &APIHandler{svc: svc, stream: stream}
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Routes returns the configured mux for the read API.
func (h *APIHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/gateways", h.ListGateways)
	mux.HandleFunc("/api/nodes", h.ListNodes)
	mux.HandleFunc("/api/nodes/", h.nodeSubroutes)
	mux.HandleFunc("/api/packets/", h.GetPacket)
	mux.HandleFunc("/api/stats/portnums", h.PortStats)
	mux.HandleFunc("/api/stats/nodes", h.NodeStats)
	mux.HandleFunc("/api/links/direct", h.DirectLinks)
	mux.HandleFunc("/ws", h.Stream)
	mux.HandleFunc("/healthz", h.Health)
	return mux
}

// nodeSubroutes dispatches /api/nodes/{id}[/packets|/direct_nodes].
func (h *APIHandler) nodeSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := extractPathParam(r.URL.Path, "/api/nodes/")
	switch {
	case strings.HasSuffix(rest, "/packets"):
		h.ListNodePackets(w, r, strings.TrimSuffix(rest, "/packets"))
	case strings.HasSuffix(rest, "/direct_nodes"):
		h.NodeNeighbors(w, r, strings.TrimSuffix(rest, "/direct_nodes"))
	default:
		h.GetNode(w, r, rest)
	}
}

// Health reports liveness.
func (h *APIHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// ListGateways returns gateways active inside the freshness window, or
// since the from_date query parameter (unix seconds) when given.
func (h *APIHandler) ListGateways(w http.ResponseWriter, r *http.Request) {
	since, ok := h.parseTimeParam(w, r, "from_date")
	if !ok {
		return
	}
	gateways, err := h.svc.ListGateways(r.Context(), since)
	if err != nil {
		log.Printf("failed to list gateways: %v", err)
		h.writeError(w, "Failed to list gateways", err.Error(), http.StatusInternalServerError)
		return
	}
	if gateways == nil {
		gateways = []domain.Gateway{}
	}
	h.writeJSON(w, gateways, http.StatusOK)
}

// ListNodes returns active nodes, optionally only those heard by the
// gateway named in the gateway_id query parameter and/or seen since the
// from_date query parameter (unix seconds).
func (h *APIHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	var gatewayID *uint32
	if raw := r.URL.Query().Get("gateway_id"); raw != "" {
		id, err := meshproto.ParseGatewayID(raw)
		if err != nil {
			h.writeError(w, "Invalid gateway_id", err.Error(), http.StatusBadRequest)
			return
		}
		gatewayID = &id
	}
	since, ok := h.parseTimeParam(w, r, "from_date")
	if !ok {
		return
	}

	nodes, err := h.svc.ListNodes(r.Context(), gatewayID, since)
	if err != nil {
		log.Printf("failed to list nodes: %v", err)
		h.writeError(w, "Failed to list nodes", err.Error(), http.StatusInternalServerError)
		return
	}
	if nodes == nil {
		nodes = []domain.Node{}
	}
	h.writeJSON(w, nodes, http.StatusOK)
}

// GetNode returns a single node.
func (h *APIHandler) GetNode(w http.ResponseWriter, r *http.Request, rawID string) {
	id, ok := h.parseNodeID(w, rawID)
	if !ok {
		return
	}

	node, err := h.svc.GetNode(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		h.writeError(w, "Node not found", "", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("failed to get node %08x: %v", id, err)
		h.writeError(w, "Failed to get node", err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, node, http.StatusOK)
}

// ListNodePackets returns packets related to a node. The mode query
// parameter selects sent_by (default), sent_to, or received; start and end
// are unix seconds.
func (h *APIHandler) ListNodePackets(w http.ResponseWriter, r *http.Request, rawID string) {
	id, ok := h.parseNodeID(w, rawID)
	if !ok {
		return
	}

	mode := repository.PacketFilterMode(r.URL.Query().Get("mode"))
	switch mode {
	case "", repository.PacketsSentBy:
		mode = repository.PacketsSentBy
	case repository.PacketsSentTo, repository.PacketsReceived:
	default:
		h.writeError(w, "Invalid mode", "mode must be sent_by, sent_to, or received", http.StatusBadRequest)
		return
	}

	start, ok := h.parseTimeParam(w, r, "start")
	if !ok {
		return
	}
	end, ok := h.parseTimeParam(w, r, "end")
	if !ok {
		return
	}

	packets, err := h.svc.ListNodePackets(r.Context(), id, mode, start, end)
	if err != nil {
		log.Printf("failed to list packets for node %08x: %v", id, err)
		h.writeError(w, "Failed to list packets", err.Error(), http.StatusInternalServerError)
		return
	}
	if packets == nil {
		packets = []domain.Packet{}
	}
	h.writeJSON(w, packets, http.StatusOK)
}

// GetPacket returns one packet with its reception hops.
func (h *APIHandler) GetPacket(w http.ResponseWriter, r *http.Request) {
	raw := extractPathParam(r.URL.Path, "/api/packets/")
	id64, err := strconv.ParseUint(strings.TrimPrefix(raw, "0x"), 16, 32)
	if err != nil {
		h.writeError(w, "Invalid packet ID", "packet id must be hex", http.StatusBadRequest)
		return
	}

	pkt, err := h.svc.GetPacket(r.Context(), uint32(id64))
	if errors.Is(err, repository.ErrNotFound) {
		h.writeError(w, "Packet not found", "", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("failed to get packet %08x: %v", id64, err)
		h.writeError(w, "Failed to get packet", err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, pkt, http.StatusOK)
}

// PortStats returns packet counts per port inside the filter scope.
func (h *APIHandler) PortStats(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.parseStatsFilter(w, r)
	if !ok {
		return
	}

	stats, err := h.svc.PortStats(r.Context(), filter)
	if err != nil {
		log.Printf("failed to compute port stats: %v", err)
		h.writeError(w, "Failed to compute stats", err.Error(), http.StatusInternalServerError)
		return
	}
	if stats == nil {
		stats = []service.PortCount{}
	}
	h.writeJSON(w, stats, http.StatusOK)
}

// NodeStats returns the noisiest sender nodes inside the filter scope.
func (h *APIHandler) NodeStats(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.parseStatsFilter(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			h.writeError(w, "Invalid limit", "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = v
	}

	stats, err := h.svc.NodeStats(r.Context(), filter, limit)
	if err != nil {
		log.Printf("failed to compute node stats: %v", err)
		h.writeError(w, "Failed to compute stats", err.Error(), http.StatusInternalServerError)
		return
	}
	if stats == nil {
		stats = []repository.NodePacketCount{}
	}
	h.writeJSON(w, stats, http.StatusOK)
}

// NodeNeighbors returns the nodes directly linked to one node, each
// augmented with the connecting link's metrics and direction.
func (h *APIHandler) NodeNeighbors(w http.ResponseWriter, r *http.Request, rawID string) {
	id, ok := h.parseNodeID(w, rawID)
	if !ok {
		return
	}

	neighbors, err := h.svc.NodeNeighbors(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		h.writeError(w, "Node not found", "", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("failed to list neighbors for node %08x: %v", id, err)
		h.writeError(w, "Failed to list neighbors", err.Error(), http.StatusInternalServerError)
		return
	}
	if neighbors == nil {
		neighbors = []service.NeighborNode{}
	}
	h.writeJSON(w, neighbors, http.StatusOK)
}

// DirectLinks returns the current link graph. With merged=true the two
// directions of each pair fold into one record.
func (h *APIHandler) DirectLinks(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("merged") == "true" {
		pairs, err := h.svc.MergedLinks(r.Context())
		if err != nil {
			log.Printf("failed to list merged links: %v", err)
			h.writeError(w, "Failed to list links", err.Error(), http.StatusInternalServerError)
			return
		}
		if pairs == nil {
			pairs = []domain.LinkPair{}
		}
		h.writeJSON(w, pairs, http.StatusOK)
		return
	}

	links, err := h.svc.CurrentLinks(r.Context())
	if err != nil {
		log.Printf("failed to list links: %v", err)
		h.writeError(w, "Failed to list links", err.Error(), http.StatusInternalServerError)
		return
	}
	if links == nil {
		links = []domain.DirectLink{}
	}
	h.writeJSON(w, links, http.StatusOK)
}

// Helper methods

func (h *APIHandler) parseNodeID(w http.ResponseWriter, raw string) (uint32, bool) {
	if raw == "" {
		h.writeError(w, "Node ID required", "", http.StatusBadRequest)
		return 0, false
	}
	id, err := meshproto.ParseGatewayID(raw)
	if err != nil {
		h.writeError(w, "Invalid node ID", "node id must be hex, with or without a leading !", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (h *APIHandler) parseTimeParam(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, true
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		h.writeError(w, "Invalid "+name, name+" must be unix seconds", http.StatusBadRequest)
		return time.Time{}, false
	}
	return time.Unix(secs, 0).UTC(), true
}

func (h *APIHandler) parseStatsFilter(w http.ResponseWriter, r *http.Request) (repository.StatsFilter, bool) {
	var f repository.StatsFilter

	if raw := r.URL.Query().Get("node_id"); raw != "" {
		id, err := meshproto.ParseGatewayID(raw)
		if err != nil {
			h.writeError(w, "Invalid node_id", err.Error(), http.StatusBadRequest)
			return f, false
		}
		f.NodeID = &id
	}
	if raw := r.URL.Query().Get("portnum"); raw != "" {
		port, ok := domain.PortByName(raw)
		if !ok {
			h.writeError(w, "Invalid portnum", "unknown port name: "+raw, http.StatusBadRequest)
			return f, false
		}
		f.Port = &port
	}
	if start, ok := h.parseTimeParam(w, r, "start"); !ok {
		return f, false
	} else if !start.IsZero() {
		f.Start = &start
	}
	if end, ok := h.parseTimeParam(w, r, "end"); !ok {
		return f, false
	} else if !end.IsZero() {
		f.End = &end
	}
	return f, true
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode JSON: %v", err)
	}
}

func (h *APIHandler) writeError(w http.ResponseWriter, error, details string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Details: details,
	}); err != nil {
		log.Printf("failed to encode error response: %v", err)
	}
}

func extractPathParam(path, prefix string) string {
	if strings.HasPrefix(path, prefix) {
		return strings.TrimPrefix(path, prefix)
	}
	return ""
}
