// Package observability exposes Prometheus metrics for the ingest pipeline
// and the live stream hub.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the pipeline's Prometheus metrics and provides the
// /metrics handler.
type Collector struct {
	gatherer prometheus.Gatherer

	MessagesReceived prometheus.Counter
	DecodeFailures   *prometheus.CounterVec
	QueueDrops       prometheus.Counter
	PacketsPersisted prometheus.Counter
	PayloadsByPort   *prometheus.CounterVec
	LinksDerived     *prometheus.CounterVec
}

// NewCollector registers pipeline metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	received, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshmap_messages_received_total",
		Help: "Total number of transport messages accepted for processing.",
	}), "meshmap_messages_received_total")
	if err != nil {
		return nil, err
	}

	decodeFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshmap_decode_failures_total",
		Help: "Total number of messages discarded during decoding, labeled by stage.",
	}, []string{"stage"})
	decodeFailures, err = registerCounterVec(reg, decodeFailures, "meshmap_decode_failures_total")
	if err != nil {
		return nil, err
	}

	queueDrops, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshmap_queue_drops_total",
		Help: "Total number of messages dropped because the intake queue was full.",
	}), "meshmap_queue_drops_total")
	if err != nil {
		return nil, err
	}

	persisted, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshmap_packets_persisted_total",
		Help: "Total number of packet sightings written to the store.",
	}), "meshmap_packets_persisted_total")
	if err != nil {
		return nil, err
	}

	byPort := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshmap_payloads_total",
		Help: "Total number of decoded application payloads, labeled by port name.",
	}, []string{"port"})
	byPort, err = registerCounterVec(reg, byPort, "meshmap_payloads_total")
	if err != nil {
		return nil, err
	}

	links := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshmap_links_derived_total",
		Help: "Total number of direct-link observations merged, labeled by evidence source.",
	}, []string{"source"})
	links, err = registerCounterVec(reg, links, "meshmap_links_derived_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:         gatherer,
		MessagesReceived: received,
		DecodeFailures:   decodeFailures,
		QueueDrops:       queueDrops,
		PacketsPersisted: persisted,
		PayloadsByPort:   byPort,
		LinksDerived:     links,
	}, nil
}

// RegisterHubGauges wires live hub readings into the registry. Call once
// after the hub exists.
func (c *Collector) RegisterHubGauges(reg prometheus.Registerer, subscribers func() int, evictions, drops func() int64) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "meshmap_stream_subscribers",
			Help: "Current number of connected stream subscribers.",
		}, func() float64 { return float64(subscribers()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "meshmap_stream_evictions_total",
			Help: "Total number of stream subscribers evicted for not draining.",
		}, func() float64 { return float64(evictions()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "meshmap_stream_drops_total",
			Help: "Total number of events dropped at the stream broadcast queue.",
		}, func() float64 { return float64(drops()) }),
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
