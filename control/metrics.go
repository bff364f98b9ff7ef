// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for ring traffic, dropped messages, traffic errors
// and negotiation. Collectors live on a private registry so several
// runtimes can coexist in one process. A nil *Metrics records nothing.

package control

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/momentics/hioload-ports/api"
)

const (
	metricsNamespace = "hioload"
	metricsSubsystem = "ports"
)

// Metrics holds the runtime collectors.
type Metrics struct {
	registry *prometheus.Registry

	put         *prometheus.CounterVec
	released    *prometheus.CounterVec
	forwarded   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	errors      *prometheus.CounterVec
	steps       *prometheus.CounterVec
	connections *prometheus.CounterVec
	occupancy   *prometheus.GaugeVec
}

func counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

// NewMetrics creates and registers all collectors.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		registry:    prometheus.NewRegistry(),
		put:         counter("buffers_put_total", "Buffers put by producer ports", "port"),
		released:    counter("buffers_released_total", "Buffers released by consumer ports", "port"),
		forwarded:   counter("buffers_forwarded_total", "Buffers forwarded zero-copy into a port", "port"),
		dropped:     counter("messages_dropped_total", "Messages dropped by distribution policies", "reason"),
		errors:      counter("traffic_errors_total", "Per-message traffic errors", "code"),
		steps:       counter("negotiation_steps_total", "Negotiation steps invoked", "step"),
		connections: counter("connections_total", "Connections established", "transport"),
		occupancy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "ring_occupancy",
			Help:      "Unreleased slots in a port ring",
		}, []string{"port"}),
	}
	for _, c := range []prometheus.Collector{
		m.put, m.released, m.forwarded, m.dropped, m.errors, m.steps, m.connections, m.occupancy,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry exposes the private registry for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// BufferPut counts a put on port.
func (m *Metrics) BufferPut(port string) {
	if m != nil {
		m.put.WithLabelValues(port).Inc()
	}
}

// BufferReleased counts a release on port.
func (m *Metrics) BufferReleased(port string) {
	if m != nil {
		m.released.WithLabelValues(port).Inc()
	}
}

// BufferForwarded counts a zero-copy forward into port.
func (m *Metrics) BufferForwarded(port string) {
	if m != nil {
		m.forwarded.WithLabelValues(port).Inc()
	}
}

// Dropped counts a message a policy did not deliver.
func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

// TrafficError counts a per-message error by code.
func (m *Metrics) TrafficError(code api.ErrorCode) {
	if m != nil {
		m.errors.WithLabelValues(code.String()).Inc()
	}
}

// NegotiationStep counts one step call.
func (m *Metrics) NegotiationStep(step int) {
	if m != nil {
		m.steps.WithLabelValues(strconv.Itoa(step)).Inc()
	}
}

// Connection counts an established connection.
func (m *Metrics) Connection(transport string) {
	if m != nil {
		m.connections.WithLabelValues(transport).Inc()
	}
}

// Occupancy records the unreleased slot count of port.
func (m *Metrics) Occupancy(port string, n int) {
	if m != nil {
		m.occupancy.WithLabelValues(port).Set(float64(n))
	}
}
