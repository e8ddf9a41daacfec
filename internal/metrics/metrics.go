// Package metrics exposes the weave node's Prometheus instrumentation: a
// small set of counters and gauges a running weaved process updates as it
// produces and receives blocks, runs consensus, and services the mempool.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NodeMetrics is one node's instrumentation, registered against its own
// prometheus.Registry rather than the global default so multiple nodes
// can run in the same test process without collector name collisions.
type NodeMetrics struct {
	registry *prometheus.Registry

	WeaveHeight          prometheus.Gauge
	BlocksProduced       prometheus.Counter
	BlocksReceived       prometheus.Counter
	MempoolSize          prometheus.Gauge
	ConsensusView        prometheus.Gauge
	ConsensusTimeouts    prometheus.Counter
	FraudProofsConfirmed prometheus.Counter
	ValidatorsActive     prometheus.Gauge
	PeerCount            prometheus.Gauge
	MessagesRejected     *prometheus.CounterVec
}

// New returns a NodeMetrics with every collector registered.
func New() *NodeMetrics {
	reg := prometheus.NewRegistry()
	m := &NodeMetrics{
		registry: reg,
		WeaveHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "norn",
			Subsystem: "weave",
			Name:      "height",
			Help:      "Current finalized weave height.",
		}),
		BlocksProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "norn",
			Subsystem: "weave",
			Name:      "blocks_produced_total",
			Help:      "Blocks this node has proposed and finalized.",
		}),
		BlocksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "norn",
			Subsystem: "weave",
			Name:      "blocks_received_total",
			Help:      "Blocks accepted from peers.",
		}),
		MempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "norn",
			Subsystem: "mempool",
			Name:      "size",
			Help:      "Pending entries currently queued across all mempool categories.",
		}),
		ConsensusView: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "norn",
			Subsystem: "consensus",
			Name:      "view",
			Help:      "Current HotStuff view number.",
		}),
		ConsensusTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "norn",
			Subsystem: "consensus",
			Name:      "timeouts_total",
			Help:      "View-change timeouts observed by this node.",
		}),
		FraudProofsConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "norn",
			Subsystem: "monitor",
			Name:      "fraud_proofs_confirmed_total",
			Help:      "Fraud proofs this node validated and slashed on.",
		}),
		ValidatorsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "norn",
			Subsystem: "staking",
			Name:      "validators_active",
			Help:      "Validators currently meeting the minimum stake.",
		}),
		PeerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "norn",
			Subsystem: "network",
			Name:      "peers",
			Help:      "Connected peers on this node's transport.",
		}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "norn",
			Subsystem: "wire",
			Name:      "messages_rejected_total",
			Help:      "Inbound messages dropped, labeled by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.WeaveHeight,
		m.BlocksProduced,
		m.BlocksReceived,
		m.MempoolSize,
		m.ConsensusView,
		m.ConsensusTimeouts,
		m.FraudProofsConfirmed,
		m.ValidatorsActive,
		m.PeerCount,
		m.MessagesRejected,
	)
	return m
}

// Handler returns the HTTP handler a node mounts at /metrics.
func (m *NodeMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
