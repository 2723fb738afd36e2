// Package metrics exposes the node's prometheus collectors. A nil *Metrics
// is valid and records nothing, so components can run without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "narwhal"

type Metrics struct {
	connectedPeers    prometheus.Gauge
	handshakeFailures prometheus.Counter
	currentRound      prometheus.Gauge
	proposedBatches   prometheus.Counter
	certificates      prometheus.Gauge
	committedLeaders  prometheus.Counter
	commitLatency     prometheus.Histogram
	ledgerHeight      prometheus.Gauge
	blockFailures     prometheus.Counter
	reinserted        prometheus.Counter
	queueSize         *prometheus.GaugeVec
	workerSize        *prometheus.GaugeVec
}

// New creates the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "connected_peers",
			Help: "Number of authenticated peers",
		}),
		handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "handshake_failures_total",
			Help: "Number of failed handshakes",
		}),
		currentRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "primary", Name: "current_round",
			Help: "Round the primary is working on",
		}),
		proposedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "primary", Name: "proposed_batches_total",
			Help: "Number of batches proposed",
		}),
		certificates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "storage", Name: "certificates",
			Help: "Number of certificates held in the DAG",
		}),
		committedLeaders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bft", Name: "committed_leaders_total",
			Help: "Number of committed leader certificates",
		}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "consensus", Name: "commit_latency_seconds",
			Help:    "Time from the leader batch timestamp to its block being appended",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		ledgerHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "consensus", Name: "ledger_height",
			Help: "Latest ledger block height",
		}),
		blockFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consensus", Name: "block_failures_total",
			Help: "Number of subdags that failed to advance the ledger",
		}),
		reinserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consensus", Name: "reinserted_transmissions_total",
			Help: "Number of transmissions reinserted after a failed block",
		}),
		queueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "consensus", Name: "queue_size",
			Help: "Unconfirmed transmissions waiting in the mempool queues",
		}, []string{"kind"}),
		workerSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "worker", Name: "ready_transmissions",
			Help: "Transmissions ready to be proposed, per worker",
		}, []string{"worker"}),
	}
	for _, c := range []prometheus.Collector{
		m.connectedPeers, m.handshakeFailures, m.currentRound, m.proposedBatches, m.certificates,
		m.committedLeaders, m.commitLatency, m.ledgerHeight, m.blockFailures, m.reinserted, m.queueSize, m.workerSize,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) SetConnectedPeers(n int) {
	if m != nil {
		m.connectedPeers.Set(float64(n))
	}
}

func (m *Metrics) HandshakeFailed() {
	if m != nil {
		m.handshakeFailures.Inc()
	}
}

func (m *Metrics) SetCurrentRound(round uint64) {
	if m != nil {
		m.currentRound.Set(float64(round))
	}
}

func (m *Metrics) BatchProposed() {
	if m != nil {
		m.proposedBatches.Inc()
	}
}

func (m *Metrics) SetCertificates(n int) {
	if m != nil {
		m.certificates.Set(float64(n))
	}
}

func (m *Metrics) LeaderCommitted() {
	if m != nil {
		m.committedLeaders.Inc()
	}
}

func (m *Metrics) ObserveCommitLatency(d time.Duration) {
	if m != nil {
		m.commitLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) SetLedgerHeight(height uint32) {
	if m != nil {
		m.ledgerHeight.Set(float64(height))
	}
}

func (m *Metrics) BlockFailed() {
	if m != nil {
		m.blockFailures.Inc()
	}
}

func (m *Metrics) Reinserted(n int) {
	if m != nil {
		m.reinserted.Add(float64(n))
	}
}

func (m *Metrics) SetQueueSize(kind string, n int) {
	if m != nil {
		m.queueSize.WithLabelValues(kind).Set(float64(n))
	}
}

func (m *Metrics) SetWorkerSize(worker string, n int) {
	if m != nil {
		m.workerSize.WithLabelValues(worker).Set(float64(n))
	}
}
