package homa

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus instruments this package updates. The
// embedder owns the registry and any HTTP exposition of it — this
// package treats "sysfs/metrics plumbing" as the external collaborator
// the design's Out-of-scope section names: it creates and updates its
// own instruments and registers them on the registry it is handed.
type Metrics struct {
	packetDiscards   prometheus.Counter
	resentDiscards   prometheus.Counter
	unknownPktDrops  prometheus.Counter
	grantsIssued     prometheus.Counter
	fifoGrantsIssued prometheus.Counter
	numGrantable     prometheus.Gauge
	totalIncoming    prometheus.Gauge
}

// NewMetrics creates and registers the package's instruments on reg. A
// nil reg is accepted for tests that don't care about exposition; the
// counters still work, they're simply unregistered.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		packetDiscards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "homa",
			Name:      "packet_discards_total",
			Help:      "DATA packets discarded as duplicates or out-of-range.",
		}),
		resentDiscards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "homa",
			Name:      "resent_discards_total",
			Help:      "Retransmitted DATA packets discarded as duplicates or out-of-range.",
		}),
		unknownPktDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "homa",
			Name:      "unrecognized_packet_drops_total",
			Help:      "Packets dropped because no RPC could be located for them, or because they could not be decoded, had an unrecognized type, or were FREEZE packets.",
		}),
		grantsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "homa",
			Name:      "grants_issued_total",
			Help:      "SRPT grants issued by SendGrants.",
		}),
		fifoGrantsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "homa",
			Name:      "fifo_grants_issued_total",
			Help:      "Anti-starvation FIFO grants issued by SendGrants.",
		}),
		numGrantable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "homa",
			Name:      "grantable_rpcs",
			Help:      "Current size of the grantable RPC list.",
		}),
		totalIncoming: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "homa",
			Name:      "total_incoming_bytes",
			Help:      "Outstanding granted-but-not-received bytes across all RPCs.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.packetDiscards,
			m.resentDiscards,
			m.unknownPktDrops,
			m.grantsIssued,
			m.fifoGrantsIssued,
			m.numGrantable,
			m.totalIncoming,
		)
	}
	return m
}
