package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ryandielhenn/zephyrgossip/pkg/gossip"
)

// GossipMetrics turns engine events into prometheus series. One instance
// serves one node; the node address is a constant label.
type GossipMetrics struct {
	Members       prometheus.Gauge
	Events        *prometheus.CounterVec
	EntriesSent   prometheus.Counter
	JoinAttempts  prometheus.Counter
	Heartbeat     prometheus.Gauge
	SnapshotSizes prometheus.Histogram
}

// NewGossipMetrics registers the gossip series on reg.
func NewGossipMetrics(reg prometheus.Registerer, self gossip.Address) *GossipMetrics {
	labels := prometheus.Labels{"node": self.HostPort()}
	f := promauto.With(reg)
	return &GossipMetrics{
		Members: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "members",
			Help:        "Rows in the local membership table, including self.",
			ConstLabels: labels,
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "events_total",
			Help:        "Protocol events by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		EntriesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "gossip_entries_sent_total",
			Help:        "Membership rows put on the wire by gossip.",
			ConstLabels: labels,
		}),
		JoinAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "join_requests_total",
			Help:        "JoinRequests sent, retries included.",
			ConstLabels: labels,
		}),
		Heartbeat: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "self_heartbeat",
			Help:        "Local heartbeat counter as last gossiped.",
			ConstLabels: labels,
		}),
		SnapshotSizes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "gossip_snapshot_entries",
			Help:        "Rows per received membership snapshot.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

// Observe implements gossip.Observer.
func (m *GossipMetrics) Observe(ev gossip.Event) {
	m.Events.WithLabelValues(ev.Kind.String()).Inc()
	switch ev.Kind {
	case gossip.EventNodeAdded:
		m.Members.Inc()
	case gossip.EventNodeRemoved:
		m.Members.Dec()
	case gossip.EventGossipSent:
		m.EntriesSent.Add(float64(ev.Entries))
		m.Heartbeat.Set(float64(ev.Heartbeat))
	case gossip.EventGossipReceived:
		m.SnapshotSizes.Observe(float64(ev.Entries))
	case gossip.EventJoinRequested:
		m.JoinAttempts.Inc()
	}
}

var _ gossip.Observer = (*GossipMetrics)(nil)
