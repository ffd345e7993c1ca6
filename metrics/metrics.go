// Package metrics exposes the prometheus instrumentation for the peer
// lifecycle core as package-level promauto-registered vars. Emission is
// always best-effort and never performed while the PDB's write lock is
// held.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PeerCount tracks the number of known peers by connection state and
	// direction.
	PeerCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "p2p_peer_count",
		Help: "Number of peers per connection state and direction.",
	}, []string{"state", "direction"})

	// PeerScoreDistribution buckets current peer scores.
	PeerScoreDistribution = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "p2p_peer_score_distribution",
		Help:    "Distribution of current peer scores.",
		Buckets: []float64{-100, -75, -50, -25, -10, 0, 10, 25, 50, 75, 100},
	})

	// BannedIPCount tracks the number of currently-banned IPs.
	BannedIPCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "p2p_banned_ip_count",
		Help: "Number of IP addresses currently banned.",
	})

	// RPCErrorCount counts classified RPC errors by client kind, the
	// PeerAction they were mapped to ("none" when not penalized), and
	// protocol.
	RPCErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p2p_rpc_error_count",
		Help: "Count of RPC errors observed, by client kind, resulting action and protocol.",
	}, []string{"client", "action", "protocol"})

	// PrunedPeerCount counts peers pruned during a heartbeat. The heartbeat
	// records all passes together under the pass label "combined"; it does
	// not break the count down per pass.
	PrunedPeerCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p2p_pruned_peer_count",
		Help: "Count of peers pruned, by pass label.",
	}, []string{"pass"})

	// HeartbeatDuration times each peer manager heartbeat tick.
	HeartbeatDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "p2p_heartbeat_duration_seconds",
		Help: "Wall-clock duration of a peer manager heartbeat tick.",
	})
)
