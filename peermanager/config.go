package peermanager

import "time"

// Heartbeat and timeout constants.
const (
	HeartbeatInterval        = 30 * time.Second
	DialTimeout               = 15 * time.Second
	PeerReconnectionTimeout   = 600 * time.Second
	MinSyncCommitteePeers     = 2
)

// Discovery sizing factors.
const (
	PeerExcessFactor          = 0.1
	PriorityPeerExcess        = 0.2
	TargetOutboundOnlyFactor  = 0.3
	MinOutboundOnlyFactor     = 0.2
)

// Config configures a Manager.
type Config struct {
	TargetPeerCount   int
	TargetSubnetPeers int

	DiscoveryEnabled bool
	MetricsEnabled   bool
	QuicEnabled      bool

	PingIntervalInbound  time.Duration
	PingIntervalOutbound time.Duration
	StatusInterval       time.Duration

	DisablePeerScoring            bool
	SubscribeAllDataColumnSubnets bool

	TrustedPeers []string // peer.ID.Pretty() strings, dialed every heartbeat

	NetworkDir string

	// Fork-schedule inputs, read-only here.
	CustodyRequirement             uint64
	DataColumnSidecarSubnetCount   uint64
}
