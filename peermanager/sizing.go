package peermanager

import "math"

func ceilInt(v float64) int {
	return int(math.Ceil(v))
}

// maxPeers returns the hard ceiling on connected peers.
func (m *Manager) maxPeers() int {
	return ceilInt(float64(m.config.TargetPeerCount) * (1 + PeerExcessFactor))
}

// maxPriorityPeers returns the ceiling that priority (future min_ttl)
// dials may use.
func (m *Manager) maxPriorityPeers() int {
	return ceilInt(float64(m.config.TargetPeerCount) * (1 + PeerExcessFactor + PriorityPeerExcess))
}

// targetOutboundPeers returns the floor the pruning pass must preserve for
// outbound-only peers.
func (m *Manager) targetOutboundPeers() int {
	return ceilInt(float64(m.config.TargetPeerCount) * TargetOutboundOnlyFactor)
}

// minOutboundOnlyPeers returns the minimum outbound-only peers discovery
// sizing aims to maintain.
func (m *Manager) minOutboundOnlyPeers() int {
	return ceilInt(float64(m.config.TargetPeerCount) * MinOutboundOnlyFactor)
}

// maxOutboundDialingPeers bounds outbound dial attempts in flight.
func (m *Manager) maxOutboundDialingPeers() int {
	return ceilInt(float64(m.config.TargetPeerCount) * (1 + PeerExcessFactor + PriorityPeerExcess/2))
}
