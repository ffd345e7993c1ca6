package peermanager

import (
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
)

// DiscoveredPeer is one result from the discovery layer: an opaque,
// signed ENR blob plus the min_ttl the requester attached to the query
// that surfaced it, if any.
type DiscoveredPeer struct {
	ENR    []byte
	MinTTL time.Time // zero if none
}

// PeerIDFromENR recovers a libp2p peer.ID from a raw ENR blob. Decoding an
// ENR into a peer.ID is a transport-layer concern outside this package's
// remit, so callers supply the decoder; production callers wire this to the
// same ENR library instance the enr package uses.
type PeerIDFromENR func(enrBytes []byte) (peer.ID, bool)

// PeersDiscovered queues dials for a discovery result batch. Each ENR not
// already dial-queued is dialed if it carries a future min_ttl and there is
// room under max_priority_peers, or otherwise if there is room under
// max_peers; ENRs that fit neither slot are dropped for this round
// (discovery will resurface them later).
//
// Once the batch is processed, the heartbeat's discovery requery would
// normally need to run again immediately if the batch didn't satisfy the
// target peer count. But if a non-empty batch dialed nobody at all (every
// result was already known/filtered), requerying right away would spin in a
// tight loop against a discovery layer that keeps handing back the same
// useless results, so that case is suppressed in favor of waiting for the
// next heartbeat tick.
func (m *Manager) PeersDiscovered(decode PeerIDFromENR, results []DiscoveredPeer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	connectedOrDialing := len(m.peerdb.Connected()) + len(m.peerdb.Dialing())
	toDial := 0

	for _, r := range results {
		p, ok := decode(r.ENR)
		if !ok {
			continue
		}
		if m.peersToDial[p] || !m.peerdb.ShouldDial(p) {
			continue
		}
		priority := !r.MinTTL.IsZero() && r.MinTTL.After(m.now())
		if priority {
			if connectedOrDialing+toDial >= m.maxPriorityPeers() {
				continue
			}
		} else if connectedOrDialing+toDial >= m.maxPeers() {
			continue
		}
		if priority {
			m.peerdb.SetMinTTL(p, r.MinTTL)
		}
		m.peersToDial[p] = true
		toDial++
		m.events.push(Event{Kind: EventDial, Peer: p, DialENR: r.ENR})
	}

	if len(results) > 0 && toDial == 0 {
		return
	}
	m.maintainPeerCount(toDial)
}
