package peermanager

import (
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/ethp2p/peercore/peers"
)

// HandlePing processes an inbound ping (or pong, the two are symmetric)
// carrying sequence number seq: it queues a Ping event and, if seq is newer
// than what's on record (or nothing is), requests metadata. The Manager
// keeps no per-peer ping timer, so there is no timer to reset here.
func (m *Manager) HandlePing(pid peer.ID, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events.push(Event{Kind: EventPing, Peer: pid})
	known, has := m.peerdb.MetadataSeq(pid)
	if !has || seq > known {
		m.events.push(Event{Kind: EventMetaData, Peer: pid})
	}
}

// HandlePong is the pong-side counterpart of HandlePing.
func (m *Manager) HandlePong(pid peer.ID, seq uint64) {
	m.HandlePing(pid, seq)
}

// HandleStatus records a peer's Status RPC message, the beacon-chain-level
// counterpart of ping/metadata exchange: Status carries head/finality info
// peers exchange on handshake and periodically thereafter.
func (m *Manager) HandleStatus(pid peer.ID, status []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peerdb.SetChainState(pid, status)
	m.events.push(Event{Kind: EventStatus, Peer: pid})
}

// MetaDataResponse carries a peer's self-reported metadata fields relevant
// to adoption and custody subnet recomputation.
type MetaDataResponse struct {
	Seq         uint64
	CustodyCSC  uint64 // 0 if the peer's metadata carries no v3 csc field
	SubnetCount uint64
}

// HandleMetaDataResponse adopts a peer's reported metadata if newer,
// recomputes its custody subnets from its node-id and csc, and treats an
// out-of-range csc like any other Goodbye(Fault): a disconnect request plus
// a Fatal score report, not just a bare disconnect. A csc that passes that
// bounds check but still fails derivation (unreachable absent a bug) falls
// back to custodyRequirement subnets rather than losing the peer.
func (m *Manager) HandleMetaDataResponse(pid peer.ID, resp MetaDataResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.peerdb.SetMetadata(pid, resp.Seq, resp.CustodyCSC) {
		return
	}
	if resp.CustodyCSC == 0 {
		return
	}
	if resp.CustodyCSC < m.config.CustodyRequirement || resp.CustodyCSC > resp.SubnetCount {
		m.events.push(Event{Kind: EventDisconnectPeer, Peer: pid, Reason: ReasonFault})
		m.reportPeerLocked(pid, peers.Fatal)
		return
	}
	nodeID := m.peerdb.NodeID(pid)
	subnets, err := deriveCustodySubnets(nodeID, resp.CustodyCSC, resp.SubnetCount)
	if err != nil {
		log.WithField("peer", pid.String()).Error("computing peer custody subnets failed unexpectedly; falling back to custody requirement subnets")
		subnets = computeCustodyRequirementSubnets(nodeID, m.config.CustodyRequirement, resp.SubnetCount)
	}
	m.peerdb.SetCustodySubnets(pid, subnets)
}

// GossipScoresUpdate blends externally computed per-peer gossip scores into
// the PDB and enacts whatever score transitions result.
func (m *Manager) GossipScoresUpdate(gossipScores map[peer.ID]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := m.peerdb.UpdateGossipsubScores(m.config.TargetPeerCount, gossipScores)
	for pid, result := range results {
		if result.Action == peers.NoAction {
			continue
		}
		m.handleScoreResult(pid, result)
	}
}
