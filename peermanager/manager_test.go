package peermanager_test

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/ethp2p/peercore/peermanager"
	"github.com/ethp2p/peercore/peers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, target int) (*peermanager.Manager, *peers.Status) {
	pdb := peers.NewStatus(context.Background(), &peers.StatusConfig{PeerLimit: target * 10})
	cfg := &peermanager.Config{TargetPeerCount: target, DiscoveryEnabled: true, TargetSubnetPeers: 2}
	m := peermanager.NewManager(pdb, nil, nil, cfg)
	return m, pdb
}

func connect(pdb *peers.Status, pid peer.ID, dir network.Direction) {
	pdb.Apply(pid, peers.NewConnState{Kind: peers.ToConnected, Direction: dir})
}

func drainKinds(m *peermanager.Manager) []peermanager.EventKind {
	var kinds []peermanager.EventKind
	for _, e := range m.Events() {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func containsKind(kinds []peermanager.EventKind, want peermanager.EventKind) bool {
	for _, k := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

// Scenario: heartbeat below target triggers discovery.
func TestTick_BelowTarget_TriggersDiscovery(t *testing.T) {
	m, _ := newManager(t, 10)
	m.Tick(time.Now())
	kinds := drainKinds(m)
	assert.True(t, containsKind(kinds, peermanager.EventDiscoverPeers))
}

// Scenario: heartbeat prunes excess connected peers down to target while
// preserving the outbound floor.
func TestTick_PrunesExcessPeers_PreservesOutboundFloor(t *testing.T) {
	m, pdb := newManager(t, 4)
	// 4 inbound, 4 outbound; target 4 -> quota 4, outbound floor ceil(4*0.3)=2.
	for i := 0; i < 4; i++ {
		connect(pdb, peer.ID(rune('a'+i)), network.DirInbound)
	}
	for i := 0; i < 4; i++ {
		connect(pdb, peer.ID(rune('A'+i)), network.DirOutbound)
	}
	m.Tick(time.Now())

	remainingOutbound := 0
	for _, pid := range pdb.Connected() {
		if pdb.Direction(pid) == network.DirOutbound {
			remainingOutbound++
		}
	}
	require.True(t, remainingOutbound >= 2)
}

// Scenario: a peer that disconnects without having been marked ToBan (a
// plain Disconnecting{to_ban:false} -> Disconnected transition, while the
// node is already at its target peer count) is handed a TemporaryBan
// directive, which populates the heartbeat's LRU temp-ban cache and blocks
// reconnection until PeerReconnectionTimeout lapses.
func TestTempBan_BlocksUntilExpiry(t *testing.T) {
	m, pdb := newManager(t, 1)
	pid := peer.ID("p1")
	connect(pdb, pid, network.DirOutbound)
	connect(pdb, peer.ID("p2"), network.DirOutbound)

	pdb.Apply(pid, peers.NewConnState{Kind: peers.ToDisconnecting, ToBan: false})
	m.ConnectionClosed(pid)

	kinds := drainKinds(m)
	require.True(t, containsKind(kinds, peermanager.EventBanned), "TemporaryBan must populate the LRU and surface a Banned event")
	assert.False(t, m.HandleEstablishedInbound(pid))
	assert.False(t, m.HandleEstablishedOutbound(pid))

	m.Tick(time.Now().Add(peermanager.PeerReconnectionTimeout + time.Second))
	assert.True(t, m.HandleEstablishedInbound(pid))
}

// Scenario: a single RPC error classified as Fatal on Status bans the peer.
// The peer is still connected when the report lands, so the first directive
// is a disconnect; the Banned event follows once the connection closes.
func TestHandleRPCErrorEvent_FatalBansPeer(t *testing.T) {
	m, pdb := newManager(t, 4)
	pid := peer.ID("p1")
	connect(pdb, pid, network.DirOutbound)

	m.HandleRPCErrorEvent(pid, peermanager.ErrInvalidData, peermanager.ProtocolStatus, peermanager.DirectionIncoming, 0)
	kinds := drainKinds(m)
	assert.True(t, containsKind(kinds, peermanager.EventDisconnectPeer))
	assert.False(t, containsKind(kinds, peermanager.EventBanned))

	m.ConnectionClosed(pid)
	kinds = drainKinds(m)
	assert.True(t, containsKind(kinds, peermanager.EventBanned))
}

// Scenario: LightClient protocols never penalize.
func TestHandleRPCErrorEvent_LightClientNeverPenalizes(t *testing.T) {
	m, pdb := newManager(t, 4)
	pid := peer.ID("p1")
	connect(pdb, pid, network.DirOutbound)
	before := pdb.Score(pid)

	m.HandleRPCErrorEvent(pid, peermanager.ErrInvalidData, peermanager.ProtocolLightClientBootstrap, peermanager.DirectionIncoming, 0)
	assert.Equal(t, before, pdb.Score(pid))
}

func TestHandlePing_RequestsMetadataWhenSeqNewer(t *testing.T) {
	m, pdb := newManager(t, 4)
	pid := peer.ID("p1")
	connect(pdb, pid, network.DirOutbound)

	m.HandlePing(pid, 3)
	kinds := drainKinds(m)
	assert.True(t, containsKind(kinds, peermanager.EventPing))
	assert.True(t, containsKind(kinds, peermanager.EventMetaData))
}

func TestHandleMetaDataResponse_AdoptsNewerAndDerivesCustody(t *testing.T) {
	m, pdb := newManager(t, 4)
	pid := peer.ID("p1")
	connect(pdb, pid, network.DirOutbound)

	m.HandleMetaDataResponse(pid, peermanager.MetaDataResponse{Seq: 1, CustodyCSC: 4, SubnetCount: 128})
	seq, has := pdb.MetadataSeq(pid)
	require.True(t, has)
	require.Equal(t, uint64(1), seq)
	assert.Equal(t, 4, len(pdb.CustodySubnets(pid)))

	// Older seq is ignored.
	m.HandleMetaDataResponse(pid, peermanager.MetaDataResponse{Seq: 0, CustodyCSC: 2, SubnetCount: 128})
	seq, _ = pdb.MetadataSeq(pid)
	assert.Equal(t, uint64(1), seq)
}

func TestHandleMetaDataResponse_InvalidCSC_RequestsDisconnect(t *testing.T) {
	m, pdb := newManager(t, 4)
	pid := peer.ID("p1")
	connect(pdb, pid, network.DirOutbound)

	m.HandleMetaDataResponse(pid, peermanager.MetaDataResponse{Seq: 1, CustodyCSC: 999, SubnetCount: 128})
	kinds := drainKinds(m)
	assert.True(t, containsKind(kinds, peermanager.EventDisconnectPeer))
}

func TestPeersDiscovered_QueuesDialsWithinCapacity(t *testing.T) {
	m, _ := newManager(t, 2)
	decode := func(enrBytes []byte) (peer.ID, bool) {
		return peer.ID(enrBytes), true
	}
	results := []peermanager.DiscoveredPeer{
		{ENR: []byte("d1")},
		{ENR: []byte("d2")},
		{ENR: []byte("d3")},
	}
	m.PeersDiscovered(decode, results)
	kinds := drainKinds(m)
	count := 0
	for _, k := range kinds {
		if k == peermanager.EventDial {
			count++
		}
	}
	require.True(t, count >= 1)
}

func TestHandleStatus_RecordsChainStateAndEmitsEvent(t *testing.T) {
	m, pdb := newManager(t, 4)
	pid := peer.ID("p1")
	connect(pdb, pid, network.DirOutbound)

	m.HandleStatus(pid, []byte("status-bytes"))
	kinds := drainKinds(m)
	assert.True(t, containsKind(kinds, peermanager.EventStatus))

	got, err := pdb.ChainState(pid)
	require.NoError(t, err)
	assert.Equal(t, []byte("status-bytes"), got)
}

// A Fatal report against a still-connected peer yields BanOperation
// DisconnectThePeer, not an immediate ban: the PDB only finishes the ban once
// the swarm later reports the disconnect (mirrors peerdb.rs's
// ScoreUpdateResult::Ban(DisconnectThePeer) path).
func TestGoodbye_ScoresFatalAndRequestsDisconnect(t *testing.T) {
	m, pdb := newManager(t, 4)
	pid := peer.ID("p1")
	connect(pdb, pid, network.DirOutbound)

	m.Goodbye(pid, peermanager.ReasonIrrelevantNetwork)
	kinds := drainKinds(m)
	assert.True(t, containsKind(kinds, peermanager.EventDisconnectPeer))
	assert.False(t, containsKind(kinds, peermanager.EventBanned))
}

// Once the peer has actually disconnected, the same Fatal-driven ban
// transition is ready to finish: ReportPeer against a Disconnected peer
// yields BanOperation ReadyToBan, which does surface an immediate Banned
// event.
func TestReportPeer_FatalOnDisconnectedPeer_BansImmediately(t *testing.T) {
	m, pdb := newManager(t, 4)
	pid := peer.ID("p1")
	connect(pdb, pid, network.DirOutbound)
	pdb.Apply(pid, peers.NewConnState{Kind: peers.ToDisconnecting, ToBan: false})
	pdb.Apply(pid, peers.NewConnState{Kind: peers.ToDisconnected})

	m.ReportPeer(pid, peers.Fatal)
	kinds := drainKinds(m)
	assert.True(t, containsKind(kinds, peermanager.EventBanned))
}

func TestIdentify_RecordsClientKind(t *testing.T) {
	m, pdb := newManager(t, 4)
	pid := peer.ID("p1")
	connect(pdb, pid, network.DirOutbound)

	m.Identify(pid, "lighthouse/v4.5.0/x86_64-linux", nil)
	assert.Equal(t, "Lighthouse", pdb.ClientKind(pid))
}

// Pruning picks dense subnets first. Twenty peers, target 9: peer[x] (x<15)
// subscribes to attestation subnet x%4, the rest (x>=15) each subscribe to
// their own unique subnet. After pruning, exactly one peer per attestation
// subnet 0..3 should survive plus the five singletons, leaving the
// connected count at target.
func TestTick_PruningPicksDenseSubnets(t *testing.T) {
	m, pdb := newManager(t, 9)
	for x := 0; x < 20; x++ {
		pid := peer.ID(rune('a' + x))
		connect(pdb, pid, network.DirOutbound)
		if x < 15 {
			pdb.AddSubscription(pid, uint64(x%4))
		} else {
			pdb.AddSubscription(pid, uint64(x))
		}
	}
	m.Tick(time.Now())

	connected := pdb.Connected()
	require.Equal(t, 9, len(connected))

	bySubnet := make(map[uint64]int)
	for _, pid := range connected {
		for subnet := range pdb.Subnets(pid) {
			bySubnet[subnet]++
		}
	}
	for subnet := uint64(0); subnet < 4; subnet++ {
		assert.Equal(t, 1, bySubnet[subnet], "subnet %d should be reduced to exactly one peer", subnet)
	}
	for x := 15; x < 20; x++ {
		assert.Equal(t, 1, bySubnet[uint64(x)], "singleton subnet %d should survive", x)
	}
}

// Sync-committee immunity beats subnet-balancing. Target 3, six peers: p0
// has no subnets, p1..p3 share attestation subnets, p4/p5 share the same
// attestation subnets but also cover distinct sync-committee subnets
// (population 1 each), so each is the sole coverage for its sync-committee
// subnet once the others are gone and must survive pruning.
func TestTick_SyncCommitteeImmunityBeatsSubnetBalancing(t *testing.T) {
	m, pdb := newManager(t, 3)
	pids := make([]peer.ID, 6)
	for i := range pids {
		pids[i] = peer.ID(rune('p' + i))
		connect(pdb, pids[i], network.DirOutbound)
	}
	// p1..p3 on overlapping attestation subnets.
	pdb.AddSubscription(pids[1], 10)
	pdb.AddSubscription(pids[2], 10)
	pdb.AddSubscription(pids[3], 10)
	// p4, p5 on the same attestation subnet plus distinct sync-committee
	// subnets each below the immunity floor if they were the only
	// coverage.
	pdb.AddSubscription(pids[4], 10)
	pdb.AddSubscription(pids[5], 10)
	pdb.AddSyncSubscription(pids[4], 1)
	pdb.AddSyncSubscription(pids[5], 2)

	m.Tick(time.Now())

	connected := pdb.Connected()
	connectedSet := make(map[peer.ID]bool, len(connected))
	for _, pid := range connected {
		connectedSet[pid] = true
	}
	assert.True(t, connectedSet[pids[4]], "p4 must survive: sole coverage of sync-committee subnet 1")
	assert.True(t, connectedSet[pids[5]], "p5 must survive: sole coverage of sync-committee subnet 2")
	assert.False(t, connectedSet[pids[0]], "p0 (no subnets) should be pruned first")
}

func TestGossipScoresUpdate_IgnoresMostNegativePeer(t *testing.T) {
	m, pdb := newManager(t, 4)
	pid := peer.ID("p1")
	connect(pdb, pid, network.DirOutbound)

	scores := map[peer.ID]float64{pid: -100}
	m.GossipScoresUpdate(scores)
	_ = pdb
	// With target 4, ceil(4*0.1) = 1 most-negative peer has its gossip
	// contribution ignored this round. p1 is that peer, so its score stays
	// at 0 and no disconnect is requested.
	assert.Equal(t, 0.0, pdb.Score(pid))
	assert.False(t, containsKind(drainKinds(m), peermanager.EventDisconnectPeer))
}
