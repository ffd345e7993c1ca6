package peers_test

import (
	"context"
	"net"
	"testing"

	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/ethp2p/peercore/peerdata"
	"github.com/ethp2p/peercore/peers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStatus(t *testing.T) *peers.Status {
	return peers.NewStatus(context.Background(), &peers.StatusConfig{PeerLimit: 30})
}

func TestApply_UnknownToConnected(t *testing.T) {
	s := newStatus(t)
	pid := peer.ID("p1")
	res := s.Apply(pid, peers.NewConnState{Kind: peers.ToConnected, Direction: network.DirInbound})
	assert.Equal(t, peers.NoBanOperation, res.Op)
	assert.True(t, boolContains(s.Connected(), pid))
}

func TestApply_ConnectedToDisconnected_IncrementsCounter(t *testing.T) {
	s := newStatus(t)
	pid := peer.ID("p1")
	s.Apply(pid, peers.NewConnState{Kind: peers.ToConnected, Direction: network.DirOutbound})
	require.Equal(t, 0, s.DisconnectedPeers())
	s.Apply(pid, peers.NewConnState{Kind: peers.ToDisconnected})
	require.Equal(t, 1, s.DisconnectedPeers())
}

func TestApply_DisconnectingToBan_ThenDisconnected_Bans(t *testing.T) {
	s := newStatus(t)
	pid := peer.ID("p1")
	s.Apply(pid, peers.NewConnState{Kind: peers.ToConnected, Direction: network.DirOutbound})

	res := s.Apply(pid, peers.NewConnState{Kind: peers.ToBanned})
	assert.Equal(t, peers.DisconnectThePeer, res.Op)

	res = s.Apply(pid, peers.NewConnState{Kind: peers.ToDisconnected})
	assert.Equal(t, peers.ReadyToBan, res.Op)
	require.Equal(t, 1, len(s.Banned()))
	assert.Equal(t, 1, s.BannedPeers().Total())
}

func TestApply_BannedToUnbanned_RestoresDisconnected(t *testing.T) {
	s := newStatus(t)
	pid := peer.ID("p1")
	s.Apply(pid, peers.NewConnState{Kind: peers.ToConnected, Direction: network.DirOutbound})
	s.Apply(pid, peers.NewConnState{Kind: peers.ToBanned})
	s.Apply(pid, peers.NewConnState{Kind: peers.ToDisconnected})
	require.Equal(t, 1, s.BannedPeers().Total())

	s.Apply(pid, peers.NewConnState{Kind: peers.ToUnbanned})
	assert.Equal(t, 0, s.BannedPeers().Total())
	assert.True(t, boolContains(s.Disconnected(), pid))
}

func TestApply_DisconnectedToBanned_Direct(t *testing.T) {
	s := newStatus(t)
	pid := peer.ID("p1")
	s.Apply(pid, peers.NewConnState{Kind: peers.ToConnected, Direction: network.DirOutbound})
	s.Apply(pid, peers.NewConnState{Kind: peers.ToDisconnected})
	require.Equal(t, 1, s.DisconnectedPeers())

	res := s.Apply(pid, peers.NewConnState{Kind: peers.ToBanned})
	assert.Equal(t, peers.ReadyToBan, res.Op)
	assert.Equal(t, 0, s.DisconnectedPeers())
}

func TestShouldDial(t *testing.T) {
	s := newStatus(t)
	pid := peer.ID("p1")
	assert.True(t, s.ShouldDial(pid))
	s.Apply(pid, peers.NewConnState{Kind: peers.ToConnected, Direction: network.DirOutbound})
	assert.False(t, s.ShouldDial(pid))
	s.Apply(pid, peers.NewConnState{Kind: peers.ToDisconnected})
	assert.True(t, s.ShouldDial(pid))
}

func TestTrustedPeer_ScorePinned(t *testing.T) {
	s := newStatus(t)
	pid := peer.ID("trusted")
	s.SetTrusted(pid, true)
	assert.Equal(t, float64(peers.MaxScore), s.Score(pid))
	s.ReportPeer(pid, peers.Fatal)
	assert.Equal(t, float64(peers.MaxScore), s.Score(pid))
}

func TestReportPeer_FatalBans(t *testing.T) {
	s := newStatus(t)
	pid := peer.ID("p1")
	s.Apply(pid, peers.NewConnState{Kind: peers.ToConnected, Direction: network.DirOutbound})
	result := s.ReportPeer(pid, peers.Fatal)
	assert.Equal(t, peers.ScoreBan, result.Action)
	assert.Equal(t, peers.DisconnectThePeer, result.BanOp)
}

func TestChainState_UnknownThenRecorded(t *testing.T) {
	s := newStatus(t)
	pid := peer.ID("p1")

	_, err := s.ChainState(pid)
	assert.Equal(t, peerdata.ErrPeerUnknown, err)

	s.Apply(pid, peers.NewConnState{Kind: peers.ToConnected, Direction: network.DirOutbound})
	_, err = s.ChainState(pid)
	assert.Equal(t, peerdata.ErrNoPeerStatus, err)

	s.SetChainState(pid, []byte("status-bytes"))
	got, err := s.ChainState(pid)
	require.NoError(t, err)
	assert.Equal(t, []byte("status-bytes"), got)
}

// At exactly BannedPeersPerIPThreshold banned peers on an IP, the IP is not
// yet banned; one more crosses the threshold.
func TestIPIsBanned_ThresholdBoundary(t *testing.T) {
	s := newStatus(t)
	addr, err := ma.NewMultiaddr("/ip4/1.2.3.4/tcp/9000")
	require.NoError(t, err)
	ip := net.ParseIP("1.2.3.4")

	for i := 0; i < peers.BannedPeersPerIPThreshold; i++ {
		pid := peer.ID(rune('a' + i))
		s.Apply(pid, peers.NewConnState{Kind: peers.ToConnected, Direction: network.DirInbound, SeenAddr: addr})
		res := s.Apply(pid, peers.NewConnState{Kind: peers.ToBanned})
		require.Equal(t, peers.DisconnectThePeer, res.Op)
		res = s.Apply(pid, peers.NewConnState{Kind: peers.ToDisconnected})
		require.Equal(t, peers.ReadyToBan, res.Op)
	}
	assert.False(t, s.IPIsBanned(ip), "exactly the threshold must not yet ban the IP")

	oneMore := peer.ID(rune('a' + peers.BannedPeersPerIPThreshold))
	s.Apply(oneMore, peers.NewConnState{Kind: peers.ToConnected, Direction: network.DirInbound, SeenAddr: addr})
	s.Apply(oneMore, peers.NewConnState{Kind: peers.ToBanned})
	res := s.Apply(oneMore, peers.NewConnState{Kind: peers.ToDisconnected})
	require.Equal(t, peers.ReadyToBan, res.Op)
	assert.True(t, len(res.BannedIPs) == 1 && res.BannedIPs[0].Equal(ip))
	assert.True(t, s.IPIsBanned(ip), "one more than the threshold must ban the IP")
}

func boolContains(ids []peer.ID, want peer.ID) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}
