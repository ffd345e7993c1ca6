package peers

import (
	"net"
	"time"

	"github.com/libp2p/go-libp2p-core/network"
	ma "github.com/multiformats/go-multiaddr"
)

// NewConnState is the input to Apply: one of the six connection-state
// transition requests a peer record may receive.
type NewConnState struct {
	Kind NewConnStateKind

	// Connected fields.
	ENR       []byte
	Direction network.Direction
	SeenAddr  ma.Multiaddr

	// Dialing fields.
	DialENR []byte

	// Disconnecting fields.
	ToBan bool
}

// NewConnStateKind tags a NewConnState.
type NewConnStateKind int

const (
	ToConnected NewConnStateKind = iota
	ToDialing
	ToDisconnecting
	ToDisconnected
	ToBanned
	ToUnbanned
)

// BanOperation is the directive Apply hands back to the caller so the peer
// manager can enact it at the transport layer.
type BanOperation int

const (
	// NoBanOperation is returned when the transition requires no follow-up.
	NoBanOperation BanOperation = iota
	TemporaryBan
	DisconnectThePeer
	PeerDisconnecting
	ReadyToBan
)

// ApplyResult is returned by Apply: the enacted BanOperation plus, for
// ReadyToBan, the IPs that crossed the per-IP ban threshold as a result.
type ApplyResult struct {
	Op        BanOperation
	BannedIPs []net.IP
}

// ScoreUpdateResult tags the outcome of re-evaluating a peer's score-state.
// Callers of ReportPeer/UpdateScores/UpdateGossipsubScores receive it
// wrapped in a ScoreResult, since ScoreBan also carries a BanOperation.
type ScoreUpdateResult int

const (
	NoAction ScoreUpdateResult = iota
	ScoreDisconnect
	ScoreBan
	ScoreUnbanned
)

// ScoreResult pairs a ScoreUpdateResult with the BanOperation the
// underlying connection-state transition produced, when Action is
// ScoreBan. The caller must dispatch on BanOp exactly as it would for
// Apply's ApplyResult, since a Fatal report against a still-Connected peer
// yields DisconnectThePeer (not an immediate ban) while one against an
// already Disconnected peer yields ReadyToBan.
type ScoreResult struct {
	Action ScoreUpdateResult
	BanOp  BanOperation
}

// dialTimeout has the same value as peermanager.DialTimeout. Nothing in
// this package reads it; the heartbeat's Dialing expiry uses
// peermanager.DialTimeout.
const dialTimeout = 15 * time.Second
