// Package peerdata provides the low-level, concurrency-safe key/value store
// that backs the peer database. It knows nothing about connection states,
// scores or bans: it is a peer.ID-keyed map with a single reader-writer
// lock, separating storage from the policy the peers package applies on
// top of it.
package peerdata

import (
	"context"
	"net"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
)

// ConnState is a peer's connection status tag. The payload fields relevant
// to a given tag are documented per-field below; fields irrelevant to the
// current tag are zero and ignored.
type ConnState int

const (
	// StateUnknown is the state of a peer the database has never observed
	// a connection event for.
	StateUnknown ConnState = iota
	StateDialing
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateBanned
)

func (s ConnState) String() string {
	switch s {
	case StateDialing:
		return "Dialing"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnected:
		return "Disconnected"
	case StateBanned:
		return "Banned"
	default:
		return "Unknown"
	}
}

// PeerData is the mutable record kept per peer; the peers package
// interprets and mutates it under the single transition function.
type PeerData struct {
	ConnState      ConnState
	ConnStateSince time.Time

	// ToBan is set while ConnState == StateDisconnecting, recording that the
	// eventual Disconnected transition must complete a ban.
	ToBan bool

	Direction network.Direction
	// InboundCount/OutboundCount count concurrently-established connections
	// by direction, matching Connected{in_count, out_count}.
	InboundCount  int
	OutboundCount int

	Address ma.Multiaddr
	ENR     []byte // opaque, rlp-encoded remote ENR, if known

	ListeningAddresses []ma.Multiaddr
	SeenIPAddresses     map[string]net.IP

	ClientKind    string
	ClientVersion string
	AgentVersion  string

	MetadataSeq  uint64
	HasMetadata  bool

	Subnets        map[uint64]bool // long-lived attestation subnets
	SyncSubnets    map[uint64]bool
	CustodySubnets map[uint64]bool
	CustodyCount   uint64

	Score               float64
	GossipScore         float64
	IgnoreNegativeGossip bool
	ScoreUpdated        time.Time

	MinTTL    time.Time
	IsTrusted bool

	ChainState         []byte // opaque serialized Status message, if any
	ChainStateUpdated  time.Time

	SyncStatus int // see peers/syncstatus
}

// StoreConfig configures a Store.
type StoreConfig struct {
	MaxPeers int
}

// Store is a peer.ID-keyed map of *PeerData guarded by a single
// reader-writer lock. All exported methods are safe for concurrent use.
type Store struct {
	sync.RWMutex
	ctx     context.Context
	config  *StoreConfig
	peers   map[peer.ID]*PeerData
}

// NewStore creates an empty Store.
func NewStore(ctx context.Context, config *StoreConfig) *Store {
	return &Store{
		ctx:    ctx,
		config: config,
		peers:  make(map[peer.ID]*PeerData),
	}
}

// Config returns the store's configuration.
func (s *Store) Config() *StoreConfig {
	s.RLock()
	defer s.RUnlock()
	return s.config
}

// PeerData returns the data for pid, if known.
func (s *Store) PeerData(pid peer.ID) (*PeerData, bool) {
	s.RLock()
	defer s.RUnlock()
	data, ok := s.peers[pid]
	return data, ok
}

// SetPeerData associates data with pid, replacing any prior record.
func (s *Store) SetPeerData(pid peer.ID, data *PeerData) {
	s.Lock()
	defer s.Unlock()
	s.peers[pid] = data
}

// DeletePeerData removes pid's record, if any.
func (s *Store) DeletePeerData(pid peer.ID) {
	s.Lock()
	defer s.Unlock()
	delete(s.peers, pid)
}

// PeerDataGetOrCreate returns pid's record, creating a zero-value one (with
// ConnState == StateUnknown) if absent. Idempotent.
func (s *Store) PeerDataGetOrCreate(pid peer.ID) *PeerData {
	s.Lock()
	defer s.Unlock()
	data, ok := s.peers[pid]
	if ok {
		return data
	}
	data = &PeerData{
		ConnState:      StateUnknown,
		SeenIPAddresses: make(map[string]net.IP),
		Subnets:        make(map[uint64]bool),
		SyncSubnets:    make(map[uint64]bool),
		CustodySubnets: make(map[uint64]bool),
	}
	s.peers[pid] = data
	return data
}

// Peers returns a shallow copy of the full peer map. Callers must not mutate
// the returned map's PeerData values without holding the intended write
// discipline of the owning component.
func (s *Store) Peers() map[peer.ID]*PeerData {
	s.RLock()
	defer s.RUnlock()
	out := make(map[peer.ID]*PeerData, len(s.peers))
	for k, v := range s.peers {
		out[k] = v
	}
	return out
}

// Len returns the number of known peers.
func (s *Store) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.peers)
}
