package peermanager

import (
	"net"

	"github.com/libp2p/go-libp2p-core/peer"
)

// EventKind tags an outbound directive emitted to the swarm/transport/
// discovery boundary.
type EventKind int

const (
	EventDiscoverPeers EventKind = iota
	EventDiscoverSubnetPeers
	EventDial
	EventDisconnectPeer
	EventBanned
	EventUnBanned
	EventPing
	EventStatus
	EventMetaData
	EventPeerConnectedIncoming
	EventPeerConnectedOutgoing
	EventPeerDisconnected
)

// DisconnectReason mirrors the goodbye/disconnect reason codes a caller
// supplies alongside EventDisconnectPeer.
type DisconnectReason int

const (
	ReasonUnknown DisconnectReason = iota
	ReasonIrrelevantNetwork
	ReasonFault
	ReasonTooManyPeers
	ReasonBadScore
	ReasonClientShutdown
)

// SubnetDiscoveryRequest asks discovery for peers on a given subnet.
type SubnetDiscoveryRequest struct {
	Subnet uint64
	MinTTL uint64 // unix seconds; 0 if none
}

// Event is a single outbound directive. Only the fields relevant to Kind are
// populated.
type Event struct {
	Kind EventKind

	Peer   peer.ID
	Reason DisconnectReason

	DiscoverCount   int
	SubnetRequests  []SubnetDiscoveryRequest
	DialENR         []byte
	BannedIPs       []net.IP
	UnbannedIPs     []net.IP
}

// eventQueue is the single FIFO outbound queue: events are pushed while the
// peer manager's mutex is held, but never while the PDB's own lock is held,
// and a subsequent Banned for a peer still carrying a pending UnBanned
// removes that UnBanned from the queue.
type eventQueue struct {
	events []Event
}

func (q *eventQueue) push(e Event) {
	q.events = append(q.events, e)
}

// pushBanned appends a Banned event and drops any still-pending UnBanned for
// the same peer.
func (q *eventQueue) pushBanned(pid peer.ID, ips []net.IP) {
	filtered := q.events[:0]
	for _, e := range q.events {
		if e.Kind == EventUnBanned && e.Peer == pid {
			continue
		}
		filtered = append(filtered, e)
	}
	q.events = filtered
	q.push(Event{Kind: EventBanned, Peer: pid, BannedIPs: ips})
}

// drain returns and clears all queued events.
func (q *eventQueue) drain() []Event {
	out := q.events
	q.events = nil
	return out
}
