// Package peermanager implements the Peer Manager (PM): the heartbeat-driven
// decision engine that maintains outbound connection counts, triggers
// discovery, prunes excess peers, honors temporary reconnection bans, and
// reacts to RPC-layer/ping/metadata/gossip events.
package peermanager

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethp2p/peercore/enr"
	"github.com/ethp2p/peercore/metadata"
	"github.com/ethp2p/peercore/metrics"
	"github.com/ethp2p/peercore/peerdata"
	"github.com/ethp2p/peercore/peers"
	"github.com/ethp2p/peercore/peers/client"
	"github.com/ethp2p/peercore/peers/syncstatus"
)

var log = logrus.WithField("prefix", "peermanager")

// Manager is the Peer Manager.
type Manager struct {
	mu sync.Mutex

	peerdb        *peers.Status
	localRecord   *enr.LocalRecord
	metadataStore *metadata.Store
	config        *Config

	events  eventQueue
	tempBan *tempBanCache

	trustedPeers map[peer.ID]bool

	// syncCommitteeSubnets maps a subnet id to the instant its discovery
	// interest expires.
	syncCommitteeSubnets map[uint64]time.Time

	peersToDial map[peer.ID]bool

	now func() time.Time
}

// NewManager constructs a Manager.
func NewManager(peerdb *peers.Status, localRecord *enr.LocalRecord, metadataStore *metadata.Store, config *Config) *Manager {
	if config.TargetSubnetPeers == 0 {
		config.TargetSubnetPeers = 2
	}
	trusted := make(map[peer.ID]bool, len(config.TrustedPeers))
	for _, s := range config.TrustedPeers {
		pid, err := peer.Decode(s)
		if err != nil {
			log.WithError(err).WithField("peer", s).Warn("ignoring invalid trusted peer id")
			continue
		}
		trusted[pid] = true
		peerdb.SetTrusted(pid, true)
	}
	return &Manager{
		peerdb:               peerdb,
		localRecord:          localRecord,
		metadataStore:        metadataStore,
		config:               config,
		tempBan:              newTempBanCache(PeerReconnectionTimeout),
		trustedPeers:         trusted,
		syncCommitteeSubnets: make(map[uint64]time.Time),
		peersToDial:          make(map[peer.ID]bool),
		now:                  time.Now,
	}
}

// Events drains and returns every directive queued since the last call.
func (m *Manager) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events.drain()
}

// Run drives Tick on HeartbeatInterval until ctx is canceled, alongside a
// teardown goroutine.
func (m *Manager) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return m.heartbeatLoop(ctx) })
	eg.Go(func() error {
		<-ctx.Done()
		m.cleanup()
		return nil
	})
	return eg.Wait()
}

func (m *Manager) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Tick(m.now())
		}
	}
}

// cleanup runs once on shutdown. Reserved for future teardown (dial
// semaphores, persistence flushes); nothing owned by Manager needs explicit
// teardown today.
func (m *Manager) cleanup() {}

// Tick runs one heartbeat: discovery top-up, trusted-peer dialing, dialing
// expiry, score decay, sync-committee subnet top-up, pruning, temp-ban
// expiry, and collection shrinking, in that order.
func (m *Manager) Tick(now time.Time) {
	start := now
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stepMaintainPeerCount()        // 1. discovery if below targets
	m.stepMaintainTrustedPeers()     // 2. dial all trusted peers
	m.stepCleanupDialingPeers(now)   // 3. expire stale Dialing records
	m.stepUpdateScores()             // 4. score decay
	m.stepMaintainSyncCommittee(now) // 5. subnet discovery top-ups
	m.stepPruneExcessPeers()         // 6. prune
	m.stepUnbanTemporary(now)        // 7. drain expired temp bans
	m.stepShrink()                   // 8. shrink internal collections

	if m.config.MetricsEnabled {
		m.stepEmitMetrics()
		metrics.HeartbeatDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Manager) stepMaintainPeerCount() {
	if !m.config.DiscoveryEnabled {
		return
	}
	m.maintainPeerCount(len(m.peerdb.Dialing()))
}

// maintainPeerCount computes how many additional discovery results are
// wanted given dialingPeers already in flight, and queues a discovery
// request for that many.
func (m *Manager) maintainPeerCount(dialingPeers int) {
	connected := len(m.peerdb.Connected())
	target := m.config.TargetPeerCount

	var wanted int
	if connected+dialingPeers < target {
		wanted = m.maxPeers() - connected - dialingPeers
	} else {
		outboundOnly := len(m.peerdb.Outbound())
		if outboundOnly < m.minOutboundOnlyPeers() && connected+dialingPeers < m.maxOutboundDialingPeers() {
			wanted = m.maxOutboundDialingPeers() - connected - dialingPeers
		}
	}
	if wanted > 0 {
		m.events.push(Event{Kind: EventDiscoverPeers, DiscoverCount: wanted})
	}
}

// stepEmitMetrics populates the peer-count, score-distribution and
// banned-IP gauges from the current PDB contents.
func (m *Manager) stepEmitMetrics() {
	metrics.PeerCount.Reset()
	for _, pid := range m.peerdb.Connected() {
		direction := "inbound"
		if m.peerdb.Direction(pid) == network.DirOutbound {
			direction = "outbound"
		}
		metrics.PeerCount.WithLabelValues("connected", direction).Inc()
	}
	metrics.PeerCount.WithLabelValues("disconnected", "").Set(float64(m.peerdb.DisconnectedPeers()))
	metrics.PeerCount.WithLabelValues("dialing", "").Set(float64(len(m.peerdb.Dialing())))
	metrics.PeerCount.WithLabelValues("banned", "").Set(float64(len(m.peerdb.Banned())))

	for _, score := range m.peerdb.Scores() {
		metrics.PeerScoreDistribution.Observe(score)
	}

	metrics.BannedIPCount.Set(float64(m.peerdb.BannedIPCount()))
}

func (m *Manager) stepMaintainTrustedPeers() {
	for pid := range m.trustedPeers {
		if m.peerdb.ShouldDial(pid) {
			m.events.push(Event{Kind: EventDial, Peer: pid})
		}
	}
}

func (m *Manager) stepCleanupDialingPeers(now time.Time) {
	for _, pid := range m.peerdb.Dialing() {
		// Dialing-since is tracked by peers.Status internally; expiry is
		// driven through Apply so bookkeeping stays inside the single
		// transition function.
		if m.dialingExpired(pid, now) {
			m.peerdb.Apply(pid, peers.NewConnState{Kind: peers.ToDisconnected})
		}
	}
}

func (m *Manager) dialingExpired(pid peer.ID, now time.Time) bool {
	return now.Sub(m.peerdb.ConnStateSince(pid)) > DialTimeout
}

func (m *Manager) stepUpdateScores() {
	results := m.peerdb.UpdateScores()
	for pid, result := range results {
		m.handleScoreResult(pid, result)
	}
}

func (m *Manager) stepMaintainSyncCommittee(now time.Time) {
	var requests []SubnetDiscoveryRequest
	for subnet, expiry := range m.syncCommitteeSubnets {
		if expiry.Before(now) {
			delete(m.syncCommitteeSubnets, subnet)
			continue
		}
		count := 0
		for _, pid := range m.peerdb.Connected() {
			if m.peerdb.SyncSubnets(pid)[subnet] {
				count++
			}
		}
		if count < m.config.TargetSubnetPeers {
			requests = append(requests, SubnetDiscoveryRequest{Subnet: subnet})
		}
	}
	if len(requests) > 0 {
		m.events.push(Event{Kind: EventDiscoverSubnetPeers, SubnetRequests: requests})
	}
}

func (m *Manager) stepPruneExcessPeers() {
	dropped := m.pruneExcessPeers()
	for _, pid := range dropped {
		m.disconnectPeerLocked(pid, ReasonTooManyPeers)
	}
	if m.config.MetricsEnabled && len(dropped) > 0 {
		metrics.PrunedPeerCount.WithLabelValues("combined").Add(float64(len(dropped)))
	}
}

func (m *Manager) stepUnbanTemporary(now time.Time) {
	expired := m.tempBan.prune(now)
	for _, pid := range expired {
		m.events.push(Event{Kind: EventUnBanned, Peer: pid})
	}
}

func (m *Manager) stepShrink() {
	unbanned := m.peerdb.ShrinkToFit()
	for pid, ips := range unbanned {
		m.events.push(Event{Kind: EventUnBanned, Peer: pid, UnbannedIPs: ips})
	}
}

func (m *Manager) handleScoreResult(pid peer.ID, result peers.ScoreResult) {
	switch result.Action {
	case peers.ScoreDisconnect:
		m.disconnectPeerLocked(pid, ReasonBadScore)
	case peers.ScoreBan:
		m.handleBanOperation(pid, result.BanOp, m.peerdb.SeenIPs(pid))
	case peers.ScoreUnbanned:
		m.events.push(Event{Kind: EventUnBanned, Peer: pid})
	}
}

// disconnectPeerLocked enqueues a DisconnectPeer directive and marks the
// peer Disconnecting in the PDB.
func (m *Manager) disconnectPeerLocked(pid peer.ID, reason DisconnectReason) {
	m.events.push(Event{Kind: EventDisconnectPeer, Peer: pid, Reason: reason})
	m.peerdb.Apply(pid, peers.NewConnState{Kind: peers.ToDisconnecting, ToBan: false})
}

// ReportPeer scores a peer for action and enacts whatever BanOperation or
// disconnect results.
func (m *Manager) ReportPeer(pid peer.ID, action peers.PeerAction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reportPeerLocked(pid, action)
}

func (m *Manager) reportPeerLocked(pid peer.ID, action peers.PeerAction) {
	result := m.peerdb.ReportPeer(pid, action)
	m.handleScoreResult(pid, result)
}

// HandleRPCErrorEvent classifies an RPC failure and reports the peer.
func (m *Manager) HandleRPCErrorEvent(pid peer.ID, kind ErrorKind, protocol Protocol, direction RPCDirection, clientKind client.Kind) {
	action, ok := HandleRPCError(kind, protocol, direction)
	if m.config.MetricsEnabled {
		label := actionName(action)
		if !ok {
			label = "none"
		}
		metrics.RPCErrorCount.WithLabelValues(clientKind.String(), label, protocolName(protocol)).Inc()
	}
	if !ok {
		return
	}
	m.ReportPeer(pid, action)
}

func actionName(a peers.PeerAction) string {
	switch a {
	case peers.HighToleranceError:
		return "high_tolerance"
	case peers.MidToleranceError:
		return "mid_tolerance"
	case peers.LowToleranceError:
		return "low_tolerance"
	case peers.Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

func protocolName(p Protocol) string {
	names := map[Protocol]string{
		ProtocolStatus: "status", ProtocolPing: "ping", ProtocolMetaData: "metadata",
		ProtocolGoodbye: "goodbye", ProtocolBlocksByRange: "blocks_by_range",
		ProtocolBlocksByRoot: "blocks_by_root",
	}
	if n, ok := names[p]; ok {
		return n
	}
	return "other"
}

// handleBanOperation enacts a peers.BanOperation.
func (m *Manager) handleBanOperation(pid peer.ID, op peers.BanOperation, ips map[string]net.IP) {
	switch op {
	case peers.TemporaryBan:
		if len(m.peerdb.Connected()) >= m.config.TargetPeerCount {
			m.tempBan.insert(pid, m.now())
			m.events.pushBanned(pid, ipValues(ips))
		}
	case peers.DisconnectThePeer:
		m.events.push(Event{Kind: EventDisconnectPeer, Peer: pid, Reason: ReasonBadScore})
	case peers.PeerDisconnecting:
		// No-op: the eventual Disconnected transition will complete the
		// ban.
	case peers.ReadyToBan:
		m.events.pushBanned(pid, ipValues(ips))
	}
}

func ipValues(ips map[string]net.IP) []net.IP {
	out := make([]net.IP, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ip)
	}
	return out
}

// ConnectionEstablished handles an inbound or outbound libp2p connection
// notification.
func (m *Manager) ConnectionEstablished(pid peer.ID, seenAddr ma.Multiaddr, enrBytes []byte, direction network.Direction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peerdb.Apply(pid, peers.NewConnState{Kind: peers.ToConnected, Direction: direction, SeenAddr: seenAddr, ENR: enrBytes})
	if direction == network.DirInbound {
		m.events.push(Event{Kind: EventPeerConnectedIncoming, Peer: pid})
	} else {
		m.events.push(Event{Kind: EventPeerConnectedOutgoing, Peer: pid})
	}
	delete(m.peersToDial, pid)
}

// ConnectionClosed handles the last connection to a peer closing.
func (m *Manager) ConnectionClosed(pid peer.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := m.peerdb.Apply(pid, peers.NewConnState{Kind: peers.ToDisconnected})
	m.events.push(Event{Kind: EventPeerDisconnected, Peer: pid})
	switch res.Op {
	case peers.ReadyToBan:
		m.handleBanOperation(pid, peers.ReadyToBan, m.peerdb.SeenIPs(pid))
	case peers.TemporaryBan:
		m.handleBanOperation(pid, peers.TemporaryBan, m.peerdb.SeenIPs(pid))
	}
}

// DialFailure handles a transport-level dial failure.
func (m *Manager) DialFailure(pid peer.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peerdb.State(pid) == peerdata.StateDialing {
		m.peerdb.Apply(pid, peers.NewConnState{Kind: peers.ToDisconnected})
	}
}

// HandlePendingInbound rejects a remote address whose IP is banned or
// temp-banned.
func (m *Manager) HandlePendingInbound(addr net.IP) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peerdb.IPIsBanned(addr) {
		return false
	}
	now := m.now()
	for _, key := range m.tempBan.cache.Keys() {
		pid := key.(peer.ID)
		if _, seen := m.peerdb.SeenIPs(pid)[addr.String()]; seen && m.tempBan.contains(pid, now) {
			return false
		}
	}
	return true
}

// HandleEstablishedInbound reports whether an inbound connection from pid
// should be accepted.
func (m *Manager) HandleEstablishedInbound(pid peer.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tempBan.contains(pid, m.now()) {
		return false
	}
	if m.peerdb.State(pid) == peerdata.StateBanned {
		return false
	}
	if len(m.peerdb.Connected()) >= m.maxPeers() && !m.peerdb.HasFutureMinTTL(pid) {
		return false
	}
	if m.peerdb.HasFutureMinTTL(pid) && len(m.peerdb.Connected()) >= m.maxPriorityPeers() {
		return false
	}
	return true
}

// HandleEstablishedOutbound reports whether pid may be dialed outbound.
func (m *Manager) HandleEstablishedOutbound(pid peer.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tempBan.contains(pid, m.now()) || m.peerdb.State(pid) == peerdata.StateBanned {
		return false
	}
	connectedOrDialing := len(m.peerdb.Connected()) + len(m.peerdb.Dialing())
	if m.peerdb.HasFutureMinTTL(pid) {
		return connectedOrDialing < m.maxPriorityPeers()
	}
	return connectedOrDialing < m.maxOutboundDialingPeers()
}

// Identify updates a peer's client kind and listening addresses.
func (m *Manager) Identify(pid peer.ID, agentVersion string, listeningAddrs []ma.Multiaddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := client.Parse(agentVersion)
	m.peerdb.SetIdentity(pid, info.Kind.String(), info.Version, agentVersion, listeningAddrs)
}

// Goodbye requests the local node send a peer Goodbye: the network-level
// disconnect itself is not driven from here (receipt of a remote Goodbye
// carries no explicit application event, and the eventual PDB transition
// happens once the swarm reports the connection closed), but sending one is
// scored exactly like any other Fatal report.
func (m *Manager) Goodbye(pid peer.ID, reason DisconnectReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reason == ReasonIrrelevantNetwork {
		m.peerdb.SetSyncStatus(pid, int(syncstatus.Irrelevant))
	}
	m.events.push(Event{Kind: EventDisconnectPeer, Peer: pid, Reason: reason})
	m.reportPeerLocked(pid, peers.Fatal)
}

// AddTrusted marks pid trusted and queues a dial.
func (m *Manager) AddTrusted(pid peer.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trustedPeers[pid] = true
	m.peerdb.SetTrusted(pid, true)
	m.events.push(Event{Kind: EventDial, Peer: pid})
}

// RemoveTrusted un-marks pid trusted and requests a disconnect.
func (m *Manager) RemoveTrusted(pid peer.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trustedPeers, pid)
	m.peerdb.SetTrusted(pid, false)
	m.events.push(Event{Kind: EventDisconnectPeer, Peer: pid, Reason: ReasonClientShutdown})
}
