package peermanager

import (
	"math/rand"
	"sort"

	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
)

// pruneExcessPeers implements the four-pass eviction policy: worst scores
// first, then peers with no long-lived subnet subscription, then subnet
// rebalancing, then random fill. It returns the peers chosen for eviction,
// in the order they were selected.
func (m *Manager) pruneExcessPeers() []peer.ID {
	connected := m.peerdb.Connected()
	target := m.config.TargetPeerCount
	if len(connected) <= target {
		return nil
	}
	quota := len(connected) - target

	outboundFloor := m.targetOutboundPeers()
	outboundCount := 0
	for _, pid := range connected {
		if m.peerdb.Direction(pid) == network.DirOutbound {
			outboundCount++
		}
	}

	// syncCommitteeCount[subnet] = number of connected peers (prunable or
	// not) covering that subnet that have not been dropped in this pass.
	syncCommitteeCount := make(map[uint64]int)
	peerSyncSubnets := make(map[peer.ID][]uint64)
	for _, pid := range connected {
		for subnet := range m.peerdb.SyncSubnets(pid) {
			syncCommitteeCount[subnet]++
			peerSyncSubnets[pid] = append(peerSyncSubnets[pid], subnet)
		}
	}

	prunable := make(map[peer.ID]bool, len(connected))
	for _, pid := range connected {
		if m.peerdb.IsTrusted(pid) || m.peerdb.HasFutureMinTTL(pid) {
			continue
		}
		prunable[pid] = true
	}

	var dropped []peer.ID
	isDropped := make(map[peer.ID]bool)

	canDrop := func(pid peer.ID) bool {
		if !prunable[pid] || isDropped[pid] {
			return false
		}
		if m.peerdb.Direction(pid) == network.DirOutbound && outboundCount-1 < outboundFloor {
			return false
		}
		for _, subnet := range peerSyncSubnets[pid] {
			if syncCommitteeCount[subnet]-1 <= MinSyncCommitteePeers {
				return false
			}
		}
		return true
	}

	drop := func(pid peer.ID) {
		isDropped[pid] = true
		dropped = append(dropped, pid)
		if m.peerdb.Direction(pid) == network.DirOutbound {
			outboundCount--
		}
		for _, subnet := range peerSyncSubnets[pid] {
			syncCommitteeCount[subnet]--
		}
	}

	remaining := func() int { return quota - len(dropped) }

	// Pass 1: worst scores (score < 0), worst-first.
	if remaining() > 0 {
		candidates := make([]peer.ID, 0, len(prunable))
		for pid := range prunable {
			if isDropped[pid] {
				continue
			}
			if m.peerdb.Score(pid) < 0 {
				candidates = append(candidates, pid)
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			return m.peerdb.Score(candidates[i]) < m.peerdb.Score(candidates[j])
		})
		for _, pid := range candidates {
			if remaining() <= 0 {
				break
			}
			if canDrop(pid) {
				drop(pid)
			}
		}
	}

	// Pass 2: no long-lived subnet subscription at all.
	if remaining() > 0 {
		var candidates []peer.ID
		for pid := range prunable {
			if isDropped[pid] {
				continue
			}
			if len(m.peerdb.Subnets(pid)) == 0 && len(m.peerdb.SyncSubnets(pid)) == 0 {
				candidates = append(candidates, pid)
			}
		}
		for _, pid := range candidates {
			if remaining() <= 0 {
				break
			}
			if canDrop(pid) {
				drop(pid)
			}
		}
	}

	// Pass 3: subnet rebalancing, repeatedly picking the attestation subnet
	// with the most remaining prunable peers; shuffle, sort ascending by
	// total long-lived subnet count, take the first that passes the guards.
	if remaining() > 0 {
		subnetToPeers := make(map[uint64][]peer.ID)
		for pid := range prunable {
			if isDropped[pid] {
				continue
			}
			for subnet := range m.peerdb.Subnets(pid) {
				subnetToPeers[subnet] = append(subnetToPeers[subnet], pid)
			}
		}
		for remaining() > 0 && len(subnetToPeers) > 0 {
			subnet, peerList := densestSubnet(subnetToPeers)
			rand.Shuffle(len(peerList), func(i, j int) { peerList[i], peerList[j] = peerList[j], peerList[i] })
			sort.SliceStable(peerList, func(i, j int) bool {
				return totalSubnetCount(m, peerList[i]) < totalSubnetCount(m, peerList[j])
			})
			chosen := peer.ID("")
			found := false
			for _, pid := range peerList {
				if isDropped[pid] {
					continue
				}
				if canDrop(pid) {
					chosen, found = pid, true
					break
				}
			}
			if !found {
				delete(subnetToPeers, subnet)
				continue
			}
			drop(chosen)
			refreshSubnetMap(m, subnetToPeers, isDropped)
		}
	}

	// Pass 4: random fill from whatever remains prunable.
	if remaining() > 0 {
		var candidates []peer.ID
		for pid := range prunable {
			if !isDropped[pid] {
				candidates = append(candidates, pid)
			}
		}
		rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
		for _, pid := range candidates {
			if remaining() <= 0 {
				break
			}
			if canDrop(pid) {
				drop(pid)
			}
		}
	}

	return dropped
}

func densestSubnet(m map[uint64][]peer.ID) (uint64, []peer.ID) {
	var best uint64
	bestLen := -1
	first := true
	for subnet, ps := range m {
		if first || len(ps) > bestLen {
			best, bestLen, first = subnet, len(ps), false
		}
	}
	return best, m[best]
}

func totalSubnetCount(m *Manager, pid peer.ID) int {
	return len(m.peerdb.Subnets(pid)) + len(m.peerdb.SyncSubnets(pid))
}

func refreshSubnetMap(m *Manager, subnetToPeers map[uint64][]peer.ID, isDropped map[peer.ID]bool) {
	for subnet, ps := range subnetToPeers {
		filtered := ps[:0]
		for _, pid := range ps {
			if !isDropped[pid] {
				filtered = append(filtered, pid)
			}
		}
		if len(filtered) == 0 {
			delete(subnetToPeers, subnet)
		} else {
			subnetToPeers[subnet] = filtered
		}
	}
}
