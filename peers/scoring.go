package peers

import (
	"sort"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/ethp2p/peercore/peerdata"
)

// handleScoreTransition maps (new, previous) score-states to the directive a
// caller must enact.
func handleScoreTransition(newState, prevState ScoreState, connected bool) ScoreUpdateResult {
	switch {
	case newState == prevState:
		return NoAction
	case newState == ScoreForcedDisconnect:
		if connected {
			return ScoreDisconnect
		}
		if prevState == ScoreBanned {
			return ScoreUnbanned
		}
		return NoAction
	case newState == ScoreHealthy:
		if prevState == ScoreBanned {
			return ScoreUnbanned
		}
		return NoAction
	case newState == ScoreBanned:
		return ScoreBan
	default:
		return NoAction
	}
}

// ReportPeer applies action's score delta to pid and runs the score-state
// transition, returning the directive the caller (peer manager) must enact.
func (s *Status) ReportPeer(pid peer.ID, action PeerAction) ScoreResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.getOrCreate(pid)
	if data.IsTrusted {
		return ScoreResult{Action: NoAction}
	}
	prevState := classify(decayedScore(data.Score, time.Since(data.ScoreUpdated)))
	data.Score = clampScore(decayedScore(data.Score, time.Since(data.ScoreUpdated)) + action.delta())
	data.ScoreUpdated = now()
	newState := classify(data.Score)
	connected := data.ConnState == peerdata.StateConnected || data.ConnState == peerdata.StateDialing
	result := handleScoreTransition(newState, prevState, connected)
	return s.applyScoreResult(pid, data, result)
}

// applyScoreResult enacts the connection-state side effect of a score
// transition and returns the directive the peer manager must act on. For
// ScoreBan, BanOp carries the exact BanOperation the underlying Banned
// transition produced.
func (s *Status) applyScoreResult(pid peer.ID, data *peerdata.PeerData, result ScoreUpdateResult) ScoreResult {
	switch result {
	case ScoreBan:
		res := s.applyBanned(pid, data, data.ConnState)
		return ScoreResult{Action: ScoreBan, BanOp: res.Op}
	case ScoreUnbanned:
		if data.ConnState == peerdata.StateBanned {
			s.applyUnbanned(data, peerdata.StateBanned)
		}
		return ScoreResult{Action: ScoreUnbanned}
	case ScoreDisconnect:
		return ScoreResult{Action: ScoreDisconnect}
	default:
		return ScoreResult{Action: NoAction}
	}
}

// UpdateScores runs the periodic decay pass over every known peer. It never
// worsens a score and therefore never bans; it only ever surfaces
// ScoreUnbanned results for peers whose decayed score has climbed back to
// Healthy.
func (s *Status) UpdateScores() map[peer.ID]ScoreResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make(map[peer.ID]ScoreResult)
	for pid, data := range s.store.Peers() {
		if data.IsTrusted {
			continue
		}
		prevState := classify(data.Score)
		decayed := decayedScore(data.Score, time.Since(data.ScoreUpdated))
		if classify(decayed) == ScoreBanned && prevState != ScoreBanned {
			// Decay must never push a peer into Banned; clamp to the
			// boundary instead.
			log.WithField("peer", pid.String()).Error("decay pass would have banned a peer; clamping")
			decayed = BanScoreThreshold + 1
		}
		data.Score = decayed
		data.ScoreUpdated = now()
		newState := classify(data.Score)
		connected := data.ConnState == peerdata.StateConnected || data.ConnState == peerdata.StateDialing
		result := handleScoreTransition(newState, prevState, connected)
		if result == ScoreUnbanned {
			results[pid] = s.applyScoreResult(pid, data, result)
		}
	}
	return results
}

// ignoreFactor is the fraction of the target peer count, rounded up, giving
// how many of the most-negative gossip-scoring peers have their gossip
// contribution ignored, to avoid churning the mesh.
const ignoreFactor = 0.1

// UpdateGossipsubScores blends externally supplied per-peer gossip scores
// into each peer's score.
func (s *Status) UpdateGossipsubScores(targetPeers int, gossipScores map[peer.ID]float64) map[peer.ID]ScoreResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	type entry struct {
		pid    peer.ID
		gossip float64
	}
	var connected []entry
	for pid, data := range s.store.Peers() {
		if data.ConnState != peerdata.StateConnected {
			continue
		}
		gs, ok := gossipScores[pid]
		if !ok {
			continue
		}
		connected = append(connected, entry{pid, gs})
	}
	sort.Slice(connected, func(i, j int) bool { return connected[i].gossip < connected[j].gossip })

	toIgnore := int(ceilf(float64(targetPeers) * ignoreFactor))
	ignored := make(map[peer.ID]bool, toIgnore)
	for i := 0; i < toIgnore && i < len(connected); i++ {
		if connected[i].gossip < 0 {
			ignored[connected[i].pid] = true
		}
	}

	results := make(map[peer.ID]ScoreResult)
	for _, e := range connected {
		data, ok := s.store.PeerData(e.pid)
		if !ok || data.IsTrusted {
			continue
		}
		prevState := classify(data.Score)
		contribution := e.gossip
		if ignored[e.pid] {
			contribution = 0
		}
		data.GossipScore = contribution
		data.Score = clampScore(data.Score + contribution*0.1)
		data.ScoreUpdated = now()
		newState := classify(data.Score)
		connectedNow := data.ConnState == peerdata.StateConnected
		result := handleScoreTransition(newState, prevState, connectedNow)
		if result != NoAction {
			results[e.pid] = s.applyScoreResult(e.pid, data, result)
		}
	}
	return results
}

func ceilf(v float64) float64 {
	i := int64(v)
	if float64(i) < v {
		i++
	}
	return float64(i)
}
