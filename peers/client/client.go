// Package client classifies a peer's advertised agent-version string (as
// surfaced by the identify protocol at the swarm boundary) into a known
// consensus-client kind plus free-form version text.
package client

import "strings"

// Kind identifies a consensus-client implementation family.
type Kind int

const (
	Unknown Kind = iota
	Lighthouse
	Prysm
	Teku
	Nimbus
	Lodestar
	Grandine
	Caplin
)

func (k Kind) String() string {
	switch k {
	case Lighthouse:
		return "Lighthouse"
	case Prysm:
		return "Prysm"
	case Teku:
		return "Teku"
	case Nimbus:
		return "Nimbus"
	case Lodestar:
		return "Lodestar"
	case Grandine:
		return "Grandine"
	case Caplin:
		return "Caplin"
	default:
		return "Unknown"
	}
}

// Info is the parsed client identity of a peer.
type Info struct {
	Kind    Kind
	Version string
}

// Parse classifies a raw libp2p agent-version string, e.g.
// "lighthouse/v4.5.0-abc/x86_64-linux" or "teku/teku/v23.10.0".
func Parse(agentVersion string) Info {
	lower := strings.ToLower(agentVersion)
	switch {
	case strings.Contains(lower, "lighthouse"):
		return Info{Kind: Lighthouse, Version: agentVersion}
	case strings.Contains(lower, "prysm"):
		return Info{Kind: Prysm, Version: agentVersion}
	case strings.Contains(lower, "teku"):
		return Info{Kind: Teku, Version: agentVersion}
	case strings.Contains(lower, "nimbus"):
		return Info{Kind: Nimbus, Version: agentVersion}
	case strings.Contains(lower, "lodestar") || strings.Contains(lower, "js-libp2p"):
		return Info{Kind: Lodestar, Version: agentVersion}
	case strings.Contains(lower, "grandine"):
		return Info{Kind: Grandine, Version: agentVersion}
	case strings.Contains(lower, "caplin") || strings.Contains(lower, "erigon"):
		return Info{Kind: Caplin, Version: agentVersion}
	default:
		return Info{Kind: Unknown, Version: agentVersion}
	}
}
