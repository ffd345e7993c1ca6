package peerdata

import "github.com/pkg/errors"

// ErrPeerUnknown is returned when a peer is not found in the store.
var ErrPeerUnknown = errors.New("peer unknown")

// ErrNoPeerStatus is returned when a peer has no status/chain-state recorded yet.
var ErrNoPeerStatus = errors.New("no chain status for peer")
