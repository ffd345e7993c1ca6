package peermanager

import "github.com/ethp2p/peercore/peers"

// Protocol identifies an RPC protocol this core scores peers on.
type Protocol int

const (
	ProtocolStatus Protocol = iota
	ProtocolPing
	ProtocolMetaData
	ProtocolGoodbye
	ProtocolBlocksByRange
	ProtocolBlocksByRoot
	ProtocolBlobSidecarsByRange
	ProtocolBlobSidecarsByRoot
	ProtocolDataColumnSidecarsByRange
	ProtocolDataColumnSidecarsByRoot
	ProtocolLightClientBootstrap
	ProtocolLightClientUpdatesByRange
	ProtocolLightClientFinalityUpdate
	ProtocolLightClientOptimisticUpdate
)

func (p Protocol) isLightClient() bool {
	switch p {
	case ProtocolLightClientBootstrap, ProtocolLightClientUpdatesByRange,
		ProtocolLightClientFinalityUpdate, ProtocolLightClientOptimisticUpdate:
		return true
	default:
		return false
	}
}

// RPCDirection is the direction of the request that produced the error.
type RPCDirection int

const (
	DirectionIncoming RPCDirection = iota
	DirectionOutgoing
)

// ErrorKind classifies an RPC-layer failure.
type ErrorKind int

const (
	ErrInvalidData ErrorKind = iota
	ErrUnsupportedProtocol
	ErrRateLimited
	ErrResourceUnavailable
	ErrIoError
	ErrDisconnected
	ErrStreamTimeout
)

// HandleRPCError maps a classified RPC error into a PeerAction. A zero ok
// return means "do not penalize" (e.g. LightClient protocols, or a no-op
// edge).
func HandleRPCError(kind ErrorKind, protocol Protocol, direction RPCDirection) (action peers.PeerAction, ok bool) {
	// LightClient protocols on this client never penalize; we don't ask
	// for them.
	if protocol.isLightClient() {
		return 0, false
	}

	switch kind {
	case ErrDisconnected:
		return 0, false

	case ErrInvalidData:
		// Invalid data on any protocol is always fatal.
		return peers.Fatal, true

	case ErrUnsupportedProtocol:
		switch protocol {
		case ProtocolPing, ProtocolMetaData, ProtocolStatus:
			return peers.Fatal, true
		default:
			// A peer that doesn't speak an optional protocol like
			// BlocksByRange or the blob/column sync protocols isn't at
			// fault; only the fixed core protocols are mandatory.
			return 0, false
		}

	case ErrRateLimited:
		switch protocol {
		case ProtocolPing, ProtocolMetaData, ProtocolStatus, ProtocolBlocksByRange,
			ProtocolBlocksByRoot, ProtocolBlobSidecarsByRange, ProtocolBlobSidecarsByRoot,
			ProtocolDataColumnSidecarsByRange, ProtocolDataColumnSidecarsByRoot:
			return peers.MidToleranceError, true
		default:
			return peers.MidToleranceError, true
		}

	case ErrResourceUnavailable:
		switch protocol {
		case ProtocolBlocksByRange, ProtocolBlocksByRoot, ProtocolBlobSidecarsByRange,
			ProtocolBlobSidecarsByRoot, ProtocolDataColumnSidecarsByRange, ProtocolDataColumnSidecarsByRoot:
			if direction == DirectionOutgoing {
				return peers.Fatal, true
			}
			return 0, false
		default:
			return peers.LowToleranceError, true
		}

	case ErrIoError:
		return peers.HighToleranceError, true

	case ErrStreamTimeout:
		if direction == DirectionIncoming {
			return 0, false
		}
		switch protocol {
		case ProtocolStatus, ProtocolMetaData, ProtocolGoodbye:
			return 0, false
		default:
			return peers.MidToleranceError, true
		}

	default:
		return 0, false
	}
}
