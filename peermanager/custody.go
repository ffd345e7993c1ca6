package peermanager

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// deriveCustodySubnets deterministically derives csc distinct data-column
// subnet ids from a peer's 32-byte node-id. The node-id is hashed with
// keccak256 together with an incrementing little-endian counter; the first
// 8 bytes of each hash, mod subnetCount, give a candidate subnet, until csc
// distinct subnets have been collected.
func deriveCustodySubnets(nodeID [32]byte, csc, subnetCount uint64) (map[uint64]bool, error) {
	if csc == 0 || csc > subnetCount {
		return nil, errInvalidCustodyCount
	}
	subnets := make(map[uint64]bool, csc)
	var counter uint64
	for uint64(len(subnets)) < csc {
		var buf [40]byte
		copy(buf[:32], nodeID[:])
		binary.LittleEndian.PutUint64(buf[32:], counter)
		h := crypto.Keccak256(buf[:])
		subnet := binary.LittleEndian.Uint64(h[:8]) % subnetCount
		subnets[subnet] = true
		counter++
	}
	return subnets, nil
}

var errInvalidCustodyCount = errors.New("peermanager: custody subnet count out of range")

// computeCustodyRequirementSubnets is the fallback used when a peer's
// advertised csc is within the valid range but derivation still fails
// unexpectedly (unreachable absent a bug, since the csc is validated
// against the same bounds before this is ever called). It derives
// custodyRequirement subnets instead of the peer's csc.
func computeCustodyRequirementSubnets(nodeID [32]byte, custodyRequirement, subnetCount uint64) map[uint64]bool {
	subnets, err := deriveCustodySubnets(nodeID, custodyRequirement, subnetCount)
	if err != nil {
		return map[uint64]bool{}
	}
	return subnets
}
