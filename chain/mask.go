package chain

import (
	"fmt"

	"github.com/thrylos-labs/shardtree/types"
)

// Direction is the routing decision of a mask for one operation.
type Direction int

const (
	Center Direction = iota
	Left
	Right
)

func (d Direction) String() string {
	switch d {
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return "center"
	}
}

// MaxDepth is the number of routing bits in a fingerprint.
const MaxDepth = types.FingerprintSize * 8

// Mask reads one bit of both fingerprints of an operation. Operations whose
// sender and receiver agree on the bit can be routed one level deeper;
// the others stay at the common ancestor.
type Mask struct {
	Depth int
}

// NewMask returns the mask of a shard at depth.
func NewMask(depth int) Mask {
	return Mask{Depth: depth}
}

// Classify routes an operation by bit Depth of its fingerprints.
func (m Mask) Classify(matchA, matchB types.Fingerprint) Direction {
	a, b := matchA.Bit(m.Depth), matchB.Bit(m.Depth)
	switch {
	case a == 0 && b == 0:
		return Left
	case a == 1 && b == 1:
		return Right
	default:
		return Center
	}
}

// ClassifyOperation is Classify on the operation's fingerprints.
func (m Mask) ClassifyOperation(op *types.Operation) Direction {
	return m.Classify(op.MatchA, op.MatchB)
}

// Advance returns the mask of the next tree level.
func (m Mask) Advance() Mask {
	return Mask{Depth: m.Depth + 1}
}

func (m Mask) String() string {
	return fmt.Sprintf("mask(depth=%d, byte=%d, bit=%d)", m.Depth, (m.Depth%MaxDepth)/8, m.Depth%8)
}
