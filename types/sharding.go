// types/sharding.go
package types

import (
	"bytes"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ID is the 128-bit identifier shared by operations, blocks, chains and resources.
type ID = uuid.UUID

// ZeroID is the unset identifier.
var ZeroID ID

// NewID returns a random identifier.
func NewID() ID {
	return uuid.New()
}

// ParseID parses the canonical text form of an identifier.
func ParseID(s string) (ID, error) {
	return uuid.Parse(s)
}

// CompareIDs orders identifiers by their raw bytes.
func CompareIDs(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

// SortIDs sorts ids in place in byte order and returns them.
func SortIDs(ids []ID) []ID {
	slices.SortFunc(ids, CompareIDs)
	return ids
}

// IDSet is a set of identifiers.
type IDSet map[ID]struct{}

// NewIDSet builds a set from ids.
func NewIDSet(ids ...ID) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Add(id ID) { s[id] = struct{}{} }

func (s IDSet) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

// Union adds every id of other to s.
func (s IDSet) Union(other IDSet) {
	for id := range other {
		s[id] = struct{}{}
	}
}

// IsSupersetOf reports whether every id of other is in s.
func (s IDSet) IsSupersetOf(other IDSet) bool {
	for id := range other {
		if _, ok := s[id]; !ok {
			return false
		}
	}
	return true
}

// Slice returns the ids sorted in byte order.
func (s IDSet) Slice() []ID {
	return SortIDs(maps.Keys(s))
}

// FingerprintSize is the length in bytes of an address fingerprint.
const FingerprintSize = 32

// Fingerprint is a fixed-length digest of a sender or receiver address used
// for routing operations through the shard tree.
type Fingerprint [FingerprintSize]byte

// Bit returns bit i of the fingerprint, most significant bit first.
// Positions past the end wrap around.
func (f Fingerprint) Bit(i int) byte {
	i %= FingerprintSize * 8
	return (f[i/8] >> (7 - uint(i%8))) & 1
}
