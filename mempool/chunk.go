package mempool

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/thrylos-labs/shardtree/types"
)

// Chunk is the consistency record of one unconfirmed block: the resources
// its operations produce and consume, the operations it includes, and the
// blocks it builds upon.
type Chunk struct {
	BlockID  types.ID
	ChainID  types.ID
	Previous []types.ID
	Added    map[types.ID]types.Resource
	Removed  types.IDSet
	Used     types.IDSet
	Weight   uint64
}

// NewChunk derives the chunk of a block.
func NewChunk(b *types.Block, weight uint64) *Chunk {
	c := &Chunk{
		BlockID:  b.ID,
		ChainID:  b.ChainID,
		Previous: b.Previous(),
		Added:    make(map[types.ID]types.Resource),
		Removed:  make(types.IDSet),
		Used:     make(types.IDSet, len(b.Operations)),
		Weight:   weight,
	}
	for _, op := range b.Operations {
		c.Used.Add(op.ID)
		for _, in := range op.Inputs {
			c.Removed.Add(in)
		}
		for _, out := range op.Outputs {
			c.Added[out.ID] = out
		}
	}
	return c
}

// RecordType tags encoded index records.
type RecordType uint8

const (
	RecordTypeChunk RecordType = 1
)

type chunkRecord struct {
	Type     RecordType       `cbor:"1,keyasint"`
	BlockID  types.ID         `cbor:"2,keyasint"`
	ChainID  types.ID         `cbor:"3,keyasint"`
	Previous []types.ID       `cbor:"4,keyasint,omitempty"`
	Added    []types.Resource `cbor:"5,keyasint,omitempty"`
	Removed  []types.ID       `cbor:"6,keyasint,omitempty"`
	Used     []types.ID       `cbor:"7,keyasint,omitempty"`
	Weight   uint64           `cbor:"8,keyasint"`
}

// EncodeChunk serializes a chunk into a tagged CBOR record.
func EncodeChunk(c *Chunk) ([]byte, error) {
	rec := chunkRecord{
		Type:     RecordTypeChunk,
		BlockID:  c.BlockID,
		ChainID:  c.ChainID,
		Previous: c.Previous,
		Removed:  c.Removed.Slice(),
		Used:     c.Used.Slice(),
		Weight:   c.Weight,
	}
	addedIDs := make(types.IDSet, len(c.Added))
	for id := range c.Added {
		addedIDs.Add(id)
	}
	for _, id := range addedIDs.Slice() {
		rec.Added = append(rec.Added, c.Added[id])
	}
	return cbor.Marshal(rec)
}

// DecodeChunk parses a record produced by EncodeChunk. Records of another
// type fail with types.ErrChunkTypeMismatch.
func DecodeChunk(data []byte) (*Chunk, error) {
	var rec chunkRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode chunk record: %w", err)
	}
	if rec.Type != RecordTypeChunk {
		return nil, fmt.Errorf("%w: record type %d", types.ErrChunkTypeMismatch, rec.Type)
	}

	c := &Chunk{
		BlockID:  rec.BlockID,
		ChainID:  rec.ChainID,
		Previous: rec.Previous,
		Added:    make(map[types.ID]types.Resource, len(rec.Added)),
		Removed:  types.NewIDSet(rec.Removed...),
		Used:     types.NewIDSet(rec.Used...),
		Weight:   rec.Weight,
	}
	for _, r := range rec.Added {
		c.Added[r.ID] = r
	}
	return c, nil
}
