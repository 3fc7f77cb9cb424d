package types

// Block is one block of a single shard chain as seen by the shard tree. Its
// wire encoding and proof belong to the ledger and election layers; only the
// fields needed for consistency tracking and ordering are kept here.
type Block struct {
	ID      ID
	ChainID ID

	// Parent is the previous block of the same chain; zero for a genesis block.
	Parent ID
	// References are blocks of other chains (or the spawn point of a child
	// chain) whose unconfirmed history this block builds upon.
	References []ID

	// Weight is the proposer weight the election layer granted this block.
	Weight uint64
	// Rank and NextRank order blocks across sibling chains.
	Rank     uint64
	NextRank uint64

	Operations []*Operation
	ProofSize  int
}

// NewBlock builds a block on top of parent carrying ops. NextRank is set to
// rank+1.
func NewBlock(chainID, parent ID, refs []ID, rank uint64, ops []*Operation) *Block {
	return &Block{
		ID:         NewID(),
		ChainID:    chainID,
		Parent:     parent,
		References: refs,
		Weight:     1,
		Rank:       rank,
		NextRank:   rank + 1,
		Operations: ops,
	}
}

// NewGenesisBlock builds the first block of a chain. A child chain created by
// a spawn references the candidate root block of its parent.
func NewGenesisBlock(chainID ID, rank uint64, refs ...ID) *Block {
	return &Block{
		ID:         NewID(),
		ChainID:    chainID,
		References: refs,
		Rank:       rank,
		NextRank:   rank,
	}
}

// IsGenesis reports whether b has no parent in its own chain.
func (b *Block) IsGenesis() bool {
	return b.Parent == ZeroID
}

// Previous returns the parent followed by the references.
func (b *Block) Previous() []ID {
	prev := make([]ID, 0, len(b.References)+1)
	if b.Parent != ZeroID {
		prev = append(prev, b.Parent)
	}
	return append(prev, b.References...)
}

// ContentSize is the summed serialized size of the block's operations.
func (b *Block) ContentSize() int {
	size := 0
	for _, op := range b.Operations {
		size += op.SerializedSize()
	}
	return size
}

// FinalizedBlocks is delivered to the application layer: the linearized,
// deduplicated sequence of finalized block ids plus the blocks that lost a
// fork or merge race and must never be delivered.
type FinalizedBlocks struct {
	Blocks    []ID
	Discarded []ID
}

// Empty reports whether the notification carries nothing.
func (f FinalizedBlocks) Empty() bool {
	return len(f.Blocks) == 0 && len(f.Discarded) == 0
}
