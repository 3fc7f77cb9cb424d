package shared

import "github.com/thrylos-labs/shardtree/types"

// BlockObserver is called for every newly observed, not yet finalized block
// with its cumulative weight in the chain.
type BlockObserver func(b *types.Block, weight uint64)

// FinalizationObserver is called whenever the ledger finalizes blocks (in
// chain order) and prunes the blocks that lost the fork choice.
type FinalizationObserver func(finalized []*types.Block, discarded []types.ID)

// BlockValidator may reject a block before the ledger accepts it.
type BlockValidator func(b *types.Block) error

// Ledger is the single-chain fork-choice ledger backing one shard.
type Ledger interface {
	ChainID() types.ID
	Genesis() *types.Block
	CurrentFrontier() []types.ID
	SubmitBlock(b *types.Block) error
	AttachObserver(fn BlockObserver)
	AttachFinalizer(fn FinalizationObserver)
	AttachValidator(fn BlockValidator)
	FinalizedWeightThreshold() int
	IsInLongestChain(id types.ID) bool
	BlocksFollowing(id types.ID, distance int) []types.ID
	Block(id types.ID) (*types.Block, bool)
	Weight(id types.ID) (uint64, bool)
}

// LedgerFactory creates the ledger of a freshly spawned shard.
type LedgerFactory func(chainID types.ID, genesis *types.Block) (Ledger, error)

// Proof is the opaque election proof attached to a proposed block.
type Proof interface {
	SerializedSize() int
}

// ResourceStore is the durable resource table written at finalization.
type ResourceStore interface {
	Commit(added map[types.ID]types.Resource, removed []types.ID) error
	Get(id types.ID) (types.Resource, error)
	Has(id types.ID) (bool, error)
}
