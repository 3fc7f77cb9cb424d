package chain

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/thrylos-labs/shardtree/shared"
	"github.com/thrylos-labs/shardtree/types"
)

// Blockchain is an in-memory single-chain ledger with cumulative-weight fork
// choice. A block is finalized once it is an ancestor of every competitive
// tip (tips within finalizedWeight of the heaviest) and the heaviest tip is
// at least finalizedWeight past it. Blocks that do not descend from the
// finalized frontier are discarded.
type Blockchain struct {
	submitMu sync.Mutex // serializes SubmitBlock and its notifications
	mu       sync.RWMutex

	chainID         types.ID
	genesis         *types.Block
	nodes           map[types.ID]*blockNode
	tips            types.IDSet
	finalized       *blockNode
	finalizedWeight int

	observers  []shared.BlockObserver
	finalizers []shared.FinalizationObserver
	validators []shared.BlockValidator

	log zerolog.Logger
}

type blockNode struct {
	block     *types.Block
	parent    *blockNode
	children  []*blockNode
	weight    uint64
	height    uint64
	finalized bool
}

var _ shared.Ledger = (*Blockchain)(nil)

// NewBlockchain creates a ledger rooted at genesis. The genesis block is
// finalized from the start.
func NewBlockchain(genesis *types.Block, finalizedWeight int, log zerolog.Logger) *Blockchain {
	root := &blockNode{block: genesis, finalized: true}
	return &Blockchain{
		chainID:         genesis.ChainID,
		genesis:         genesis,
		nodes:           map[types.ID]*blockNode{genesis.ID: root},
		tips:            types.NewIDSet(genesis.ID),
		finalized:       root,
		finalizedWeight: finalizedWeight,
		log:             log.With().Str("component", "ledger").Str("chain", genesis.ChainID.String()).Logger(),
	}
}

// NewLedgerFactory returns a factory creating in-memory ledgers.
func NewLedgerFactory(finalizedWeight int, log zerolog.Logger) shared.LedgerFactory {
	return func(chainID types.ID, genesis *types.Block) (shared.Ledger, error) {
		if genesis.ChainID != chainID {
			return nil, fmt.Errorf("genesis block %s belongs to chain %s, not %s", genesis.ID, genesis.ChainID, chainID)
		}
		return NewBlockchain(genesis, finalizedWeight, log), nil
	}
}

func (bc *Blockchain) ChainID() types.ID { return bc.chainID }

func (bc *Blockchain) Genesis() *types.Block { return bc.genesis }

func (bc *Blockchain) FinalizedWeightThreshold() int { return bc.finalizedWeight }

func (bc *Blockchain) AttachObserver(fn shared.BlockObserver) {
	bc.submitMu.Lock()
	defer bc.submitMu.Unlock()
	bc.observers = append(bc.observers, fn)
}

func (bc *Blockchain) AttachFinalizer(fn shared.FinalizationObserver) {
	bc.submitMu.Lock()
	defer bc.submitMu.Unlock()
	bc.finalizers = append(bc.finalizers, fn)
}

func (bc *Blockchain) AttachValidator(fn shared.BlockValidator) {
	bc.submitMu.Lock()
	defer bc.submitMu.Unlock()
	bc.validators = append(bc.validators, fn)
}

// SubmitBlock validates and appends a block, then notifies observers of the
// new block and finalizers of any finalization it caused.
func (bc *Blockchain) SubmitBlock(b *types.Block) error {
	bc.submitMu.Lock()
	defer bc.submitMu.Unlock()

	if err := bc.checkLinkage(b); err != nil {
		return err
	}
	for _, validate := range bc.validators {
		if err := validate(b); err != nil {
			return fmt.Errorf("block %s rejected: %w", b.ID, err)
		}
	}

	bc.mu.Lock()
	node := bc.insertLocked(b)
	finalized, discarded := bc.advanceFinalityLocked()
	bc.mu.Unlock()

	bc.log.Debug().
		Str("block", b.ID.String()).
		Uint64("weight", node.weight).
		Int("finalized", len(finalized)).
		Int("discarded", len(discarded)).
		Msg("block appended")

	for _, observe := range bc.observers {
		observe(b, node.weight)
	}
	if len(finalized) > 0 || len(discarded) > 0 {
		for _, finalize := range bc.finalizers {
			finalize(finalized, discarded)
		}
	}
	return nil
}

func (bc *Blockchain) checkLinkage(b *types.Block) error {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	if b.ChainID != bc.chainID {
		return fmt.Errorf("block %s belongs to chain %s, not %s", b.ID, b.ChainID, bc.chainID)
	}
	if _, exists := bc.nodes[b.ID]; exists {
		return fmt.Errorf("block %s already exists", b.ID)
	}
	parent, ok := bc.nodes[b.Parent]
	if !ok {
		return fmt.Errorf("%w: parent %s of block %s", types.ErrUnknownBlock, b.Parent, b.ID)
	}
	if parent.finalized && parent != bc.finalized {
		return fmt.Errorf("block %s forks below the finalized frontier", b.ID)
	}
	return nil
}

func (bc *Blockchain) insertLocked(b *types.Block) *blockNode {
	parent := bc.nodes[b.Parent]
	w := b.Weight
	if w == 0 {
		w = 1
	}
	node := &blockNode{
		block:  b,
		parent: parent,
		weight: parent.weight + w,
		height: parent.height + 1,
	}
	parent.children = append(parent.children, node)
	bc.nodes[b.ID] = node
	delete(bc.tips, parent.block.ID)
	bc.tips.Add(b.ID)
	return node
}

func (bc *Blockchain) advanceFinalityLocked() ([]*types.Block, []types.ID) {
	var heaviest uint64
	for id := range bc.tips {
		if w := bc.nodes[id].weight; w > heaviest {
			heaviest = w
		}
	}
	fw := uint64(bc.finalizedWeight)
	if heaviest < fw {
		return nil, nil
	}

	var ancestor *blockNode
	for id := range bc.tips {
		tip := bc.nodes[id]
		if tip.weight+fw < heaviest {
			continue
		}
		if ancestor == nil {
			ancestor = tip
		} else {
			ancestor = commonAncestor(ancestor, tip)
		}
	}
	for ancestor != nil && ancestor.weight+fw > heaviest {
		ancestor = ancestor.parent
	}
	if ancestor == nil || ancestor.finalized {
		return nil, nil
	}

	var path []*blockNode
	for n := ancestor; n != bc.finalized; n = n.parent {
		path = append(path, n)
	}
	finalized := make([]*types.Block, 0, len(path))
	for i := len(path) - 1; i >= 0; i-- {
		path[i].finalized = true
		finalized = append(finalized, path[i].block)
	}

	var discarded []types.ID
	for n := ancestor; n != bc.finalized; n = n.parent {
		for _, sibling := range n.parent.children {
			if sibling != n {
				discarded = bc.pruneLocked(sibling, discarded)
			}
		}
		n.parent.children = []*blockNode{n}
	}
	bc.finalized = ancestor
	return finalized, discarded
}

func (bc *Blockchain) pruneLocked(n *blockNode, discarded []types.ID) []types.ID {
	stack := []*blockNode{n}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		delete(bc.nodes, top.block.ID)
		delete(bc.tips, top.block.ID)
		discarded = append(discarded, top.block.ID)
		stack = append(stack, top.children...)
	}
	return discarded
}

func commonAncestor(a, b *blockNode) *blockNode {
	for a.height > b.height {
		a = a.parent
	}
	for b.height > a.height {
		b = b.parent
	}
	for a != b {
		a, b = a.parent, b.parent
	}
	return a
}

// CurrentFrontier returns the tips, heaviest first, ties broken by id.
func (bc *Blockchain) CurrentFrontier() []types.ID {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	tips := bc.tips.Slice()
	slices.SortStableFunc(tips, func(a, b types.ID) int {
		return compareUint64(bc.nodes[b].weight, bc.nodes[a].weight)
	})
	return tips
}

// IsInLongestChain reports whether id is an ancestor of (or is) the heaviest tip.
func (bc *Blockchain) IsInLongestChain(id types.ID) bool {
	frontier := bc.CurrentFrontier()

	bc.mu.RLock()
	defer bc.mu.RUnlock()

	target, ok := bc.nodes[id]
	if !ok || len(frontier) == 0 {
		return false
	}
	for n := bc.nodes[frontier[0]]; n != nil && n.height >= target.height; n = n.parent {
		if n == target {
			return true
		}
	}
	return false
}

// BlocksFollowing returns the blocks exactly distance generations after id.
func (bc *Blockchain) BlocksFollowing(id types.ID, distance int) []types.ID {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	start, ok := bc.nodes[id]
	if !ok || distance < 0 {
		return nil
	}
	level := []*blockNode{start}
	for i := 0; i < distance; i++ {
		var next []*blockNode
		for _, n := range level {
			next = append(next, n.children...)
		}
		level = next
	}
	out := make(types.IDSet, len(level))
	for _, n := range level {
		out.Add(n.block.ID)
	}
	return out.Slice()
}

func (bc *Blockchain) Block(id types.ID) (*types.Block, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	n, ok := bc.nodes[id]
	if !ok {
		return nil, false
	}
	return n.block, true
}

func (bc *Blockchain) Weight(id types.ID) (uint64, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	n, ok := bc.nodes[id]
	if !ok {
		return 0, false
	}
	return n.weight, true
}

// LastFinalized returns the most recently finalized block.
func (bc *Blockchain) LastFinalized() *types.Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.finalized.block
}
