package types

import "errors"

var (
	// ErrInvalidOperation is returned for operations failing their validity predicate.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrDuplicateOperation is returned when an operation is already pooled.
	ErrDuplicateOperation = errors.New("operation already exists in the pool")
	// ErrOperationNotFound is returned when an operation is not pooled.
	ErrOperationNotFound = errors.New("operation not found in the pool")

	// ErrStaleRouting is returned when a split or merge targets a tree
	// position that has been reshaped concurrently.
	ErrStaleRouting = errors.New("stale routing: tree position no longer exists")
	// ErrInvariantViolation marks tree shapes the lock discipline should make impossible.
	ErrInvariantViolation = errors.New("shard tree invariant violated")
	// ErrMaxDepth is returned when a spawn would exhaust the fingerprint bits.
	ErrMaxDepth = errors.New("maximum tree depth reached")

	// ErrUnknownPrevious is returned when a chunk references a block that is
	// neither a live chunk nor part of the finalized frontier.
	ErrUnknownPrevious = errors.New("previous chunk is neither live nor finalized")
	// ErrDoubleSpend is returned when an ancestry consumes a resource twice or
	// an operation reuses a consumed resource or operation.
	ErrDoubleSpend = errors.New("double spend in unconfirmed ancestry")
	// ErrCommitFailed is returned when finalized resources could not be made durable.
	ErrCommitFailed = errors.New("durable commit of finalized chunks failed")
	// ErrChunkTypeMismatch is returned when a replayed record is not a chunk.
	ErrChunkTypeMismatch = errors.New("chunk type mismatch")

	// ErrRankTooLow is returned for blocks proposed below the shard's rank floor.
	ErrRankTooLow = errors.New("block rank below the minimum rank")
	// ErrUnknownBlock is returned when a ledger does not know a block.
	ErrUnknownBlock = errors.New("unknown block")
	// ErrUnknownChain is returned when no reachable shard has the chain id.
	ErrUnknownChain = errors.New("unknown chain")
	// ErrResourceNotFound is returned when the resource table has no entry.
	ErrResourceNotFound = errors.New("resource not found")
)
