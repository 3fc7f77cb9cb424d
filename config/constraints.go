package config

import "time"

const (
	// Block packing
	DefaultMaxBlockSize = 40000
	BlockSafetyOffset   = 32   // bytes reserved for header and proof overhead
	RandomSampleCap     = 2048 // prefix of the pool sampled in random allocation mode

	// Load balancing
	DefaultBlockSampleSize      = 15
	DefaultOverloadThreshold    = 0.9
	DefaultUnderloadedThreshold = 0.4

	// Confirmation
	DefaultFinalizedWeight = 6
	CandidateDepthOffset   = 3 // candidate roots sit finalizedWeight+3 past the spawn point

	// Mempool index
	DefaultCommitRetries     = 5
	DefaultCommitBackoff     = 50 * time.Millisecond
	DefaultFrontierCacheSize = 1 << 16

	// Linearizer
	DefaultDeliveredCacheSize = 1 << 16

	// Evaluator
	DefaultEvaluateInterval = 2 * time.Second
	DefaultEvaluatorLanes   = 4
)
