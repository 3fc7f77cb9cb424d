package utils

import (
	"math"
	"time"
)

// ThroughputClock turns elapsed wall time into an operation count budget.
// The origin is shared configuration: nodes started at different times with
// different origins will throttle differently.
type ThroughputClock struct {
	start      time.Time
	throughput float64
	now        func() time.Time
}

// NewThroughputClock returns a clock granting throughput operations per
// second since start. A non-positive throughput means unbounded.
func NewThroughputClock(start time.Time, throughput float64) *ThroughputClock {
	return &ThroughputClock{start: start, throughput: throughput, now: time.Now}
}

// Unbounded reports whether the clock imposes no budget.
func (c *ThroughputClock) Unbounded() bool {
	return c == nil || c.throughput <= 0
}

// Budget returns the operation count budget for one shard: the operations
// allowed so far, minus the already finalized ones, divided over loadDivisor
// shards. It returns -1 when unbounded and never less than 0 otherwise.
func (c *ThroughputClock) Budget(finalized uint64, loadDivisor int) int {
	if c.Unbounded() {
		return -1
	}
	if loadDivisor < 1 {
		loadDivisor = 1
	}
	allowed := c.now().Sub(c.start).Seconds() * c.throughput
	remaining := (allowed - float64(finalized)) / float64(loadDivisor)
	if remaining <= 0 {
		return 0
	}
	return int(math.Floor(remaining))
}
