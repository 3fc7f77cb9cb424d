package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintFromAddress(t *testing.T) {
	words, err := bech32.ConvertBits([]byte("shard-tree-address"), 8, 5, true)
	require.NoError(t, err)
	addr, err := bech32.Encode("tl", words)
	require.NoError(t, err)

	assert.Equal(t, FingerprintFromAddress(addr), FingerprintFromAddress(strings.ToUpper(addr)))
	assert.NotEqual(t, FingerprintFromAddress(addr), FingerprintFromAddress("plain-address"))
	assert.Equal(t, FingerprintFromAddress("plain-address"), FingerprintFromAddress("plain-address"))
}

func TestNewOperationIsValid(t *testing.T) {
	op := NewOperation("alice", "bob", 120, nil, nil)
	require.NoError(t, op.Validate())
	assert.Equal(t, FingerprintFromAddress("alice"), op.MatchA)
	assert.Equal(t, FingerprintFromAddress("bob"), op.MatchB)
	assert.Equal(t, 120, op.SerializedSize())
}

func TestThroughputClockBudget(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewThroughputClock(start, 10)
	c.now = func() time.Time { return start.Add(10 * time.Second) }

	assert.Equal(t, 100, c.Budget(0, 1))
	assert.Equal(t, 25, c.Budget(0, 4))
	assert.Equal(t, 40, c.Budget(20, 2))
	assert.Equal(t, 0, c.Budget(150, 1))
	assert.Equal(t, 100, c.Budget(0, 0))

	assert.Equal(t, -1, NewThroughputClock(start, 0).Budget(0, 1))
	var unset *ThroughputClock
	assert.True(t, unset.Unbounded())
}
