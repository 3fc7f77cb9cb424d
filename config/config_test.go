package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultMaxBlockSize-BlockSafetyOffset, cfg.SpaceBudget())
	assert.Equal(t, uint64(DefaultFinalizedWeight+CandidateDepthOffset), cfg.CandidateDepth())
}

func TestSmallBlockSizeIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBlockSize = 1000
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1000-BlockSafetyOffset, cfg.SpaceBudget())
	assert.Greater(t, cfg.SpaceBudget(), 950)
}

func TestValidateRejectsBadRanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"block size below offset", func(c *Config) { c.MaxBlockSize = BlockSafetyOffset }},
		{"negative throughput", func(c *Config) { c.MaxThresholdThroughput = -1 }},
		{"empty window", func(c *Config) { c.BlockSampleSize = 0 }},
		{"overload above one", func(c *Config) { c.OverloadThreshold = 1.5 }},
		{"underload above overload", func(c *Config) { c.UnderloadedThreshold = c.OverloadThreshold }},
		{"zero finalized weight", func(c *Config) { c.FinalizedWeight = 0 }},
		{"zero cache", func(c *Config) { c.FrontierCacheSize = 0 }},
		{"no lanes", func(c *Config) { c.EvaluatorLanes = 0 }},
		{"zero commit backoff", func(c *Config) { c.CommitBackoff = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"maxBlockSize": 5000, "finalizedWeight": 3}`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.MaxBlockSize)
	assert.Equal(t, 3, cfg.FinalizedWeight)
	assert.Equal(t, DefaultBlockSampleSize, cfg.BlockSampleSize)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("MAX_BLOCK_SIZE=8000\nBLOCK_SAMPLE_SIZE=9\nLOG_LEVEL=debug\n"), 0o600))
	t.Setenv("BLOCK_SAMPLE_SIZE", "11")
	t.Setenv("USE_RANDOM_TRANSACTION_ALLOCATION", "true")

	cfg := DefaultConfig()
	require.NoError(t, LoadEnv(cfg, path))
	assert.Equal(t, 8000, cfg.MaxBlockSize)
	assert.Equal(t, 11, cfg.BlockSampleSize, "process environment wins over the file")
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.UseRandomTransactionAllocation)

	t.Setenv("FINALIZED_WEIGHT", "many")
	assert.Error(t, LoadEnv(DefaultConfig(), ""))
}
