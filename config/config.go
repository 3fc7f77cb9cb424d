package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	MaxBlockSize                   int     `json:"maxBlockSize"`
	MaxThresholdThroughput         float64 `json:"maxThresholdThroughput"` // ops/sec, 0 means unbounded
	BlockSampleSize                int     `json:"blockSampleSize"`
	OverloadThreshold              float64 `json:"overloadThreshold"`
	UnderloadedThreshold           float64 `json:"underloadedThreshold"`
	FinalizedWeight                int     `json:"finalizedWeight"`
	UseRandomTransactionAllocation bool    `json:"useRandomTransactionAllocation"`
	RandomSeed                     int64   `json:"randomSeed"`

	CommitRetries      uint64        `json:"commitRetries"`
	CommitBackoff      time.Duration `json:"commitBackoff"`
	FrontierCacheSize  int           `json:"frontierCacheSize"`
	DeliveredCacheSize int           `json:"deliveredCacheSize"`
	EvaluateInterval   time.Duration `json:"evaluateInterval"`
	EvaluatorLanes     int           `json:"evaluatorLanes"`

	// ProposeInterval drives the development proposer; zero disables it.
	ProposeInterval time.Duration `json:"proposeInterval"`

	DataDir     string `json:"dataDir"`
	HTTPAddress string `json:"httpAddress"`
	LogLevel    string `json:"logLevel"`

	// StartTime is the origin of the throughput clock. Nodes of a cluster
	// should share it; it defaults to process start.
	StartTime time.Time `json:"startTime"`
}

// DefaultConfig returns the recognized options with their default values.
func DefaultConfig() *Config {
	return &Config{
		MaxBlockSize:         DefaultMaxBlockSize,
		BlockSampleSize:      DefaultBlockSampleSize,
		OverloadThreshold:    DefaultOverloadThreshold,
		UnderloadedThreshold: DefaultUnderloadedThreshold,
		FinalizedWeight:      DefaultFinalizedWeight,
		CommitRetries:        DefaultCommitRetries,
		CommitBackoff:        DefaultCommitBackoff,
		FrontierCacheSize:    DefaultFrontierCacheSize,
		DeliveredCacheSize:   DefaultDeliveredCacheSize,
		EvaluateInterval:     DefaultEvaluateInterval,
		EvaluatorLanes:       DefaultEvaluatorLanes,
		DataDir:              "./data",
		HTTPAddress:          "127.0.0.1:8645",
		LogLevel:             "info",
		StartTime:            time.Now(),
	}
}

// LoadConfig reads a JSON file on top of the defaults.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	configFile, err := os.Open(configPath)
	if err != nil {
		return nil, err
	}
	defer configFile.Close()

	if err := json.NewDecoder(configFile).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", configPath, err)
	}
	return cfg, cfg.Validate()
}

// LoadEnv applies the variables of an env file (if given) and the process
// environment on top of cfg.
func LoadEnv(cfg *Config, envPath string) error {
	env := map[string]string{}
	if envPath != "" {
		var err error
		env, err = godotenv.Read(envPath)
		if err != nil {
			return fmt.Errorf("error reading environment file at %s: %w", envPath, err)
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := env[key]
		return v, ok
	}

	var err error
	setInt := func(key string, dst *int) {
		if v, ok := lookup(key); ok && err == nil {
			*dst, err = strconv.Atoi(v)
		}
	}
	setFloat := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && err == nil {
			*dst, err = strconv.ParseFloat(v, 64)
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && err == nil {
			*dst, err = strconv.ParseBool(v)
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && err == nil {
			*dst, err = time.ParseDuration(v)
		}
	}
	setString := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	setInt("MAX_BLOCK_SIZE", &cfg.MaxBlockSize)
	setFloat("MAX_THRESHOLD_THROUGHPUT", &cfg.MaxThresholdThroughput)
	setInt("BLOCK_SAMPLE_SIZE", &cfg.BlockSampleSize)
	setFloat("OVERLOAD_THRESHOLD", &cfg.OverloadThreshold)
	setFloat("UNDERLOADED_THRESHOLD", &cfg.UnderloadedThreshold)
	setInt("FINALIZED_WEIGHT", &cfg.FinalizedWeight)
	setBool("USE_RANDOM_TRANSACTION_ALLOCATION", &cfg.UseRandomTransactionAllocation)
	setDuration("EVALUATE_INTERVAL", &cfg.EvaluateInterval)
	setDuration("PROPOSE_INTERVAL", &cfg.ProposeInterval)
	setString("DATA_DIR", &cfg.DataDir)
	setString("HTTP_ADDRESS", &cfg.HTTPAddress)
	setString("LOG_LEVEL", &cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid environment value: %w", err)
	}
	return cfg.Validate()
}

// Validate checks option ranges.
func (c *Config) Validate() error {
	switch {
	case c.MaxBlockSize <= BlockSafetyOffset:
		return fmt.Errorf("maxBlockSize must exceed the safety offset %d, got %d", BlockSafetyOffset, c.MaxBlockSize)
	case c.MaxThresholdThroughput < 0:
		return fmt.Errorf("maxThresholdThroughput must not be negative")
	case c.BlockSampleSize < 1:
		return fmt.Errorf("blockSampleSize must be positive")
	case c.OverloadThreshold <= 0 || c.OverloadThreshold > 1:
		return fmt.Errorf("overloadThreshold must be in (0,1], got %v", c.OverloadThreshold)
	case c.UnderloadedThreshold < 0 || c.UnderloadedThreshold >= c.OverloadThreshold:
		return fmt.Errorf("underloadedThreshold must be in [0,overloadThreshold), got %v", c.UnderloadedThreshold)
	case c.FinalizedWeight < 1:
		return fmt.Errorf("finalizedWeight must be positive")
	case c.FrontierCacheSize < 1 || c.DeliveredCacheSize < 1:
		return fmt.Errorf("cache sizes must be positive")
	case c.CommitBackoff <= 0:
		return fmt.Errorf("commitBackoff must be positive")
	case c.EvaluatorLanes < 1:
		return fmt.Errorf("evaluatorLanes must be positive")
	case c.EvaluateInterval <= 0 || c.ProposeInterval < 0:
		return fmt.Errorf("evaluateInterval must be positive and proposeInterval not negative")
	}
	return nil
}

// SpaceBudget is the space available for content in one block.
func (c *Config) SpaceBudget() int {
	return c.MaxBlockSize - BlockSafetyOffset
}

// CandidateDepth is the weight past the spawn point at which blocks become
// candidate roots.
func (c *Config) CandidateDepth() uint64 {
	return uint64(c.FinalizedWeight + CandidateDepthOffset)
}
