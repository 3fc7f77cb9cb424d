package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/thrylos-labs/shardtree/config"
	"github.com/thrylos-labs/shardtree/node"
	"github.com/thrylos-labs/shardtree/utils"
)

var flags struct {
	configPath      string
	envPath         string
	dataDir         string
	httpAddress     string
	logLevel        string
	proposeInterval time.Duration
}

var rootCmd = &cobra.Command{
	Use:   "shardnode",
	Short: "Run a sharded ledger node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log := utils.NewLogger(nil, cfg.LogLevel)

		n, err := node.NewNode(cfg, log)
		if err != nil {
			return fmt.Errorf("failed to start node: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info().
			Str("dataDir", cfg.DataDir).
			Int("finalizedWeight", cfg.FinalizedWeight).
			Dur("proposeInterval", cfg.ProposeInterval).
			Msg("node started")
		return n.Serve(ctx)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "path to a JSON config file")
	rootCmd.Flags().StringVar(&flags.envPath, "env", "", "path to a .env file")
	rootCmd.Flags().StringVar(&flags.dataDir, "data", "", "data directory, empty keeps state in memory")
	rootCmd.Flags().StringVar(&flags.httpAddress, "http", "", "address of the operator API")
	rootCmd.Flags().StringVar(&flags.logLevel, "log-level", "", "log level")
	rootCmd.Flags().DurationVar(&flags.proposeInterval, "propose-interval", 0, "interval of the development proposer, zero disables it")
}

// loadConfig layers defaults, the config file, the environment and the
// flags that were set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if flags.configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(flags.configPath); err != nil {
			return nil, err
		}
	}
	if err := config.LoadEnv(cfg, flags.envPath); err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("data") {
		cfg.DataDir = flags.dataDir
	}
	if cmd.Flags().Changed("http") {
		cfg.HTTPAddress = flags.httpAddress
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if cmd.Flags().Changed("propose-interval") {
		cfg.ProposeInterval = flags.proposeInterval
	}
	return cfg, cfg.Validate()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
