package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/atlas/internal/config"
)

var (
	cfgPath string
	verbose bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "atlas",
	Short: "Atlas - a homeostatic heartbeat agent",
	Long: `Atlas wakes on a fixed heartbeat, decides what to do from its drives
and memories, acts through tools, and consolidates what it lived through
into facts when fatigue sends it to sleep.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		if cfgPath == "" {
			cfgPath = os.Getenv("CONFIG_PATH")
		}
		if cfgPath == "" {
			cfgPath = "atlas.json"
		}
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		logger, err = newLogger(cfg.Server, verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger.Debug("config loaded", zap.String("path", cfgPath))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func newLogger(s config.ServerConfig, verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if s.Dev {
		zc = zap.NewDevelopmentConfig()
	}
	if s.LogLevel != "" {
		lvl, err := zap.ParseAtomicLevel(s.LogLevel)
		if err != nil {
			return nil, err
		}
		zc.Level = lvl
	}
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zc.Build()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Config file (default: $CONFIG_PATH or atlas.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	runCmd.Flags().Int64Var(&runCycles, "cycles", 0, "Stop after this many heartbeats (0: run until interrupted)")
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "Override the heartbeat interval")
	runCmd.Flags().BoolVar(&runNoAPI, "no-api", false, "Do not serve the HTTP API")

	inspectCmd.Flags().BoolVarP(&inspectFollow, "follow", "f", false, "Stream live events from Redis")
	inspectCmd.Flags().Int64VarP(&inspectEvents, "events", "n", 20, "Recent events to print before following")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(inspectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
