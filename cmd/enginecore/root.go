package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pharmscan/enginecore/internal/enginecore/config"
	"github.com/pharmscan/enginecore/internal/enginecore/logger"
	"github.com/pharmscan/enginecore/internal/enginecore/orchestrator"
)

// locker is shared by every subcommand so the "at most one instance
// per key" rule holds across concurrent in-process job triggers (e.g.
// this binary embedded as a library inside a long-running scheduler).
// A fresh Locker per command invocation would never observe another
// invocation's lock; a one-shot CLI run is still only ever racing
// other OS processes, which this in-memory lock can't see — that
// scope is a store-level concern, not this package's.
var locker = orchestrator.New()

var (
	cfgFile string
	Version = "v0.1"
	build   = "dev"
	rootCmd = &cobra.Command{
		Use:   "enginecore",
		Short: "enginecore - pharmacy claims opportunity-scanning engine",
		Long:  "enginecore: ingest dispensing claims, evaluate triggers, scan coverage, and keep a tamper-evident audit trail of every opportunity status change.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				viper.SetConfigFile(cfgFile)
			} else {
				viper.SetConfigFile("config.yaml")
			}
			if err := viper.ReadInConfig(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not read config (%v). Using defaults and flags.\n", err)
			}
			if err := config.Load(viper.GetViper()); err != nil {
				return err
			}

			cfg := config.Get()
			if err := logger.Init(logger.Config{
				Level:        cfg.Logging.Level,
				ConsoleLevel: cfg.Logging.ConsoleLevel,
				DebugFile:    cfg.Logging.DebugFile,
				RunLogFile:   cfg.Logging.RunLogFile,
				Development:  cfg.Logging.Development,
			}); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			return nil
		},
	}
)

func init() {
	cobra.OnInitialize()
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(scanCoverageCmd)
	rootCmd.AddCommand(versionCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
