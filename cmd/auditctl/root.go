package main

import (
	"fmt"
	"os"

	"github.com/GoPolymarket/polyaudit/internal/config"
	"github.com/GoPolymarket/polyaudit/internal/pkg/logger"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "auditctl",
	Short: "Operate the polyaudit request log",
	Long: `auditctl manages the HTTP audit log written by polyaudit.

Subcommands:
  cleanup - delete records past the retention window
  worker  - run stream consumers outside the web process`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: ./config.yaml if present)")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.InitWithFormat(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}
