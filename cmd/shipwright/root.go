package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/shipwright/internal/config"
	"github.com/fyrsmithlabs/shipwright/internal/logging"
)

var (
	configPath  string
	metricsAddr string
	logLevel    string

	version = "dev"
)

// errRunBlocked signals a clean run that ended blocked; main maps it to
// exit code 2 after deferred cleanup has run.
var errRunBlocked = errors.New("run blocked")

var rootCmd = &cobra.Command{
	Use:   "shipwright",
	Short: "Pipeline that takes an idea from discovery to a shipped change",
	Long: `shipwright drives an idea through a fixed phase pipeline (discovery,
definition, architecture, planning, build, verification, ship), dispatching
role-bound workers and recording every artifact in a file-backed store.

A run ends in exactly one of two terminal reports: a ship summary after the
isolated workspace is merged, or a blocked summary with the preserved
workspace location and recommended next steps.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: search standard locations)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override configured log level")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resumeCmd)
}

// loadConfig loads configuration and applies CLI overrides.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		// Default location: make sure ~/.config/shipwright exists so a
		// first run has somewhere to drop a config.
		if err := config.EnsureConfigDir(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if metricsAddr != "" {
		cfg.Run.MetricsAddr = metricsAddr
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	return logger, nil
}

// runDir is where one run keeps its artifacts, clones, and state.
func runDir(cfg *config.Config, runID string) string {
	return filepath.Join(cfg.Run.RunsDir, runID)
}
