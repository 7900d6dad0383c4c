package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/ensemble/internal/config"
	"github.com/ShayCichocki/ensemble/internal/logging"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "ensemble",
	Short: "Multi-agent task orchestration engine",
	Long: `Ensemble runs a submitted graph of tasks on specialist workers.

Each task is matched to a specialist from a capability catalog, executed as
an isolated process, validated against the specialist's output contract and
merged into a final artifact tree in dependency order.

Typical use:
  ensemble plan tasks.json --catalog catalog.yaml
  ensemble run tasks.json --catalog catalog.yaml --tui
  ensemble status
  ensemble show <run_id>`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	code := exitCode(err)
	if msg := errorMessage(err); msg != "" {
		fmt.Fprintf(os.Stderr, "%s %s\n", failMark(), msg)
	}
	return code
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: user and project config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: DEBUG, INFO, WARN or ERROR")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the configuration named by --config, or the user and
// project config files, and applies --log-level.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logging.ParseLevel(logLevel)
	}
	return cfg, nil
}
