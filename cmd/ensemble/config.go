package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/ensemble/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Print the configuration after defaults, the user config file, the
project override and ENSEMBLE_* environment variables are applied.

User config:    ~/.config/ensemble/config.yaml
Project config: .ensemble.yaml (searched upward from the working directory)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "# user config: %s\n", config.GetUserConfigPath())
		if p := config.GetProjectConfigPath(); p != "" {
			fmt.Fprintf(out, "# project config: %s\n", p)
		}
		for _, line := range cfg.Lines() {
			fmt.Fprintln(out, line)
		}
		return nil
	},
}
