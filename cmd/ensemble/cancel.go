package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <run_id>",
	Short: "Ask a running run to stop",
	Long: `Write the cancel signal file of a run. The run kills its workers, rolls
back any in-flight merge step and marks unfinished tasks cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	layout, run, db, err := locateRun(cfg, args[0])
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}
	if run != nil && finished(run.Status) {
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s already finished (%s)\n", run.ID, run.Status)
		return nil
	}
	if err := layout.RequestCancel("requested by ensemble cancel"); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s cancel requested for run %s\n", okMark(), layout.RunID())
	return nil
}
