package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/ensemble/internal/config"
	"github.com/ShayCichocki/ensemble/internal/report"
	"github.com/ShayCichocki/ensemble/internal/rundir"
	"github.com/ShayCichocki/ensemble/internal/state"
	"github.com/ShayCichocki/ensemble/pkg/models"
)

var (
	statusLimit int
	statusPurge time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List recent runs",
	Long: `List recent runs from the run index with their status, task count,
merge steps and exit code. Runs whose process died are marked cancelled.

--purge removes index entries of finished runs older than the given age.
Run directories are kept.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var showCmd = &cobra.Command{
	Use:   "show <run_id>",
	Short: "Show the report of a run",
	Long: `Print the report of a finished run. For a run still in progress, print
the latest state of each task from the run index.`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "Number of runs to list (0 for all)")
	statusCmd.Flags().DurationVar(&statusPurge, "purge", 0, "Forget finished runs older than this age, e.g. 720h")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	dbPath := cfg.Runs.StateDBPath()
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintln(out, "No runs yet. Run 'ensemble run <tasks.json> --catalog <catalog>' to start.")
		return nil
	}
	db, err := state.OpenAndMigrate(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.RecoverStaleRuns(); err != nil {
		return err
	}
	if statusPurge > 0 {
		n, err := db.PurgeOldRuns(statusPurge)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s purged %d run(s) older than %s\n\n", okMark(), n, statusPurge)
	}
	runs, err := db.ListRuns(statusLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs yet.")
		return nil
	}
	writeRuns(out, runs)
	return nil
}

func writeRuns(w io.Writer, runs []state.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tTASKS\tSTEPS\tEXIT\tSTARTED")
	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", r.ID, r.Status, r.NodeCount, r.MergeSteps, exit, report.Ago(r.StartedAt))
	}
	tw.Flush()
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	layout, run, db, err := locateRun(cfg, args[0])
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	if md, err := layout.ReadReport(); err == nil {
		fmt.Fprint(out, md)
		return nil
	}
	if run == nil || db == nil {
		return fmt.Errorf("run %s has no report yet and is not indexed", layout.RunID())
	}

	fmt.Fprintf(out, "Run %s: %s, started %s\n\n", run.ID, run.Status, report.Ago(run.StartedAt))
	nodes, err := db.ListNodes(run.ID)
	if err != nil {
		return err
	}
	writeNodes(out, nodes)
	return nil
}

func writeNodes(w io.Writer, nodes []state.Node) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSPECIALIST\tSTATUS\tATTEMPTS\tFAILURE")
	for _, n := range nodes {
		specialist := n.Specialist
		if specialist == "" {
			specialist = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", n.TaskID, specialist, n.Status, n.Attempts, n.Failure)
	}
	tw.Flush()
}

// locateRun finds a run's directory, preferring the location recorded in
// the run index over the configured runs dir. The returned DB, when
// non-nil, must be closed by the caller.
func locateRun(cfg *config.Config, id string) (*rundir.Layout, *state.Run, *state.DB, error) {
	var (
		run *state.Run
		db  *state.DB
	)
	if _, err := os.Stat(cfg.Runs.StateDBPath()); err == nil {
		db, err = state.OpenAndMigrate(cfg.Runs.StateDBPath())
		if err != nil {
			return nil, nil, nil, err
		}
		if run, err = db.GetRun(id); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
	}

	runsDir := cfg.Runs.Dir
	if run != nil && run.RunDir != "" {
		runsDir = filepath.Dir(run.RunDir)
	}
	layout, err := rundir.Open(runsDir, id)
	if err != nil {
		if db != nil {
			db.Close()
		}
		if errors.Is(err, rundir.ErrRunNotFound) {
			return nil, nil, nil, invalidInput(err)
		}
		return nil, nil, nil, err
	}
	return layout, run, db, nil
}

// finished reports whether a run status is final.
func finished(s models.RunStatus) bool {
	return s != "" && s != models.RunRunning
}
