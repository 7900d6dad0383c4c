package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ShayCichocki/ensemble/internal/config"
	"github.com/ShayCichocki/ensemble/internal/logging"
	"github.com/ShayCichocki/ensemble/internal/matcher"
	"github.com/ShayCichocki/ensemble/internal/orchestrator"
	"github.com/ShayCichocki/ensemble/internal/report"
	"github.com/ShayCichocki/ensemble/internal/rundir"
	"github.com/ShayCichocki/ensemble/internal/signals"
	"github.com/ShayCichocki/ensemble/internal/state"
	"github.com/ShayCichocki/ensemble/internal/tui"
	"github.com/ShayCichocki/ensemble/internal/validation"
	"github.com/ShayCichocki/ensemble/pkg/models"
)

// eventBuffer is the coordinator event channel size.
const eventBuffer = 256

var (
	runCatalog     string
	runRunsDir     string
	runArtifactDir string
	runMaxParallel int
	runMaxRetries  int
	runPolicy      string
	runVerify      string
	runTUI         bool
	runDryRun      bool
	runID          string
)

var runCmd = &cobra.Command{
	Use:   "run <tasks.json>",
	Short: "Execute a task graph",
	Long: `Execute every task of a submission on its matched specialist.

Tasks run in parallel as soon as their dependencies are merged. Each output
is validated against the specialist's contract, then merged into the
artifact directory. Run documents (records, validation reports, conflicts,
merge plans, summary.json and report.md) are written under the runs dir.

Exit codes:
  0  every task merged
  1  some tasks failed, conflicted or were blocked, or the run was cancelled
  2  a merge step was aborted and rolled back
  3  the task file or catalog is invalid

Examples:
  ensemble run tasks.json --catalog catalog.yaml
  ensemble run tasks.json --catalog catalog.yaml --tui
  ensemble run tasks.json --catalog catalog.yaml --policy fail_on_conflict --verify "make check"`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runCatalog, "catalog", "", "Capability catalog (YAML or JSON)")
	runCmd.Flags().StringVar(&runRunsDir, "runs-dir", "", "Directory run documents are written under (overrides config)")
	runCmd.Flags().StringVar(&runArtifactDir, "artifact-dir", "", "Final artifact directory (overrides config)")
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "Maximum concurrently running workers (overrides config)")
	runCmd.Flags().IntVar(&runMaxRetries, "max-retries", -1, "Retries for transient failures (overrides config)")
	runCmd.Flags().StringVar(&runPolicy, "policy", "", "Conflict policy: last_writer_wins or fail_on_conflict")
	runCmd.Flags().StringVar(&runVerify, "verify", "", "Command run in each merge step's staging tree before promotion")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show live progress in a terminal UI")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Plan merge steps without writing the artifact directory")
	runCmd.Flags().StringVar(&runID, "run-id", "", "Run id (default: timestamp plus random suffix)")
	_ = runCmd.MarkFlagRequired("catalog")
}

// applyRunFlags overlays explicitly set flags on the loaded configuration.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("runs-dir") {
		cfg.Runs.Dir = runRunsDir
	}
	if flags.Changed("artifact-dir") {
		cfg.Runs.ArtifactDir = runArtifactDir
	}
	if flags.Changed("max-parallel") {
		cfg.Execution.MaxParallelism = runMaxParallel
	}
	if flags.Changed("max-retries") {
		cfg.Execution.MaxRetries = runMaxRetries
	}
	if flags.Changed("policy") {
		cfg.Merge.Policy = runPolicy
	}
	if flags.Changed("verify") {
		cfg.Merge.VerifyCommand = runVerify
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return invalidInput(fmt.Errorf("invalid configuration: %w", err))
	}

	tasksPath, err := filepath.Abs(args[0])
	if err != nil {
		return invalidInput(err)
	}
	specs, err := loadTasks(tasksPath)
	if err != nil {
		return err
	}
	cat, err := loadCatalog(runCatalog)
	if err != nil {
		return err
	}

	id := runID
	if id == "" {
		id = rundir.NewRunID()
	}
	layout, err := rundir.Create(cfg.Runs.Dir, id)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(layout.Dir(), cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logger.Close()
	logger = logger.WithRun(id)

	artifactDir, err := filepath.Abs(cfg.Runs.ArtifactDir)
	if err != nil {
		return fmt.Errorf("resolve artifact dir: %w", err)
	}

	db := openIndex(cfg, logger)
	if db != nil {
		// Closed through a copy; db is cleared if the run cannot be indexed.
		defer db.Close()
	}

	g, err := buildGraph(specs, logger.Debugf)
	if err != nil {
		recordInvalidInput(layout, db, id, tasksPath, err)
		return err
	}

	if db != nil {
		if err := db.CreateRun(&state.Run{
			ID:          id,
			RunDir:      layout.Dir(),
			ArtifactDir: artifactDir,
			TasksFile:   tasksPath,
			PID:         os.Getpid(),
			NodeCount:   g.Len(),
			StartedAt:   time.Now(),
		}); err != nil {
			logger.Warn("index run", "error", err)
			db = nil
		}
	}

	watcher, err := signals.Watch(layout.SignalsDir())
	if err != nil {
		return err
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	emitter := orchestrator.NewEventEmitter(eventBuffer)
	opts := coordinatorOptions(cfg, logger, emitter, watcher.Cancelled())
	if db != nil {
		opts = append(opts, orchestrator.WithRunIndex(db))
	}
	coord, err := orchestrator.New(orchestrator.RequiredConfig{
		Graph:       g,
		Catalog:     cat,
		Layout:      layout,
		ArtifactDir: artifactDir,
	}, opts...)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	useTUI := runTUI && isTerminal(os.Stdout)
	if runTUI && !useTUI {
		fmt.Fprintf(os.Stderr, "%s stdout is not a terminal, showing plain progress\n", warnMark())
	}

	var res *orchestrator.RunResult
	if useTUI {
		cancel := func() {
			if err := layout.RequestCancel("cancelled from the terminal UI"); err != nil {
				logger.Warn("request cancel", "error", err)
			}
		}
		app := tui.New(id, tui.RowsFromGraph(g), cancel)
		err = tui.Run(ctx, app, emitter.Events(), out, func(ctx context.Context) (string, error) {
			var runErr error
			res, runErr = coord.Run(ctx)
			if res == nil {
				return "", runErr
			}
			return report.Terminal(res.ReportInput(), report.DefaultStyles()), runErr
		})
	} else {
		fmt.Fprintf(out, "Run %s: %d task(s), run dir %s\n", id, g.Len(), layout.Dir())
		printed := make(chan struct{})
		go func() {
			defer close(printed)
			printEvents(os.Stderr, emitter.Events())
		}()
		res, err = coord.Run(ctx)
		<-printed
		if res != nil {
			fmt.Fprintln(out)
			fmt.Fprint(out, report.Terminal(res.ReportInput(), terminalStyles(out)))
		}
	}

	if res == nil {
		if db != nil {
			_ = db.FinishRun(id, models.RunCancelled, exitIncomplete, 0, time.Now())
		}
		return err
	}
	if db != nil {
		if ferr := db.FinishRun(id, res.Summary.Status, res.ExitCode, res.Summary.MergeSteps, res.Summary.EndedAt); ferr != nil {
			logger.Warn("index run result", "error", ferr)
		}
	}
	if err != nil {
		// Documents failed to write; the outcome itself is still reported.
		fmt.Fprintf(os.Stderr, "%s %v\n", warnMark(), err)
	}
	return withCode(res.ExitCode, nil)
}

// coordinatorOptions turns configuration into coordinator options.
func coordinatorOptions(cfg *config.Config, logger *logging.Logger, emitter *orchestrator.EventEmitter, cancel <-chan struct{}) []orchestrator.Option {
	ex := cfg.Execution
	opts := []orchestrator.Option{
		orchestrator.WithMaxParallelism(ex.MaxParallelism),
		orchestrator.WithRetry(ex.MaxRetries, ex.TransientExitCodes...),
		orchestrator.WithTimeouts(ex.DefaultTimeout, ex.Timeouts),
		orchestrator.WithConflictPolicy(models.ConflictPolicy(cfg.Merge.Policy)),
		orchestrator.WithExclude(cfg.Merge.Exclude...),
		orchestrator.WithDryRun(runDryRun),
		orchestrator.WithMaxConcurrentValidations(cfg.Validation.MaxConcurrent),
		orchestrator.WithMatcher(matcher.New(
			matcher.WithMinConfidence(cfg.Matcher.MinConfidence),
			matcher.WithAlternativeBelow(cfg.Matcher.AlternativeBelow),
		)),
		orchestrator.WithValidator(validation.New(
			validation.WithCriterionTimeout(cfg.Validation.CriterionTimeout),
			validation.WithLogger(logger),
		)),
		orchestrator.WithLogger(logger),
		orchestrator.WithEventEmitter(emitter),
		orchestrator.WithCancelSignal(cancel),
	}
	if cfg.Merge.VerifyCommand != "" {
		opts = append(opts, orchestrator.WithVerify(cfg.Merge.VerifyCommand, cfg.Merge.VerifyTimeout))
	}
	return opts
}

// openIndex opens the run index. The run proceeds without it on failure.
func openIndex(cfg *config.Config, logger *logging.Logger) *state.DB {
	db, err := state.OpenAndMigrate(cfg.Runs.StateDBPath())
	if err != nil {
		logger.Warn("open run index", "error", err)
		fmt.Fprintf(os.Stderr, "%s run index unavailable: %v\n", warnMark(), err)
		return nil
	}
	recovered, err := db.RecoverStaleRuns()
	if err != nil {
		logger.Warn("recover stale runs", "error", err)
	}
	for _, id := range recovered {
		logger.Info("marked stale run cancelled", "stale_run", id)
	}
	return db
}

// recordInvalidInput leaves a summary behind for a run whose graph could
// not be built.
func recordInvalidInput(layout *rundir.Layout, db *state.DB, id, tasksPath string, cause error) {
	now := time.Now()
	summary := models.RunSummary{
		RunID:     id,
		StartedAt: now,
		EndedAt:   now,
		Status:    models.RunInvalidInput,
		ExitCode:  models.RunInvalidInput.ExitCode(),
		Warnings:  []string{cause.Error()},
	}
	_ = layout.WriteSummary(summary)
	if db == nil {
		return
	}
	code := summary.ExitCode
	_ = db.CreateRun(&state.Run{
		ID:        id,
		Status:    models.RunInvalidInput,
		RunDir:    layout.Dir(),
		TasksFile: tasksPath,
		PID:       os.Getpid(),
		ExitCode:  &code,
		StartedAt: now,
		EndedAt:   &now,
	})
}

// printEvents writes one line per notable coordinator event until events
// is closed.
func printEvents(w io.Writer, events <-chan orchestrator.Event) {
	for ev := range events {
		if line := eventLine(ev); line != "" {
			fmt.Fprintln(w, line)
		}
	}
}

func eventLine(ev orchestrator.Event) string {
	switch ev.Type {
	case orchestrator.EventTaskStatus:
		switch ev.To {
		case models.TaskStatusRunning:
			return fmt.Sprintf("  %s %s attempt %d on %s", color.CyanString("→"), ev.TaskID, ev.Attempt, ev.Specialist)
		case models.TaskStatusMerged:
			return fmt.Sprintf("  %s %s merged (%d/%d)", okMark(), ev.TaskID, ev.Done, ev.Total)
		case models.TaskStatusFailed, models.TaskStatusConflicted:
			return fmt.Sprintf("  %s %s %s: %s", failMark(), ev.TaskID, ev.To, failureText(ev.Failure))
		case models.TaskStatusBlocked:
			return fmt.Sprintf("  %s %s blocked: %s", warnMark(), ev.TaskID, failureText(ev.Failure))
		case models.TaskStatusReady:
			if ev.From == models.TaskStatusRunning {
				return fmt.Sprintf("  %s %s retrying after attempt %d", warnMark(), ev.TaskID, ev.Attempt)
			}
		}
	case orchestrator.EventMergeStarted:
		return fmt.Sprintf("merge step %d: %s", ev.Step, ev.Message)
	case orchestrator.EventMergeRolledBack:
		return fmt.Sprintf("%s merge step %d rolled back: %s", failMark(), ev.Step, ev.Message)
	case orchestrator.EventRunCancelled:
		return fmt.Sprintf("%s run cancelled: %s", warnMark(), ev.Message)
	}
	return ""
}

func failureText(f *models.FailureReason) string {
	if f == nil {
		return "unknown"
	}
	return f.String()
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// terminalStyles colors output only when it goes to a terminal.
func terminalStyles(w io.Writer) report.Styles {
	if f, ok := w.(*os.File); ok && isTerminal(f) {
		return report.DefaultStyles()
	}
	return report.PlainStyles()
}
