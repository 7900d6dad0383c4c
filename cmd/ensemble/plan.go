package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/ensemble/internal/graph"
	"github.com/ShayCichocki/ensemble/internal/matcher"
)

var planCatalog string

var planCmd = &cobra.Command{
	Use:   "plan <tasks.json>",
	Short: "Show the execution plan without running anything",
	Long: `Build the task graph and match every task to a specialist.

Prints the execution levels, the critical path, the estimated speedup over
sequential execution and the specialist chosen for each task.

Exits 3 when the graph is invalid and 1 when a task has no matching
specialist.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVar(&planCatalog, "catalog", "", "Capability catalog (YAML or JSON)")
	_ = planCmd.MarkFlagRequired("catalog")
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	specs, err := loadTasks(args[0])
	if err != nil {
		return err
	}
	cat, err := loadCatalog(planCatalog)
	if err != nil {
		return err
	}
	g, err := buildGraph(specs, nil)
	if err != nil {
		return err
	}

	m := matcher.New(
		matcher.WithMinConfidence(cfg.Matcher.MinConfidence),
		matcher.WithAlternativeBelow(cfg.Matcher.AlternativeBelow),
	)
	assignments := m.MatchAll(g.Nodes(), cat)
	unmatched := writePlan(cmd.OutOrStdout(), g.Snapshot(), assignments)
	if unmatched > 0 {
		return withCode(exitIncomplete, fmt.Errorf("%d task(s) have no matching specialist", unmatched))
	}
	return nil
}

// writePlan prints the graph analysis and match table, returning the number
// of unmatched tasks.
func writePlan(w io.Writer, snap graph.Snapshot, assignments []matcher.Assignment) int {
	fmt.Fprintf(w, "Tasks: %d in %d level(s)\n\n", len(snap.Nodes), len(snap.Levels))
	for i, ids := range snap.Levels {
		fmt.Fprintf(w, "Level %d: %s\n", i, strings.Join(ids, ", "))
	}
	if len(snap.CriticalPath.Tasks) > 0 {
		fmt.Fprintf(w, "\nCritical path: %s (cost %g)\n", strings.Join(snap.CriticalPath.Tasks, " -> "), snap.CriticalPath.Cost)
	}
	fmt.Fprintf(w, "Sequential cost: %g, parallel cost: %g, speedup: %.2fx\n\n",
		snap.SequentialDuration, snap.ParallelDuration, snap.Speedup)

	unmatched := 0
	fmt.Fprintln(w, "Matches:")
	for _, a := range assignments {
		if a.Err != nil {
			unmatched++
			fmt.Fprintf(w, "  %s %-24s %v\n", failMark(), a.TaskID, a.Err)
			continue
		}
		fmt.Fprintf(w, "  %s %-24s %-16s %.2f  %s\n", okMark(), a.TaskID, a.Result.SpecialistType,
			a.Result.Confidence, a.Result.Rationale)
		if alt := a.Result.Alternative; alt != nil {
			fmt.Fprintf(w, "    alternative: %s (%.2f)\n", alt.SpecialistType, alt.Confidence)
		}
	}
	return unmatched
}

