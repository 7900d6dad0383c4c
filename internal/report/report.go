// Package report renders the outcome of a run: report.md for the run
// directory and a compact styled summary for the terminal.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ShayCichocki/ensemble/internal/conflict"
	"github.com/ShayCichocki/ensemble/internal/graph"
	"github.com/ShayCichocki/ensemble/pkg/models"
)

// Input is everything a report is rendered from.
type Input struct {
	Summary     models.RunSummary
	Graph       graph.Snapshot
	Records     []models.ExecutionRecord
	Reports     []models.ValidationReport
	Conflicts   []models.ConflictRecord
	Plans       []*models.MergePlan
	Merges      []*models.MergeResult
	Rollback    *models.RollbackReport
	ArtifactDir string
	DryRun      bool
}

// statusOrder is the order statuses are listed in counts.
var statusOrder = []models.TaskStatus{
	models.TaskStatusMerged,
	models.TaskStatusValidated,
	models.TaskStatusConflicted,
	models.TaskStatusFailed,
	models.TaskStatusBlocked,
	models.TaskStatusRunning,
	models.TaskStatusValidating,
	models.TaskStatusReady,
	models.TaskStatusPending,
}

// Markdown renders report.md.
func Markdown(in Input) string {
	var b strings.Builder
	s := in.Summary

	fmt.Fprintf(&b, "# Run %s\n\n", s.RunID)
	fmt.Fprintf(&b, "- **Status:** %s (exit %d)\n", s.Status, s.ExitCode)
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(&b, "- **Started:** %s\n", s.StartedAt.UTC().Format(time.RFC3339))
	}
	if !s.EndedAt.IsZero() && !s.StartedAt.IsZero() {
		fmt.Fprintf(&b, "- **Duration:** %s\n", s.EndedAt.Sub(s.StartedAt).Round(time.Millisecond))
	}
	if in.ArtifactDir != "" {
		fmt.Fprintf(&b, "- **Artifacts:** `%s`\n", in.ArtifactDir)
	}
	if in.DryRun {
		b.WriteString("- **Dry run:** the final tree was not written\n")
	}
	fmt.Fprintf(&b, "- **Attempts:** %d, **merge steps:** %d\n", s.Attempts, s.MergeSteps)
	fmt.Fprintf(&b, "- **Tasks:** %s\n\n", CountsLine(s.Counts))

	writeGraph(&b, in.Graph)
	writeTasks(&b, in)
	writeBlocked(&b, s.Blocked)
	writeMerges(&b, in)
	if len(in.Conflicts) > 0 {
		b.WriteString(conflict.RenderMarkdown(in.Conflicts))
		b.WriteString("\n")
	}
	if len(s.Warnings) > 0 {
		b.WriteString("## Warnings\n\n")
		for _, w := range s.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// CountsLine renders status counts as "3 merged, 1 failed".
func CountsLine(counts map[models.TaskStatus]int) string {
	var parts []string
	for _, st := range statusOrder {
		if n := counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, st))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}

func writeGraph(b *strings.Builder, g graph.Snapshot) {
	if len(g.Nodes) == 0 {
		return
	}
	b.WriteString("## Graph\n\n")
	for i, level := range g.Levels {
		fmt.Fprintf(b, "- Level %d: %s\n", i, strings.Join(level, ", "))
	}
	if len(g.CriticalPath.Tasks) > 0 {
		fmt.Fprintf(b, "- Critical path: %s (cost %g)\n", strings.Join(g.CriticalPath.Tasks, " -> "), g.CriticalPath.Cost)
	}
	fmt.Fprintf(b, "- Sequential cost %g, parallel cost %g, speedup %.2fx\n\n",
		g.SequentialDuration, g.ParallelDuration, g.Speedup)
}

func writeTasks(b *strings.Builder, in Input) {
	if len(in.Graph.Nodes) == 0 {
		return
	}
	latestReport := make(map[string]models.ValidationReport)
	for _, r := range in.Reports {
		latestReport[r.TaskID] = r
	}
	var wall = make(map[string]time.Duration)
	for _, r := range in.Records {
		wall[r.TaskID] += r.Duration()
	}

	b.WriteString("## Tasks\n\n")
	b.WriteString("| Task | Specialist | Status | Attempts | Time | Validation | Detail |\n")
	b.WriteString("|---|---|---|---|---|---|---|\n")
	for _, n := range in.Graph.Nodes {
		specialist := n.Specialist()
		if specialist == "" {
			specialist = "-"
		}
		validation := "-"
		if r, ok := latestReport[n.ID]; ok {
			validation = string(r.Status)
		}
		detail := ""
		if n.Failure != nil {
			detail = n.Failure.String()
			if n.Failure.Message != "" {
				detail += ": " + n.Failure.Message
			}
		}
		fmt.Fprintf(b, "| %s | %s | %s | %d | %s | %s | %s |\n",
			n.ID, specialist, n.Status, n.Attempts, wall[n.ID].Round(time.Millisecond),
			validation, escapeCell(detail))
	}
	b.WriteString("\n")
}

func writeBlocked(b *strings.Builder, blocked []models.BlockedSubtree) {
	if len(blocked) == 0 {
		return
	}
	b.WriteString("## Blocked\n\n")
	for _, bs := range blocked {
		deps := append([]string(nil), bs.Dependents...)
		sort.Strings(deps)
		fmt.Fprintf(b, "- `%s` failed (%s); blocked %s\n", bs.Root, bs.Reason, strings.Join(deps, ", "))
	}
	b.WriteString("\n")
}

func writeMerges(b *strings.Builder, in Input) {
	if len(in.Plans) == 0 {
		return
	}
	results := make(map[int]*models.MergeResult, len(in.Merges))
	for _, r := range in.Merges {
		results[r.PlanStep] = r
	}

	b.WriteString("## Merge steps\n\n")
	for _, p := range in.Plans {
		applied := p.TaskIDs()
		line := fmt.Sprintf("- Step %d: %d task(s)", p.Step, len(applied))
		if r, ok := results[p.Step]; ok {
			line += fmt.Sprintf(", %s file(s)", humanize.Comma(int64(r.FilesWritten)))
			if r.Verification != nil {
				line += fmt.Sprintf(", verified by `%s`", r.Verification.Command)
			}
		}
		if len(p.Conflicted) > 0 {
			line += fmt.Sprintf(", conflicted: %s", strings.Join(p.Conflicted, ", "))
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\n")

	if rb := in.Rollback; rb != nil {
		b.WriteString("## Rollback\n\n")
		fmt.Fprintf(b, "Merge step %d was rolled back; the final tree is unchanged.\n\n", rb.PlanStep)
		fmt.Fprintf(b, "- Error: %s\n", rb.Error)
		if rb.FailedStep != "" {
			fmt.Fprintf(b, "- Failed at: %s\n", rb.FailedStep)
		}
		if len(rb.StagedNotPromoted) > 0 {
			fmt.Fprintf(b, "- Staged but not promoted: %s\n", strings.Join(rb.StagedNotPromoted, ", "))
		}
		if v := rb.Verification; v != nil {
			fmt.Fprintf(b, "- Verification `%s` exited %d\n", v.Command, v.ExitCode)
		}
		b.WriteString("\n")
	}
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}
