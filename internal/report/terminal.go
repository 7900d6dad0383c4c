package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/ShayCichocki/ensemble/pkg/models"
)

// Styles holds the lipgloss styles of the terminal summary.
type Styles struct {
	Header  lipgloss.Style
	Label   lipgloss.Style
	Value   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
}

// DefaultStyles returns the colour scheme used by the CLI and the TUI.
func DefaultStyles() Styles {
	return Styles{
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("238")),
		Label: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(12),
		Value:   lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Bold(true),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// PlainStyles renders without colour or borders, for pipes and tests.
func PlainStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{
		Header: plain, Label: plain.Width(12), Value: plain,
		Success: plain, Warning: plain, Error: plain, Muted: plain,
	}
}

// StatusStyle picks the style for a task status.
func (s Styles) StatusStyle(st models.TaskStatus) lipgloss.Style {
	switch st {
	case models.TaskStatusMerged, models.TaskStatusValidated:
		return s.Success
	case models.TaskStatusFailed:
		return s.Error
	case models.TaskStatusBlocked, models.TaskStatusConflicted:
		return s.Warning
	case models.TaskStatusPending:
		return s.Muted
	default:
		return s.Value
	}
}

// RunStyle picks the style for a run status.
func (s Styles) RunStyle(st models.RunStatus) lipgloss.Style {
	switch st {
	case models.RunSucceeded:
		return s.Success
	case models.RunPartial, models.RunCancelled:
		return s.Warning
	case models.RunRunning:
		return s.Value
	default:
		return s.Error
	}
}

// Terminal renders the end-of-run summary printed by `ensemble run`.
func Terminal(in Input, st Styles) string {
	s := in.Summary
	var b strings.Builder

	b.WriteString(st.Header.Render("Run "+s.RunID) + "\n")
	row := func(label, value string) {
		b.WriteString(st.Label.Render(label) + " " + value + "\n")
	}
	row("Status", st.RunStyle(s.Status).Render(fmt.Sprintf("%s (exit %d)", s.Status, s.ExitCode)))
	if !s.StartedAt.IsZero() && !s.EndedAt.IsZero() {
		row("Duration", st.Value.Render(s.EndedAt.Sub(s.StartedAt).Round(time.Millisecond).String()))
	}
	row("Tasks", st.Value.Render(CountsLine(s.Counts)))
	row("Attempts", st.Value.Render(humanize.Comma(int64(s.Attempts))))

	files := 0
	for _, m := range in.Merges {
		files += m.FilesWritten
	}
	merged := fmt.Sprintf("%d step(s), %s file(s)", s.MergeSteps, humanize.Comma(int64(files)))
	if in.DryRun {
		merged += " (dry run)"
	}
	row("Merged", st.Value.Render(merged))
	if in.Graph.Speedup > 0 {
		row("Speedup", st.Value.Render(fmt.Sprintf("%.2fx", in.Graph.Speedup)))
	}
	if in.ArtifactDir != "" {
		row("Artifacts", st.Muted.Render(in.ArtifactDir))
	}

	var problems []string
	for _, n := range in.Graph.Nodes {
		if n.Failure == nil {
			continue
		}
		line := fmt.Sprintf("  %s %s", st.StatusStyle(n.Status).Render(string(n.Status)), n.ID)
		line += st.Muted.Render(" " + n.Failure.String())
		problems = append(problems, line)
	}
	if len(problems) > 0 {
		b.WriteString("\n" + strings.Join(problems, "\n") + "\n")
	}
	if in.Rollback != nil {
		b.WriteString("\n" + st.Error.Render("Merge step "+fmt.Sprint(in.Rollback.PlanStep)+" rolled back: ") +
			in.Rollback.Error + "\n")
	}
	for _, w := range s.Warnings {
		b.WriteString(st.Warning.Render("warning: ") + w + "\n")
	}
	return b.String()
}

// Ago renders a timestamp relative to now, e.g. "3 minutes ago".
func Ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}
