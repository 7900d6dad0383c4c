// Package tui provides the live progress view shown by `ensemble run --tui`.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/ensemble/internal/orchestrator"
	"github.com/ShayCichocki/ensemble/internal/report"
	"github.com/ShayCichocki/ensemble/pkg/models"
)

// maxLogLines is how many recent activity lines are kept.
const maxLogLines = 8

// EventMsg wraps a coordinator event for the TUI.
type EventMsg struct {
	Event orchestrator.Event
}

// DoneMsg signals that the run finished and the event stream is closed.
type DoneMsg struct {
	Summary string
	Err     error
}

// TaskRow is one task shown in the table.
type TaskRow struct {
	ID         string
	Level      int
	Specialist string
	Status     models.TaskStatus
	Attempt    int
	Failure    string
	changedAt  time.Time
}

// App is the bubbletea model of the run view.
type App struct {
	runID   string
	rows    []*TaskRow
	byID    map[string]*TaskRow
	logs    []string
	total   int
	done    int
	step    int
	started time.Time

	spinner  spinner.Model
	progress progress.Model
	styles   report.Styles

	width      int
	cancel     func()
	cancelling bool
	finished   bool
	summary    string
	err        error
	now        func() time.Time
}

// New creates the view for a run. rows are listed in the given order.
// cancel is called once when the user asks to stop the run.
func New(runID string, rows []TaskRow, cancel func()) *App {
	a := &App{
		runID:  runID,
		byID:   make(map[string]*TaskRow, len(rows)),
		total:  len(rows),
		styles: report.DefaultStyles(),
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("205"))),
		),
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		cancel:   cancel,
		now:      time.Now,
	}
	a.started = a.now()
	for i := range rows {
		row := rows[i]
		if row.Status == "" {
			row.Status = models.TaskStatusPending
		}
		a.rows = append(a.rows, &row)
		a.byID[row.ID] = &row
	}
	return a
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return a.spinner.Tick
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if a.finished {
				return a, tea.Quit
			}
			if !a.cancelling {
				a.cancelling = true
				a.addLog("cancelling: waiting for workers to stop")
				if a.cancel != nil {
					a.cancel()
				}
			}
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.progress.Width = min(60, max(10, msg.Width-30))

	case spinner.TickMsg:
		if a.finished {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case EventMsg:
		a.apply(msg.Event)

	case DoneMsg:
		a.finished = true
		a.summary = msg.Summary
		a.err = msg.Err
		return a, tea.Quit
	}
	return a, nil
}

// apply folds one coordinator event into the view.
func (a *App) apply(ev orchestrator.Event) {
	if ev.Total > 0 {
		a.total = ev.Total
		a.done = ev.Done
	}
	switch ev.Type {
	case orchestrator.EventRunStarted:
		a.addLog("run started: " + ev.Message)
	case orchestrator.EventTaskStatus:
		row, ok := a.byID[ev.TaskID]
		if !ok {
			row = &TaskRow{ID: ev.TaskID}
			a.rows = append(a.rows, row)
			a.byID[ev.TaskID] = row
		}
		row.Status = ev.To
		row.Attempt = ev.Attempt
		row.changedAt = ev.Timestamp
		if ev.Specialist != "" {
			row.Specialist = ev.Specialist
		}
		row.Failure = ""
		if ev.Failure != nil {
			row.Failure = ev.Failure.String()
			a.addLog(fmt.Sprintf("%s %s: %s", ev.TaskID, ev.To, ev.Failure))
		}
		if ev.To == models.TaskStatusReady && ev.From == models.TaskStatusRunning {
			a.addLog(fmt.Sprintf("%s retrying after attempt %d", ev.TaskID, ev.Attempt))
		}
	case orchestrator.EventMergeStarted:
		a.step = ev.Step
		a.addLog(fmt.Sprintf("merge step %d: %s", ev.Step, ev.Message))
	case orchestrator.EventMergeCompleted:
		a.addLog(fmt.Sprintf("merge step %d promoted: %s", ev.Step, ev.Message))
	case orchestrator.EventMergeRolledBack:
		a.addLog(fmt.Sprintf("merge step %d rolled back: %s", ev.Step, ev.Message))
	case orchestrator.EventRunCancelled:
		a.cancelling = true
		a.addLog("run cancelled: " + ev.Message)
	case orchestrator.EventRunDone:
		a.addLog("run finished: " + ev.Message)
	}
}

func (a *App) addLog(line string) {
	a.logs = append(a.logs, line)
	if len(a.logs) > maxLogLines {
		a.logs = a.logs[len(a.logs)-maxLogLines:]
	}
}

// View implements tea.Model.
func (a *App) View() string {
	var b strings.Builder
	st := a.styles

	title := "ensemble " + a.runID
	if a.cancelling && !a.finished {
		title += st.Warning.Render("  (cancelling)")
	}
	b.WriteString(st.Header.Render(title) + "\n\n")

	pct := 0.0
	if a.total > 0 {
		pct = float64(a.done) / float64(a.total)
	}
	fmt.Fprintf(&b, "%s %d/%d done", a.progress.ViewAs(pct), a.done, a.total)
	if a.step > 0 {
		fmt.Fprintf(&b, "  merge steps: %d", a.step)
	}
	fmt.Fprintf(&b, "  %s\n\n", a.now().Sub(a.started).Round(time.Second))

	for _, row := range a.rows {
		b.WriteString(a.renderRow(row) + "\n")
	}

	if len(a.logs) > 0 {
		b.WriteString("\n")
		for _, l := range a.logs {
			b.WriteString(st.Muted.Render(l) + "\n")
		}
	}

	if a.finished {
		b.WriteString("\n")
		if a.summary != "" {
			b.WriteString(a.summary + "\n")
		}
		if a.err != nil {
			b.WriteString(st.Error.Render("error: "+a.err.Error()) + "\n")
		}
	} else {
		b.WriteString("\n" + st.Muted.Render("q: cancel run") + "\n")
	}
	return b.String()
}

func (a *App) renderRow(row *TaskRow) string {
	st := a.styles
	icon := "  "
	switch row.Status {
	case models.TaskStatusRunning, models.TaskStatusValidating:
		icon = a.spinner.View()
	case models.TaskStatusMerged:
		icon = st.Success.Render("✓")
	case models.TaskStatusFailed:
		icon = st.Error.Render("✗")
	case models.TaskStatusBlocked, models.TaskStatusConflicted:
		icon = st.Warning.Render("!")
	case models.TaskStatusValidated:
		icon = st.Success.Render("·")
	}
	line := fmt.Sprintf("%s %-24s %-12s %s", icon, truncate(row.ID, 24), truncate(row.Specialist, 12),
		st.StatusStyle(row.Status).Render(string(row.Status)))
	if row.Attempt > 1 {
		line += st.Muted.Render(fmt.Sprintf(" attempt %d", row.Attempt))
	}
	if row.Failure != "" {
		line += st.Muted.Render(" " + row.Failure)
	}
	return line
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
