package tui

import (
	"context"
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/ensemble/internal/graph"
	"github.com/ShayCichocki/ensemble/internal/orchestrator"
)

// RowsFromGraph lists the graph's tasks level by level.
func RowsFromGraph(g *graph.TaskGraph) []TaskRow {
	var rows []TaskRow
	for level, ids := range g.Levels() {
		for _, id := range ids {
			n := g.Node(id)
			rows = append(rows, TaskRow{ID: id, Level: level, Specialist: n.Specialist(), Status: n.Status})
		}
	}
	return rows
}

// Run shows app until run returns. run is started on its own goroutine
// with events forwarded to the view; its summary and error are shown when
// it finishes. The error returned is run's, or the TUI's if the view fails.
func Run(ctx context.Context, app *App, events <-chan orchestrator.Event, out io.Writer,
	run func(ctx context.Context) (summary string, err error)) error {

	program := tea.NewProgram(app, tea.WithOutput(out), tea.WithContext(ctx))

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for ev := range events {
			program.Send(EventMsg{Event: ev})
		}
	}()

	runErr := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic in run: %v", r)
				program.Send(DoneMsg{Err: err})
				runErr <- err
			}
		}()
		summary, err := run(ctx)
		<-forwarded
		program.Send(DoneMsg{Summary: summary, Err: err})
		runErr <- err
	}()

	if _, err := program.Run(); err != nil {
		// The run keeps going without a view; wait for it.
		if rerr := <-runErr; rerr != nil {
			return rerr
		}
		return fmt.Errorf("run tui: %w", err)
	}
	return <-runErr
}
