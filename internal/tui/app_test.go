package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/ensemble/internal/graph"
	"github.com/ShayCichocki/ensemble/internal/orchestrator"
	"github.com/ShayCichocki/ensemble/pkg/models"
)

func testApp(t *testing.T, cancel func()) *App {
	t.Helper()
	g, err := graph.Build([]models.TaskSpec{
		{ID: "schema"},
		{ID: "api", Dependencies: []string{"schema"}},
		{ID: "docs"},
	})
	if err != nil {
		t.Fatal(err)
	}
	app := New("run-1", RowsFromGraph(g), cancel)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	app.now = func() time.Time { return fixed }
	app.started = fixed
	return app
}

func status(id string, from, to models.TaskStatus, done int) EventMsg {
	return EventMsg{Event: orchestrator.Event{
		Type: orchestrator.EventTaskStatus, TaskID: id, From: from, To: to,
		Attempt: 1, Specialist: "general", Total: 3, Done: done,
	}}
}

func TestRowsFromGraph(t *testing.T) {
	g, err := graph.Build([]models.TaskSpec{{ID: "b", Dependencies: []string{"a"}}, {ID: "a"}})
	if err != nil {
		t.Fatal(err)
	}
	rows := RowsFromGraph(g)
	if len(rows) != 2 || rows[0].ID != "a" || rows[0].Level != 0 || rows[1].ID != "b" || rows[1].Level != 1 {
		t.Errorf("rows = %+v", rows)
	}
}

func TestApp_AppliesEvents(t *testing.T) {
	app := testApp(t, nil)

	app.Update(status("schema", models.TaskStatusReady, models.TaskStatusRunning, 0))
	app.Update(status("schema", models.TaskStatusValidated, models.TaskStatusMerged, 1))
	failed := status("docs", models.TaskStatusRunning, models.TaskStatusFailed, 2)
	failed.Event.Failure = &models.FailureReason{Kind: models.FailureTimeout}
	app.Update(failed)
	app.Update(EventMsg{Event: orchestrator.Event{Type: orchestrator.EventMergeStarted, Step: 1, Message: "1 task(s)"}})

	if got := app.byID["schema"].Status; got != models.TaskStatusMerged {
		t.Errorf("schema status = %s", got)
	}
	if got := app.byID["docs"].Failure; got != "Timeout" {
		t.Errorf("docs failure = %q", got)
	}
	if app.done != 2 || app.total != 3 || app.step != 1 {
		t.Errorf("done/total/step = %d/%d/%d", app.done, app.total, app.step)
	}

	view := app.View()
	for _, want := range []string{"ensemble run-1", "2/3 done", "merge steps: 1", "schema", "Timeout", "q: cancel run"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q\n%s", want, view)
		}
	}
}

func TestApp_UnknownTaskAdded(t *testing.T) {
	app := testApp(t, nil)
	app.Update(status("late", models.TaskStatusPending, models.TaskStatusReady, 0))
	if _, ok := app.byID["late"]; !ok || len(app.rows) != 4 {
		t.Errorf("rows = %d", len(app.rows))
	}
}

func TestApp_CancelOnce(t *testing.T) {
	calls := 0
	app := testApp(t, func() { calls++ })

	for i := 0; i < 3; i++ {
		_, cmd := app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
		if cmd != nil {
			t.Error("quit before the run finished")
		}
	}
	if calls != 1 {
		t.Errorf("cancel called %d times, want 1", calls)
	}
	if !strings.Contains(app.View(), "(cancelling)") {
		t.Error("view does not show cancelling")
	}
}

func TestApp_DoneQuits(t *testing.T) {
	app := testApp(t, nil)

	_, cmd := app.Update(DoneMsg{Summary: "Run run-1 succeeded", Err: errors.New("write report: disk full")})
	if cmd == nil {
		t.Fatal("DoneMsg did not quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Errorf("cmd() = %T, want tea.QuitMsg", cmd())
	}
	view := app.View()
	if !strings.Contains(view, "Run run-1 succeeded") || !strings.Contains(view, "disk full") {
		t.Errorf("view = %s", view)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-10", 10, "exactly-10"},
		{"much-longer-id", 6, "much-…"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
