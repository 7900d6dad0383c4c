package matcher

import (
	"errors"
	"reflect"
	"testing"

	"github.com/ShayCichocki/ensemble/pkg/models"
)

func node(id string, reqs ...string) *models.TaskNode {
	return models.NewTaskNode(models.TaskSpec{ID: id, CapabilityRequirements: reqs}, 0)
}

func testCatalog() *models.Catalog {
	return &models.Catalog{
		Specialists: []models.Specialist{
			{Type: "backend", Capabilities: []string{"go", "api", "sql"}, Avoid: []string{"css"}},
			{Type: "fullstack", Capabilities: []string{"go", "api", "react", "css"}},
			{Type: "frontend", Capabilities: []string{"react", "css"}},
			{Type: "writer", Capabilities: []string{"markdown"}, Default: true},
		},
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name       string
		reqs       []string
		want       string
		confidence float64
	}{
		{"exact single", []string{"sql"}, "backend", 1},
		{"tie goes to first declared", []string{"go", "api"}, "backend", 1},
		{"partial at threshold", []string{"markdown", "latex"}, "writer", 0.5},
		{"case and space insensitive", []string{" REACT ", "Css"}, "fullstack", 1},
		{"avoid penalty shifts winner", []string{"go", "css"}, "fullstack", 1},
		{"no requirements uses default", nil, "writer", 1},
	}

	m := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := m.Match(node("T", tt.reqs...), testCatalog())
			if err != nil {
				t.Fatalf("Match failed: %v", err)
			}
			if res.SpecialistType != tt.want || res.Confidence != tt.confidence {
				t.Errorf("Match = %s (%.2f), want %s (%.2f)", res.SpecialistType, res.Confidence, tt.want, tt.confidence)
			}
			if res.Rationale == "" {
				t.Error("expected a rationale")
			}
		})
	}
}

func TestMatch_NoMatchFound(t *testing.T) {
	m := New()
	_, err := m.Match(node("T", "rust", "wasm", "go"), testCatalog())
	if !errors.Is(err, ErrNoMatchFound) {
		t.Fatalf("expected ErrNoMatchFound, got %v", err)
	}
	var nm *NoMatchError
	if !errors.As(err, &nm) {
		t.Fatalf("expected *NoMatchError, got %T", err)
	}
	if nm.TaskID != "T" || nm.Best != "backend" || nm.Threshold != 0.5 {
		t.Errorf("unexpected error detail: %+v", nm)
	}
}

func TestMatch_NoDefaultSpecialist(t *testing.T) {
	cat := &models.Catalog{Specialists: []models.Specialist{{Type: "a", Capabilities: []string{"x"}}}}
	_, err := New().Match(node("T"), cat)
	if !errors.Is(err, ErrNoMatchFound) {
		t.Fatalf("expected ErrNoMatchFound, got %v", err)
	}
}

func TestMatch_EmptyCatalog(t *testing.T) {
	_, err := New().Match(node("T", "go"), &models.Catalog{})
	var nm *NoMatchError
	if !errors.As(err, &nm) || nm.Best != "" {
		t.Fatalf("expected NoMatchError without candidate, got %v", err)
	}
}

func TestMatch_TagPriorities(t *testing.T) {
	cat := testCatalog()
	cat.TagPriorities = map[string]float64{"sql": 3}

	res, err := New().Match(node("T", "sql", "react"), cat)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if res.SpecialistType != "backend" || res.Confidence != 0.75 {
		t.Errorf("Match = %s (%.2f), want backend (0.75)", res.SpecialistType, res.Confidence)
	}
	if !reflect.DeepEqual(res.Matched, []string{"sql"}) || !reflect.DeepEqual(res.Missing, []string{"react"}) {
		t.Errorf("Matched/Missing = %v/%v", res.Matched, res.Missing)
	}
}

func TestMatch_Alternative(t *testing.T) {
	cat := &models.Catalog{Specialists: []models.Specialist{
		{Type: "a", Capabilities: []string{"x", "y"}},
		{Type: "b", Capabilities: []string{"x", "z"}},
		{Type: "c", Capabilities: []string{"q"}},
	}}

	res, err := New().Match(node("T", "x", "y", "z"), cat)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if res.SpecialistType != "a" {
		t.Fatalf("winner = %s, want a", res.SpecialistType)
	}
	if res.Alternative == nil || res.Alternative.SpecialistType != "b" {
		t.Errorf("Alternative = %+v, want b", res.Alternative)
	}

	res, _ = New().Match(node("T", "x", "y"), cat)
	if res.Alternative != nil {
		t.Errorf("confident match should not report an alternative: %+v", res.Alternative)
	}
}

func TestMatch_Threshold(t *testing.T) {
	m := New(WithMinConfidence(0.8))
	if _, err := m.Match(node("T", "go", "react"), testCatalog()); err != nil {
		t.Errorf("fullstack covers both tags, got %v", err)
	}
	if _, err := m.Match(node("T", "go", "react", "sql"), testCatalog()); !errors.Is(err, ErrNoMatchFound) {
		t.Errorf("expected no match under 0.8 threshold, got %v", err)
	}
}

func TestMatch_Deterministic(t *testing.T) {
	m := New()
	cat := testCatalog()
	n := node("T", "go", "react", "css", "api")

	first, err := m.Match(n, cat)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		got, _ := m.Match(n, cat)
		if !reflect.DeepEqual(got, first) {
			t.Fatalf("call %d returned %+v, first was %+v", i, got, first)
		}
	}
}

func TestMatchAll(t *testing.T) {
	nodes := []*models.TaskNode{node("A", "go"), node("B", "cobol"), node("C")}
	got := New().MatchAll(nodes, testCatalog())

	if len(got) != 3 {
		t.Fatalf("got %d assignments", len(got))
	}
	if got[0].Err != nil || got[0].Result.SpecialistType != "backend" {
		t.Errorf("A: %+v", got[0])
	}
	if !errors.Is(got[1].Err, ErrNoMatchFound) {
		t.Errorf("B: expected no match, got %v", got[1].Err)
	}
	if got[2].Result.SpecialistType != "writer" {
		t.Errorf("C: %+v", got[2])
	}
}
