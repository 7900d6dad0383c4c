package submission

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseTasks(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantLen int
		wantErr bool
	}{
		{"array", `[{"id":"A","description":"a","dependencies":[],"capability_requirements":["go"]}]`, 1, false},
		{"wrapped", `{"tasks":[{"id":"A"},{"id":"B","dependencies":["A"]}]}`, 2, false},
		{"empty", `   `, 0, true},
		{"unknown field", `[{"id":"A","priority":3}]`, 0, true},
		{"not json", `id: A`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			specs, err := ParseTasks([]byte(tt.doc))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTasks) {
					t.Fatalf("expected ErrInvalidTasks, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTasks failed: %v", err)
			}
			if len(specs) != tt.wantLen {
				t.Errorf("got %d specs, want %d", len(specs), tt.wantLen)
			}
		})
	}
}

func TestLoadTasks_Missing(t *testing.T) {
	if _, err := LoadTasks(filepath.Join(t.TempDir(), "none.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

const validCatalog = `
tag_priorities:
  go: 2
specialists:
  - type: backend
    capabilities: [go, api]
    avoid: [frontend]
    command: "worker --task {{task_id}}"
    timeout: 2m
    contract:
      required_outputs:
        - {path: src, type: directory}
        - {path: manifest.json, type: file, format: json, required_keys: [name]}
      success_criteria:
        - {name: build, command: "true", expected_exit_code: 0}
      affects:
        - {entity: api/users, effect: extend}
  - type: docs
    default: true
    capabilities: [markdown]
    command: "docs-worker"
    contract:
      required_outputs:
        - {path: README.md, type: file}
`

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(validCatalog), 0644); err != nil {
		t.Fatal(err)
	}

	cat, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}
	if len(cat.Specialists) != 2 || cat.Specialists[0].Type != "backend" {
		t.Fatalf("unexpected specialists: %+v", cat.Specialists)
	}
	if cat.Specialists[0].Timeout != 2*time.Minute {
		t.Errorf("Timeout = %v", cat.Specialists[0].Timeout)
	}
	if cat.Priority("go") != 2 {
		t.Errorf("Priority(go) = %v", cat.Priority("go"))
	}
}

func TestParseCatalog_JSON(t *testing.T) {
	doc := `{"specialists":[{"type":"x","capabilities":["a"],"command":"run",
		"contract":{"required_outputs":[{"path":"out.txt","type":"file"}]}}]}`
	cat, err := ParseCatalog([]byte(doc))
	if err != nil {
		t.Fatalf("ParseCatalog failed: %v", err)
	}
	if cat.Specialists[0].Contract.RequiredOutputs[0].Path != "out.txt" {
		t.Errorf("unexpected contract: %+v", cat.Specialists[0].Contract)
	}
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"no specialists", "specialists: []\n", "no specialists"},
		{"missing type", "specialists:\n  - command: x\n", "type is required"},
		{"duplicate", "specialists:\n  - {type: a, command: x}\n  - {type: a, command: y}\n", "more than once"},
		{"missing command", "specialists:\n  - {type: a}\n", "command is required"},
		{"escaping path", "specialists:\n  - type: a\n    command: x\n    contract:\n      required_outputs: [{path: ../etc, type: file}]\n", "escapes"},
		{"bad output type", "specialists:\n  - type: a\n    command: x\n    contract:\n      required_outputs: [{path: f, type: link}]\n", "file or directory"},
		{"bad format", "specialists:\n  - type: a\n    command: x\n    contract:\n      required_outputs: [{path: f, type: file, format: xml}]\n", "unsupported format"},
		{"bad policy", "specialists:\n  - type: a\n    command: x\n    contract:\n      on_conflict: merge\n", "on_conflict"},
		{"unknown field", "specialists:\n  - {type: a, command: x, persona: friendly}\n", "persona"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.doc))
			if !errors.Is(err, ErrInvalidCatalog) {
				t.Fatalf("expected ErrInvalidCatalog, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestIsLocalPath(t *testing.T) {
	tests := map[string]bool{
		"a/b.txt":     true,
		"./a":         true,
		"a/../b":      true,
		"":            false,
		"/etc/passwd": false,
		"../x":        false,
		"a/../../x":   false,
		"..":          false,
	}
	for p, want := range tests {
		if got := IsLocalPath(p); got != want {
			t.Errorf("IsLocalPath(%q) = %v, want %v", p, got, want)
		}
	}
}
