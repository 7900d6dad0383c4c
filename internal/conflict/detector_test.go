package conflict

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/ShayCichocki/ensemble/pkg/models"
)

func rec(id string, writes []string, affects ...models.AffectTag) models.ExecutionRecord {
	return models.ExecutionRecord{TaskID: id, Writes: writes, Affects: affects}
}

func tag(entity, effect string) models.AffectTag {
	return models.AffectTag{Entity: entity, Effect: effect}
}

func TestDetect_SharedSchemaFile(t *testing.T) {
	got := Detect([]models.ExecutionRecord{
		rec("api", []string{"outputs/schema.json", "api/main.go"}),
		rec("db", []string{"outputs/schema.json", "db/init.sql"}),
	})
	if len(got) != 1 {
		t.Fatalf("got %d conflicts: %+v", len(got), got)
	}
	c := got[0]
	if c.ConflictType != models.ConflictResourceOverlap || c.ResourcePath != "outputs/schema.json" {
		t.Errorf("unexpected conflict %+v", c)
	}
	if c.TaskA != "api" || c.TaskB != "db" || c.Resolved() {
		t.Errorf("pair = %s/%s resolved=%v", c.TaskA, c.TaskB, c.Resolved())
	}
}

func TestDetect_OneRecordPerPairAndPath(t *testing.T) {
	got := Detect([]models.ExecutionRecord{
		rec("C", []string{"b.txt", "a.txt", "a.txt"}),
		rec("A", []string{"a.txt", "b.txt"}),
		rec("B", []string{"a.txt"}),
	})

	type key struct{ a, b, path string }
	var keys []key
	for _, c := range got {
		keys = append(keys, key{c.TaskA, c.TaskB, c.ResourcePath})
	}
	want := []key{
		{"C", "A", "a.txt"},
		{"C", "B", "a.txt"},
		{"A", "B", "a.txt"},
		{"C", "A", "b.txt"},
	}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("conflicts = %v, want %v", keys, want)
	}
}

func TestDetect_NoConflicts(t *testing.T) {
	got := Detect([]models.ExecutionRecord{
		rec("A", []string{"a.txt"}, tag("api/users", "extend")),
		rec("B", []string{"b.txt"}, tag("api/users", "extend"), tag("api/orders", "remove")),
	})
	if len(got) != 0 {
		t.Errorf("expected no conflicts, got %+v", got)
	}
}

func TestExclusive(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"extend", "extend", false},
		{"remove", "remove", false},
		{"extend", "read", false},
		{"extend", "remove", true},
		{"rename", "extend", true},
		{"Replace", "extend", true},
		{"version=2", "version=3", true},
		{"version=2", "VERSION=2", false},
		{"version=2", "extend", true},
	}
	for _, tt := range tests {
		if got := Exclusive(tt.a, tt.b); got != tt.want {
			t.Errorf("Exclusive(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestDetect_SemanticIncompatibility(t *testing.T) {
	got := Detect([]models.ExecutionRecord{
		rec("A", nil, tag("api/users", "extend"), tag("schema", "version=2")),
		rec("B", nil, tag("api/users", "remove"), tag("api/users", "rename"), tag("schema", "version=3")),
	})
	if len(got) != 2 {
		t.Fatalf("got %d conflicts: %+v", len(got), got)
	}
	if got[0].ResourcePath != "api/users" || got[1].ResourcePath != "schema" {
		t.Errorf("entities = %s, %s", got[0].ResourcePath, got[1].ResourcePath)
	}
	for _, c := range got {
		if c.ConflictType != models.ConflictSemanticIncompatibility {
			t.Errorf("type = %s", c.ConflictType)
		}
	}
}

func TestDetectAgainst_Ledger(t *testing.T) {
	ledger := Ledger{}
	ledger.Record(rec("early", []string{"shared.txt", "only-early.txt"}))

	got := DetectAgainst([]models.ExecutionRecord{
		rec("late", []string{"shared.txt", "new.txt"}),
	}, ledger)
	if len(got) != 1 {
		t.Fatalf("got %+v", got)
	}
	if got[0].TaskA != "early" || got[0].TaskB != "late" || got[0].ResourcePath != "shared.txt" {
		t.Errorf("unexpected conflict %+v", got[0])
	}

	// A task re-merged over its own resources is not a conflict.
	if got := DetectAgainst([]models.ExecutionRecord{rec("early", []string{"shared.txt"})}, ledger); len(got) != 0 {
		t.Errorf("self overlap reported: %+v", got)
	}
}

func TestCollectWritesAndAffects(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"b.txt":         "b",
		"sub/a.txt":     "a",
		AffectsManifest: `[{"entity":"api/users","effect":"extend"}]`,
	} {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	writes, err := CollectWrites(dir)
	if err != nil {
		t.Fatalf("CollectWrites failed: %v", err)
	}
	if !reflect.DeepEqual(writes, []string{"b.txt", "sub/a.txt"}) {
		t.Errorf("writes = %v", writes)
	}

	tags, err := LoadAffects(dir)
	if err != nil {
		t.Fatalf("LoadAffects failed: %v", err)
	}
	merged := MergeAffects([]models.AffectTag{tag("api/users", "Extend"), tag("schema", "replace")}, tags)
	if len(merged) != 2 {
		t.Errorf("merged = %+v", merged)
	}

	if tags, err := LoadAffects(t.TempDir()); err != nil || tags != nil {
		t.Errorf("missing manifest: %v, %v", tags, err)
	}
}

func TestLoadAffects_Invalid(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, AffectsManifest), []byte(`[{"entity":"x"}]`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadAffects(dir); err == nil {
		t.Error("expected error for entry without effect")
	}
}

func TestApplyResolutions(t *testing.T) {
	conflicts := Detect([]models.ExecutionRecord{
		rec("A", []string{"x", "y"}),
		rec("B", []string{"x", "y"}),
	})
	ApplyResolutions(conflicts, []Resolution{{TaskA: "B", TaskB: "A", ResourcePath: "y", Resolution: "keep B"}})

	if conflicts[0].Resolved() {
		t.Errorf("x should stay unresolved")
	}
	if !conflicts[1].Resolved() || *conflicts[1].Resolution != "keep B" {
		t.Errorf("y resolution = %v", conflicts[1].Resolution)
	}
}

func TestRenderMarkdown(t *testing.T) {
	if out := RenderMarkdown(nil); !strings.Contains(out, "No conflicts") {
		t.Errorf("empty report = %q", out)
	}

	resolved := "last_writer_wins"
	conflicts := []models.ConflictRecord{
		{TaskA: "A", TaskB: "B", ConflictType: models.ConflictResourceOverlap, ResourcePath: "x.json", Resolution: &resolved},
		{TaskA: "A", TaskB: "C", ConflictType: models.ConflictSemanticIncompatibility, ResourcePath: "api/users"},
	}
	out := RenderMarkdown(conflicts)
	for _, want := range []string{"## Semantic Incompatibility (1)", "## Resource Overlap (1)", "last_writer_wins", "unresolved", "`api/users`"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "Semantic") > strings.Index(out, "Resource Overlap") {
		t.Error("semantic conflicts should be listed first")
	}
}

func TestLedger_RecordStep(t *testing.T) {
	ledger := Ledger{"schema.json": "second"}
	ledger.RecordStep(models.MergeStep{
		TaskID: "first",
		Files:  []string{"first.go"},
		Kept:   []string{"schema.json"},
	})
	if ledger["schema.json"] != "second" {
		t.Errorf("kept path owner = %q, want second", ledger["schema.json"])
	}
	if ledger["first.go"] != "first" {
		t.Errorf("first.go owner = %q, want first", ledger["first.go"])
	}
}
