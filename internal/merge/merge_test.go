package merge

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/ShayCichocki/ensemble/internal/conflict"
	"github.com/ShayCichocki/ensemble/pkg/models"
)

type fixedOrder []string

func (o fixedOrder) TopologicalOrder() []string { return o }

// writeTree creates files under dir and returns dir.
func writeTree(t *testing.T, dir string, files map[string]string) string {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// readTree returns every regular file under dir keyed by relative path.
func readTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			rel, _ := filepath.Rel(dir, p)
			out[filepath.ToSlash(rel)] = string(data)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// output creates a task output directory and its execution record.
func output(t *testing.T, id string, files map[string]string) models.ExecutionRecord {
	t.Helper()
	dir := writeTree(t, filepath.Join(t.TempDir(), id), files)
	writes, err := conflict.CollectWrites(dir)
	if err != nil {
		t.Fatal(err)
	}
	return models.ExecutionRecord{TaskID: id, OutputsDir: dir, Writes: writes}
}

func TestPlan_LastWriterWins(t *testing.T) {
	api := output(t, "api", map[string]string{"outputs/schema.json": `{"v":"api"}`, "api.go": "a"})
	db := output(t, "db", map[string]string{"outputs/schema.json": `{"v":"db"}`})
	records := []models.ExecutionRecord{db, api}
	conflicts := conflict.Detect(records)

	plan, err := Plan(fixedOrder{"api", "db"}, records, conflicts, Policy{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(plan.Steps) != 2 || plan.Steps[0].TaskID != "api" || plan.Steps[1].TaskID != "db" {
		t.Fatalf("steps = %+v", plan.Steps)
	}
	if plan.Steps[0].Action != models.MergeApply {
		t.Errorf("api action = %s", plan.Steps[0].Action)
	}
	last := plan.Steps[1]
	if last.Action != models.MergeOverwriteWithWarning || !reflect.DeepEqual(last.Overwrites, []string{"outputs/schema.json"}) {
		t.Errorf("db step = %+v", last)
	}
	if len(last.Warnings) != 1 {
		t.Errorf("warnings = %v", last.Warnings)
	}
	if len(plan.Conflicts) != 1 || !plan.Conflicts[0].Resolved() || *plan.Conflicts[0].Resolution != "last_writer_wins" {
		t.Errorf("conflicts = %+v", plan.Conflicts)
	}
	if conflicts[0].Resolved() {
		t.Error("Plan must not modify the caller's conflicts")
	}

	// Apply: the topologically later task's version wins.
	final := filepath.Join(t.TempDir(), "final")
	a, err := NewApplier(final)
	if err != nil {
		t.Fatal(err)
	}
	res, rb, err := a.Apply(context.Background(), plan)
	if err != nil || rb != nil {
		t.Fatalf("Apply failed: %v %+v", err, rb)
	}
	if got := readTree(t, final)["outputs/schema.json"]; got != `{"v":"db"}` {
		t.Errorf("schema.json = %q", got)
	}
	if res.FilesWritten != 3 || len(res.Warnings) != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestPlan_FailOnConflict(t *testing.T) {
	a := models.ExecutionRecord{TaskID: "A", Writes: []string{"x"}}
	b := models.ExecutionRecord{TaskID: "B", Writes: []string{"x"}}
	c := models.ExecutionRecord{TaskID: "C", Writes: []string{"y"}}
	records := []models.ExecutionRecord{a, b, c}
	order := fixedOrder{"A", "B", "C"}

	tests := []struct {
		name   string
		policy Policy
	}{
		{"global", Policy{Default: models.PolicyFailOnConflict}},
		{"per specialist", Policy{PerTask: map[string]models.ConflictPolicy{"B": models.PolicyFailOnConflict}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Plan(order, records, conflict.Detect(records), tt.policy)
			if err != nil {
				t.Fatalf("Plan failed: %v", err)
			}
			if !reflect.DeepEqual(plan.Conflicted, []string{"A", "B"}) {
				t.Errorf("Conflicted = %v", plan.Conflicted)
			}
			if !reflect.DeepEqual(plan.TaskIDs(), []string{"C"}) {
				t.Errorf("applied = %v", plan.TaskIDs())
			}
			errs := ConflictErrors(plan)
			if len(errs) != 2 || !errors.Is(errs[0], ErrConflict) || len(errs[1].Conflicts) != 1 {
				t.Errorf("conflict errors = %+v", errs)
			}
		})
	}
}

func TestPlan_SemanticIncompatibility(t *testing.T) {
	records := []models.ExecutionRecord{
		{TaskID: "A", Affects: []models.AffectTag{{Entity: "api/users", Effect: "remove"}}},
		{TaskID: "B", Affects: []models.AffectTag{{Entity: "api/users", Effect: "extend"}}},
	}
	conflicts := conflict.Detect(records)

	plan, err := Plan(fixedOrder{"A", "B"}, records, conflicts, Policy{})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Conflicted) != 2 {
		t.Errorf("semantic conflicts must refuse both tasks under any policy: %v", plan.Conflicted)
	}

	conflict.ApplyResolutions(conflicts, []conflict.Resolution{{TaskA: "A", TaskB: "B", ResourcePath: "api/users", Resolution: "B adapts after removal"}})
	plan, _ = Plan(fixedOrder{"A", "B"}, records, conflicts, Policy{})
	if len(plan.Conflicted) != 0 {
		t.Errorf("resolved conflict still refused: %v", plan.Conflicted)
	}
}

func TestPlan_LedgerOverlap(t *testing.T) {
	ledger := conflict.Ledger{"shared.txt": "early"}
	records := []models.ExecutionRecord{{TaskID: "late", Writes: []string{"shared.txt"}}}

	plan, err := Plan(fixedOrder{"early", "late"}, records, conflict.DetectAgainst(records, ledger), Policy{})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].Action != models.MergeOverwriteWithWarning {
		t.Errorf("steps = %+v", plan.Steps)
	}

	plan, _ = Plan(fixedOrder{"early", "late"}, records, conflict.DetectAgainst(records, ledger), Policy{Default: models.PolicyFailOnConflict})
	if !reflect.DeepEqual(plan.Conflicted, []string{"late"}) {
		t.Errorf("Conflicted = %v", plan.Conflicted)
	}
}

func TestPlan_LedgerOwnerLaterInOrder(t *testing.T) {
	ledger := conflict.Ledger{"schema.json": "second"}

	tests := []struct {
		name       string
		order      fixedOrder
		wantAction models.MergeAction
		wantFiles  []string
		wantKept   []string
	}{
		{"owner later keeps its version", fixedOrder{"first", "second"}, models.MergeApply, []string{"first.go"}, []string{"schema.json"}},
		{"owner earlier is overwritten", fixedOrder{"second", "first"}, models.MergeOverwriteWithWarning, []string{"first.go", "schema.json"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := []models.ExecutionRecord{{TaskID: "first", Writes: []string{"first.go", "schema.json"}}}
			plan, err := Plan(tt.order, records, conflict.DetectAgainst(records, ledger), Policy{})
			if err != nil {
				t.Fatal(err)
			}
			if len(plan.Steps) != 1 {
				t.Fatalf("steps = %+v", plan.Steps)
			}
			step := plan.Steps[0]
			if step.Action != tt.wantAction {
				t.Errorf("action = %s, want %s", step.Action, tt.wantAction)
			}
			if !reflect.DeepEqual(step.Files, tt.wantFiles) {
				t.Errorf("files = %v, want %v", step.Files, tt.wantFiles)
			}
			if !reflect.DeepEqual(step.Kept, tt.wantKept) {
				t.Errorf("kept = %v, want %v", step.Kept, tt.wantKept)
			}
			if len(step.Warnings) != 1 || !strings.Contains(step.Warnings[0], "first") || !strings.Contains(step.Warnings[0], "second") {
				t.Errorf("warnings = %v", step.Warnings)
			}
		})
	}
}

func TestPlan_RecordNotInGraph(t *testing.T) {
	_, err := Plan(fixedOrder{"A"}, []models.ExecutionRecord{{TaskID: "Z"}}, nil, Policy{})
	if err == nil {
		t.Error("expected error for record outside the graph")
	}
}

// failingFs fails to create any file whose path contains failOn.
type failingFs struct {
	afero.Fs
	failOn string
}

func (f failingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&os.O_CREATE != 0 && strings.Contains(name, f.failOn) {
		return nil, errors.New("disk full")
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func TestApply_AtomicOnStagingFailure(t *testing.T) {
	final := writeTree(t, filepath.Join(t.TempDir(), "final"), map[string]string{
		"README.md":    "original",
		"keep/data.go": "package keep",
	})
	before := readTree(t, final)

	one := output(t, "one", map[string]string{"one.txt": "1", "README.md": "changed"})
	two := output(t, "two", map[string]string{"two.txt": "2"})
	three := output(t, "three", map[string]string{"boom.txt": "3"})
	plan := &models.MergePlan{Step: 4, Steps: []models.MergeStep{
		{TaskID: "one", Action: models.MergeApply, SourceDir: one.OutputsDir, Files: one.Writes},
		{TaskID: "skipped", Action: models.MergeSkip},
		{TaskID: "two", Action: models.MergeApply, SourceDir: two.OutputsDir, Files: two.Writes},
		{TaskID: "three", Action: models.MergeApply, SourceDir: three.OutputsDir, Files: three.Writes},
	}}

	a, err := NewApplier(final, WithFs(failingFs{Fs: afero.NewOsFs(), failOn: "boom.txt"}))
	if err != nil {
		t.Fatal(err)
	}
	res, rb, err := a.Apply(context.Background(), plan)
	if !errors.Is(err, ErrMergeAborted) {
		t.Fatalf("expected ErrMergeAborted, got %v", err)
	}
	var merr *MergeError
	if !errors.As(err, &merr) || merr.TaskID != "three" || merr.Op != "stage" {
		t.Errorf("MergeError = %+v", merr)
	}
	if res != nil {
		t.Errorf("result on failure = %+v", res)
	}
	if rb == nil || !reflect.DeepEqual(rb.StagedNotPromoted, []string{"one", "two"}) || rb.FailedStep != "three" || rb.PlanStep != 4 {
		t.Fatalf("rollback = %+v", rb)
	}

	if after := readTree(t, final); !reflect.DeepEqual(after, before) {
		t.Errorf("final tree changed:\nbefore %v\nafter  %v", before, after)
	}
	if _, err := os.Stat(final + ".staging-4"); !os.IsNotExist(err) {
		t.Errorf("staging left behind: %v", err)
	}
}

func TestApply_ExcludeAndManifest(t *testing.T) {
	out := output(t, "A", map[string]string{
		"src/a.go":                "a",
		"src/a_test.tmp":          "tmp",
		"logs/run.log":            "log",
		conflict.AffectsManifest: "[]",
	})
	final := filepath.Join(t.TempDir(), "nested", "final")
	a, err := NewApplier(final, WithExclude("**.tmp", "logs/**"))
	if err != nil {
		t.Fatal(err)
	}

	// CollectWrites already drops the manifest; list it explicitly to make
	// sure the applier drops it too.
	files := append([]string{conflict.AffectsManifest}, out.Writes...)
	plan := &models.MergePlan{Step: 1, Steps: []models.MergeStep{
		{TaskID: "A", Action: models.MergeApply, SourceDir: out.OutputsDir, Files: files},
	}}
	res, _, err := a.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := readTree(t, final); !reflect.DeepEqual(got, map[string]string{"src/a.go": "a"}) {
		t.Errorf("final tree = %v", got)
	}
	if res.FilesWritten != 1 {
		t.Errorf("FilesWritten = %d", res.FilesWritten)
	}
}

func TestNewApplier_BadPattern(t *testing.T) {
	if _, err := NewApplier(t.TempDir(), WithExclude("[")); err == nil {
		t.Error("expected error for malformed glob")
	}
}

func TestApply_VerifyFailureRollsBack(t *testing.T) {
	final := writeTree(t, filepath.Join(t.TempDir(), "final"), map[string]string{"ok.txt": "ok"})
	out := output(t, "A", map[string]string{"broken.txt": "x"})
	plan := &models.MergePlan{Step: 2, Steps: []models.MergeStep{
		{TaskID: "A", Action: models.MergeApply, SourceDir: out.OutputsDir, Files: out.Writes},
	}}

	a, err := NewApplier(final, WithVerify("test ! -e broken.txt", time.Minute, nil))
	if err != nil {
		t.Fatal(err)
	}
	_, rb, err := a.Apply(context.Background(), plan)
	if !errors.Is(err, ErrMergeAborted) {
		t.Fatalf("expected ErrMergeAborted, got %v", err)
	}
	if rb.Verification == nil || rb.Verification.Passed || rb.Verification.ExitCode != 1 {
		t.Errorf("verification = %+v", rb.Verification)
	}
	if !reflect.DeepEqual(rb.StagedNotPromoted, []string{"A"}) {
		t.Errorf("staged = %v", rb.StagedNotPromoted)
	}
	if got := readTree(t, final); !reflect.DeepEqual(got, map[string]string{"ok.txt": "ok"}) {
		t.Errorf("final tree = %v", got)
	}

	a, _ = NewApplier(final, WithVerify("test -e ok.txt", time.Minute, nil))
	res, _, err := a.Apply(context.Background(), plan)
	if err != nil || res.Verification == nil || !res.Verification.Passed {
		t.Fatalf("passing verification: %v %+v", err, res)
	}
	if got := readTree(t, final); len(got) != 2 {
		t.Errorf("final tree = %v", got)
	}
}

func TestApply_DryRun(t *testing.T) {
	out := output(t, "A", map[string]string{"a.txt": "a", "b.tmp": "b"})
	final := filepath.Join(t.TempDir(), "final")
	plan := &models.MergePlan{Step: 1, Steps: []models.MergeStep{
		{TaskID: "A", Action: models.MergeApply, SourceDir: out.OutputsDir, Files: out.Writes},
	}}

	a, _ := NewApplier(final, WithDryRun(true), WithExclude("*.tmp"))
	res, rb, err := a.Apply(context.Background(), plan)
	if err != nil || rb != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if !res.DryRun || res.FilesWritten != 1 || !reflect.DeepEqual(res.Applied, []string{"A"}) {
		t.Errorf("result = %+v", res)
	}
	if _, err := os.Stat(final); !os.IsNotExist(err) {
		t.Error("dry run touched the artifact dir")
	}
}

func TestApply_SuccessiveSteps(t *testing.T) {
	final := filepath.Join(t.TempDir(), "final")
	a, _ := NewApplier(final)

	for i, files := range []map[string]string{
		{"a.txt": "first"},
		{"b.txt": "second", "a.txt": "rewritten"},
	} {
		out := output(t, "T", files)
		plan := &models.MergePlan{Step: i + 1, Steps: []models.MergeStep{
			{TaskID: "T", Action: models.MergeApply, SourceDir: out.OutputsDir, Files: out.Writes},
		}}
		if _, _, err := a.Apply(context.Background(), plan); err != nil {
			t.Fatalf("step %d: %v", i+1, err)
		}
	}
	want := map[string]string{"a.txt": "rewritten", "b.txt": "second"}
	if got := readTree(t, final); !reflect.DeepEqual(got, want) {
		t.Errorf("final tree = %v", got)
	}
	if _, err := os.Stat(final + ".old-2"); !os.IsNotExist(err) {
		t.Error("previous tree not removed")
	}
}
