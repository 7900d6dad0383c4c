package validation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/ensemble/internal/exec"
	"github.com/ShayCichocki/ensemble/pkg/models"
)

// fakeRunner returns canned exit codes per command and records calls.
type fakeRunner struct {
	mu    sync.Mutex
	codes map[string]int
	calls []string
}

func (f *fakeRunner) RunShell(_ context.Context, _ string, command string, _ time.Duration) (exec.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command)
	return exec.Result{ExitCode: f.codes[command], Output: []byte("ran " + command)}, nil
}

// writeFiles creates files under dir; a name ending in "/" creates a directory.
func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if strings.HasSuffix(name, "/") {
			if err := os.MkdirAll(path, 0755); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func record(dir string) models.ExecutionRecord {
	return models.ExecutionRecord{TaskID: "T", AttemptNumber: 1, OutputsDir: dir}
}

func size(n int64) *int64 { return &n }

func baseContract() models.OutputContract {
	return models.OutputContract{
		RequiredOutputs: []models.RequiredOutput{
			{Path: "src", Type: models.OutputDirectory},
			{Path: "manifest.json", Type: models.OutputFile, RequiredKeys: []string{"name", "deps.0"}},
		},
		SuccessCriteria: []models.SuccessCriterion{{Name: "build", Command: "make"}},
	}
}

func baseOutput(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"src/main.go":   "package main\n",
		"manifest.json": `{"name":"x","deps":["y"]}`,
	})
	return dir
}

func statuses(r models.ValidationReport) map[string]models.CheckStatus {
	out := make(map[string]models.CheckStatus, len(r.Checks))
	for _, c := range r.Checks {
		out[c.CheckName] = c.Status
	}
	return out
}

func TestValidate_Passes(t *testing.T) {
	v := New(WithCommandRunner(&fakeRunner{}))
	report := v.Validate(context.Background(), record(baseOutput(t)), baseContract())

	if !report.Passed() {
		t.Fatalf("expected passed, got %+v", report)
	}
	names := []string{CheckSchema, CheckCompleteness, CheckFormat, CheckSuccessCriteria, CheckCorruption}
	if len(report.Checks) != len(names) {
		t.Fatalf("got %d checks", len(report.Checks))
	}
	for i, c := range report.Checks {
		if c.CheckName != names[i] {
			t.Errorf("check %d = %s, want %s", i, c.CheckName, names[i])
		}
		if c.Status != models.CheckPassed || c.Outcome != models.CheckPassed {
			t.Errorf("%s: status %s outcome %s", c.CheckName, c.Status, c.Outcome)
		}
	}
	if err := AsError(report); err != nil {
		t.Errorf("AsError on passing report = %v", err)
	}
}

func TestValidate_Monotonic(t *testing.T) {
	dir := baseOutput(t)
	v := New(WithCommandRunner(&fakeRunner{}))

	before := v.Validate(context.Background(), record(dir), baseContract())
	if !before.Passed() {
		t.Fatalf("baseline should pass: %+v", before)
	}

	contract := baseContract()
	contract.RequiredOutputs = append(contract.RequiredOutputs,
		models.RequiredOutput{Path: "docs/README.md", Type: models.OutputFile})
	after := v.Validate(context.Background(), record(dir), contract)

	if after.Passed() {
		t.Fatal("missing required file should fail validation")
	}
	for i := range before.Checks {
		b, a := before.Checks[i], after.Checks[i]
		if a.CheckName == CheckSchema {
			if a.Status != models.CheckFailed {
				t.Errorf("schema status = %s", a.Status)
			}
			continue
		}
		if a.Outcome != b.Outcome {
			t.Errorf("%s outcome changed from %s to %s", a.CheckName, b.Outcome, a.Outcome)
		}
	}
}

func TestValidate_EmptyDirectoryStillRunsCriteria(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"tests/": ""})

	runner := &fakeRunner{}
	contract := models.OutputContract{
		RequiredOutputs: []models.RequiredOutput{{Path: "tests", Type: models.OutputDirectory}},
		SuccessCriteria: []models.SuccessCriterion{{Name: "pytest", Command: "pytest"}},
	}
	report := New(WithCommandRunner(runner)).Validate(context.Background(), record(dir), contract)

	if report.Passed() {
		t.Fatal("empty tests/ should fail")
	}
	got := statuses(report)
	if got[CheckSchema] != models.CheckPassed || got[CheckCompleteness] != models.CheckFailed {
		t.Errorf("statuses = %v", got)
	}
	criteria, _ := report.Check(CheckSuccessCriteria)
	if criteria.Status != models.CheckSkipped || criteria.Outcome != models.CheckPassed {
		t.Errorf("success_criteria status %s outcome %s", criteria.Status, criteria.Outcome)
	}
	if len(criteria.Findings) != 1 || criteria.Findings[0].Subject != "pytest" {
		t.Errorf("findings = %+v", criteria.Findings)
	}
	if len(runner.calls) != 1 {
		t.Errorf("criterion ran %d times, want 1", len(runner.calls))
	}
}

func TestValidate_Completeness(t *testing.T) {
	tests := []struct {
		name     string
		out      models.RequiredOutput
		files    map[string]string
		want     models.CheckStatus
		warnings int
	}{
		{"empty file fails", models.RequiredOutput{Path: "a.txt", Type: models.OutputFile}, map[string]string{"a.txt": ""}, models.CheckFailed, 0},
		{"undersized warns", models.RequiredOutput{Path: "a.txt", Type: models.OutputFile, MinSizeBytes: size(100)}, map[string]string{"a.txt": "short"}, models.CheckWarning, 1},
		{"undersized fatal fails", models.RequiredOutput{Path: "a.txt", Type: models.OutputFile, MinSizeBytes: size(100), Fatal: true}, map[string]string{"a.txt": "short"}, models.CheckFailed, 0},
		{"directory sums files", models.RequiredOutput{Path: "d", Type: models.OutputDirectory, MinSizeBytes: size(6)}, map[string]string{"d/a.txt": "abc", "d/sub/b.txt": "def"}, models.CheckPassed, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFiles(t, dir, tt.files)
			contract := models.OutputContract{RequiredOutputs: []models.RequiredOutput{tt.out}}
			report := New().Validate(context.Background(), record(dir), contract)

			if got := statuses(report)[CheckCompleteness]; got != tt.want {
				t.Errorf("completeness = %s, want %s", got, tt.want)
			}
			if len(report.Warnings) != tt.warnings {
				t.Errorf("warnings = %v", report.Warnings)
			}
			if tt.want == models.CheckWarning && !report.Passed() {
				t.Error("a warning must not fail validation")
			}
		})
	}
}

func TestValidate_Format(t *testing.T) {
	graphShape := &models.GraphShape{}
	tests := []struct {
		name    string
		out     models.RequiredOutput
		content string
		want    models.CheckStatus
		message string
	}{
		{"invalid json", models.RequiredOutput{Path: "m.json", Type: models.OutputFile}, `{"a":`, models.CheckFailed, "invalid json"},
		{"missing key", models.RequiredOutput{Path: "m.json", Type: models.OutputFile, RequiredKeys: []string{"a", "b.c"}}, `{"a":1,"b":{}}`, models.CheckFailed, "b.c"},
		{"yaml keys", models.RequiredOutput{Path: "m.yaml", Type: models.OutputFile, RequiredKeys: []string{"service.port"}}, "service:\n  port: 80\n", models.CheckPassed, ""},
		{"invalid yaml", models.RequiredOutput{Path: "m.yml", Type: models.OutputFile}, "a: [1, 2\n", models.CheckFailed, "invalid yaml"},
		{"explicit format", models.RequiredOutput{Path: "manifest", Type: models.OutputFile, Format: "json"}, `not json`, models.CheckFailed, "invalid json"},
		{"graph resolves", models.RequiredOutput{Path: "g.json", Type: models.OutputFile, Graph: graphShape},
			`{"nodes":[{"id":"a"},{"id":"b"}],"edges":[{"from":"a","to":"b"}]}`, models.CheckPassed, ""},
		{"graph bare ids", models.RequiredOutput{Path: "g.json", Type: models.OutputFile, Graph: graphShape},
			`{"nodes":["a","b"],"edges":[{"from":"b","to":"a"}]}`, models.CheckPassed, ""},
		{"graph dangling edge", models.RequiredOutput{Path: "g.json", Type: models.OutputFile, Graph: graphShape},
			`{"nodes":[{"id":"a"}],"edges":[{"from":"a","to":"z"}]}`, models.CheckFailed, "a->z"},
		{"custom graph fields", models.RequiredOutput{Path: "g.json", Type: models.OutputFile,
			Graph: &models.GraphShape{Nodes: "vertices", Edges: "links", ID: "name", Source: "src", Target: "dst"}},
			`{"vertices":[{"name":"a"},{"name":"b"}],"links":[{"src":"a","dst":"b"}]}`, models.CheckPassed, ""},
		{"plain text not parsed", models.RequiredOutput{Path: "notes.txt", Type: models.OutputFile}, `{{{`, models.CheckPassed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFiles(t, dir, map[string]string{tt.out.Path: tt.content})
			contract := models.OutputContract{RequiredOutputs: []models.RequiredOutput{tt.out}}
			report := New().Validate(context.Background(), record(dir), contract)

			check, _ := report.Check(CheckFormat)
			if check.Outcome != tt.want {
				t.Errorf("format outcome = %s (%s), want %s", check.Outcome, check.Message, tt.want)
			}
			if tt.message != "" && !strings.Contains(check.Message, tt.message) {
				t.Errorf("message %q does not mention %q", check.Message, tt.message)
			}
		})
	}
}

func TestValidate_SuccessCriteriaFindings(t *testing.T) {
	dir := t.TempDir()
	contract := models.OutputContract{
		SuccessCriteria: []models.SuccessCriterion{
			{Name: "ok", Command: "true"},
			{Name: "wrong code", Command: "echo boom; exit 2"},
			{Name: "expects 3", Command: "exit 3", ExpectedExitCode: 3},
			{Name: "slow", Command: "sleep 5", Timeout: 100 * time.Millisecond},
		},
	}
	report := New().Validate(context.Background(), record(dir), contract)

	check, _ := report.Check(CheckSuccessCriteria)
	if check.Status != models.CheckFailed {
		t.Fatalf("success_criteria = %s", check.Status)
	}
	want := map[string]models.CheckStatus{
		"ok":         models.CheckPassed,
		"wrong code": models.CheckFailed,
		"expects 3":  models.CheckPassed,
		"slow":       models.CheckFailed,
	}
	if len(check.Findings) != len(want) {
		t.Fatalf("findings = %+v", check.Findings)
	}
	for _, f := range check.Findings {
		if f.Status != want[f.Subject] {
			t.Errorf("%s = %s (%s)", f.Subject, f.Status, f.Message)
		}
	}
	if !strings.Contains(check.Findings[1].Message, "boom") {
		t.Errorf("failing criterion should carry its output: %q", check.Findings[1].Message)
	}
	if !strings.Contains(check.Findings[3].Message, "timed out") {
		t.Errorf("slow criterion message = %q", check.Findings[3].Message)
	}
}

func TestValidate_Corruption(t *testing.T) {
	tests := []struct {
		name    string
		out     models.RequiredOutput
		files   map[string]string
		message string
	}{
		{"null run", models.RequiredOutput{Path: "a.txt", Type: models.OutputFile}, map[string]string{"a.txt": "abc\x00\x00\x00\x00def"}, "null-byte"},
		{"invalid utf8", models.RequiredOutput{Path: "a.md", Type: models.OutputFile}, map[string]string{"a.md": "caf\xe9"}, "utf-8"},
		{"truncation marker", models.RequiredOutput{Path: "a.txt", Type: models.OutputFile}, map[string]string{"a.txt": "part one\n[truncated]\n"}, "truncation"},
		{"truncated json", models.RequiredOutput{Path: "a.json", Type: models.OutputFile}, map[string]string{"a.json": `{"a": [1, 2`}, "ends unexpectedly"},
		{"inside directory", models.RequiredOutput{Path: "d", Type: models.OutputDirectory}, map[string]string{"d/x/log.txt": "<<<TRUNCATED>>>"}, "d/x/log.txt"},
		{"text flag", models.RequiredOutput{Path: "blob", Type: models.OutputFile, Text: true}, map[string]string{"blob": "\x00\x00\x00\x00"}, "null-byte"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFiles(t, dir, tt.files)
			contract := models.OutputContract{RequiredOutputs: []models.RequiredOutput{tt.out}}
			report := New().Validate(context.Background(), record(dir), contract)

			check, _ := report.Check(CheckCorruption)
			if check.Status != models.CheckFailed {
				t.Fatalf("corruption = %s", check.Status)
			}
			if !strings.Contains(check.Message, tt.message) {
				t.Errorf("message %q does not mention %q", check.Message, tt.message)
			}
			if report.Passed() {
				t.Error("corrupt output passed")
			}
		})
	}
}

func TestValidate_CorruptionUnreadableSubtree(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"d/ok.txt": "fine", "d/locked/log.txt": "hidden"})
	locked := filepath.Join(dir, "d", "locked")
	if err := os.Chmod(locked, 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(locked, 0755) })
	contract := models.OutputContract{RequiredOutputs: []models.RequiredOutput{{Path: "d", Type: models.OutputDirectory}}}

	report := New().Validate(context.Background(), record(dir), contract)

	check, _ := report.Check(CheckCorruption)
	if check.Status != models.CheckFailed {
		t.Fatalf("corruption = %s, want failed", check.Status)
	}
	found := false
	for _, f := range check.Findings {
		if f.Subject == "d/locked" && f.Status == models.CheckFailed && strings.Contains(f.Message, "walk") {
			found = true
		}
	}
	if !found {
		t.Errorf("findings = %+v, want a failed walk finding for d/locked", check.Findings)
	}
}

func TestValidate_BinaryFilesNotInspected(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"img.png": "\x89PNG\x00\x00\x00\x00\xff"})
	contract := models.OutputContract{RequiredOutputs: []models.RequiredOutput{{Path: "img.png", Type: models.OutputFile}}}

	report := New().Validate(context.Background(), record(dir), contract)
	if !report.Passed() {
		t.Errorf("binary output should pass: %+v", report.Checks)
	}
}

func TestValidate_CorruptionNeverSkipped(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.txt": "x\x00\x00\x00\x00"})
	contract := models.OutputContract{RequiredOutputs: []models.RequiredOutput{
		{Path: "missing.txt", Type: models.OutputFile},
		{Path: "a.txt", Type: models.OutputFile},
	}}

	report := New().Validate(context.Background(), record(dir), contract)
	got := statuses(report)
	if got[CheckSchema] != models.CheckFailed {
		t.Errorf("schema = %s", got[CheckSchema])
	}
	for _, name := range []string{CheckCompleteness, CheckFormat, CheckSuccessCriteria} {
		if got[name] != models.CheckSkipped {
			t.Errorf("%s = %s, want skipped", name, got[name])
		}
	}
	if got[CheckCorruption] != models.CheckFailed {
		t.Errorf("corruption = %s, want failed", got[CheckCorruption])
	}
}

func TestValidate_SchemaErrors(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"file": "x", "dir/": ""})
	contract := models.OutputContract{RequiredOutputs: []models.RequiredOutput{
		{Path: "../outside", Type: models.OutputFile},
		{Path: "file", Type: models.OutputDirectory},
		{Path: "dir", Type: models.OutputFile},
	}}

	report := New().Validate(context.Background(), record(dir), contract)
	check, _ := report.Check(CheckSchema)
	if len(check.Findings) != 3 {
		t.Fatalf("findings = %+v", check.Findings)
	}
	for _, f := range check.Findings {
		if f.Status != models.CheckFailed {
			t.Errorf("%s = %s", f.Subject, f.Status)
		}
	}
	if !strings.Contains(check.Findings[0].Message, "escapes") {
		t.Errorf("escape message = %q", check.Findings[0].Message)
	}
}

func TestAsError(t *testing.T) {
	report := New().Validate(context.Background(), record(t.TempDir()), models.OutputContract{
		RequiredOutputs: []models.RequiredOutput{{Path: "x", Type: models.OutputFile}},
	})
	err := AsError(report)
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.TaskID != "T" || ve.Attempt != 1 {
		t.Errorf("unexpected error %+v", ve)
	}
	if !strings.Contains(err.Error(), "schema") {
		t.Errorf("error %q should name the failed check", err)
	}
}
