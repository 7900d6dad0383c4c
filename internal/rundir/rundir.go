// Package rundir owns the on-disk layout of one run: worker output
// directories, captured stdout/stderr, and the JSON documents written as
// the run progresses.
package rundir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/ShayCichocki/ensemble/pkg/models"
)

// File and directory names inside a run directory.
const (
	GraphFile       = "graph.json"
	ConflictsFile   = "conflicts.json"
	SummaryFile     = "summary.json"
	ReportFile      = "report.md"
	ResolutionsFile = "resolutions.json"

	outputsDir    = "outputs"
	recordsDir    = "records"
	validationDir = "validation"
	mergeDir      = "merge"
	stepsDir      = "steps"
	signalsDir    = "signals"
	cancelSignal  = "cancel"
)

// ErrRunNotFound is returned when a run directory does not exist.
var ErrRunNotFound = errors.New("run not found")

// NewRunID returns a sortable, unique run id: a UTC timestamp plus the
// first eight hex digits of a random UUID.
func NewRunID() string {
	return time.Now().UTC().Format("20060102-150405") + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Layout addresses the files of one run.
type Layout struct {
	fs    afero.Fs
	root  string
	runID string
}

// Option configures a Layout.
type Option func(*Layout)

// WithFs replaces the filesystem used for documents.
func WithFs(fs afero.Fs) Option {
	return func(l *Layout) { l.fs = fs }
}

// Create makes the directory tree for a new run under runsDir.
func Create(runsDir, runID string, opts ...Option) (*Layout, error) {
	l, err := newLayout(runsDir, runID, opts...)
	if err != nil {
		return nil, err
	}
	for _, d := range []string{outputsDir, recordsDir, validationDir, filepath.Join(mergeDir, stepsDir), signalsDir} {
		if err := l.fs.MkdirAll(filepath.Join(l.Dir(), d), 0755); err != nil {
			return nil, fmt.Errorf("create run directory: %w", err)
		}
	}
	return l, nil
}

// Open addresses an existing run under runsDir.
func Open(runsDir, runID string, opts ...Option) (*Layout, error) {
	l, err := newLayout(runsDir, runID, opts...)
	if err != nil {
		return nil, err
	}
	ok, err := afero.DirExists(l.fs, l.Dir())
	if err != nil {
		return nil, fmt.Errorf("stat run directory: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return l, nil
}

func newLayout(runsDir, runID string, opts ...Option) (*Layout, error) {
	if runID == "" || !filepath.IsLocal(runID) || strings.ContainsRune(runID, filepath.Separator) {
		return nil, fmt.Errorf("invalid run id %q", runID)
	}
	root, err := filepath.Abs(runsDir)
	if err != nil {
		return nil, fmt.Errorf("resolve runs dir: %w", err)
	}
	l := &Layout{fs: afero.NewOsFs(), root: root, runID: runID}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// RunID returns the run id.
func (l *Layout) RunID() string { return l.runID }

// Dir returns the absolute run directory.
func (l *Layout) Dir() string { return filepath.Join(l.root, l.runID) }

// Path joins elems under the run directory.
func (l *Layout) Path(elems ...string) string {
	return filepath.Join(append([]string{l.Dir()}, elems...)...)
}

// OutputDir is the private output directory of a task.
func (l *Layout) OutputDir(taskID string) string { return l.Path(outputsDir, taskID) }

// ResetOutputDir empties and recreates a task's output directory before an
// attempt.
func (l *Layout) ResetOutputDir(taskID string) (string, error) {
	dir := l.OutputDir(taskID)
	if err := l.fs.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear output dir: %w", err)
	}
	if err := l.fs.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return dir, nil
}

func attemptName(taskID string, attempt int) string {
	return taskID + "-" + strconv.Itoa(attempt)
}

// RecordPath is where an attempt's ExecutionRecord is written.
func (l *Layout) RecordPath(taskID string, attempt int) string {
	return l.Path(recordsDir, attemptName(taskID, attempt)+".json")
}

// StdoutPath is where an attempt's stdout is captured.
func (l *Layout) StdoutPath(taskID string, attempt int) string {
	return l.Path(recordsDir, attemptName(taskID, attempt)+".stdout")
}

// StderrPath is where an attempt's stderr is captured.
func (l *Layout) StderrPath(taskID string, attempt int) string {
	return l.Path(recordsDir, attemptName(taskID, attempt)+".stderr")
}

// ValidationPath is where an attempt's ValidationReport is written.
func (l *Layout) ValidationPath(taskID string, attempt int) string {
	return l.Path(validationDir, attemptName(taskID, attempt)+".json")
}

// CancelPath is the signal file whose creation cancels the run.
func (l *Layout) CancelPath() string { return l.Path(signalsDir, cancelSignal) }

// SignalsDir is the directory watched for signal files.
func (l *Layout) SignalsDir() string { return l.Path(signalsDir) }

// ResolutionsPath is the optional human conflict resolution file.
func (l *Layout) ResolutionsPath() string { return l.Path(ResolutionsFile) }

// RequestCancel creates the cancel signal file.
func (l *Layout) RequestCancel(reason string) error {
	if err := l.fs.MkdirAll(l.SignalsDir(), 0755); err != nil {
		return fmt.Errorf("create signals dir: %w", err)
	}
	body := reason + "\n" + time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := afero.WriteFile(l.fs, l.CancelPath(), []byte(body), 0644); err != nil {
		return fmt.Errorf("write cancel signal: %w", err)
	}
	return nil
}

// CancelRequested reports whether the cancel signal file exists.
func (l *Layout) CancelRequested() bool {
	ok, _ := afero.Exists(l.fs, l.CancelPath())
	return ok
}

// WriteGraph writes graph.json.
func (l *Layout) WriteGraph(v any) error { return l.writeJSON(v, GraphFile) }

// WriteRecord writes an ExecutionRecord.
func (l *Layout) WriteRecord(rec models.ExecutionRecord) error {
	return l.writeJSON(rec, recordsDir, attemptName(rec.TaskID, rec.AttemptNumber)+".json")
}

// WriteValidation writes a ValidationReport.
func (l *Layout) WriteValidation(report models.ValidationReport) error {
	return l.writeJSON(report, validationDir, attemptName(report.TaskID, report.AttemptNumber)+".json")
}

// WriteConflicts writes every conflict detected during the run.
func (l *Layout) WriteConflicts(conflicts []models.ConflictRecord) error {
	if conflicts == nil {
		conflicts = []models.ConflictRecord{}
	}
	return l.writeJSON(conflicts, ConflictsFile)
}

// WriteMergeStep writes the plan and outcome of merge step k. Exactly one
// of result and rollback is expected to be non-nil after an apply.
func (l *Layout) WriteMergeStep(plan *models.MergePlan, result *models.MergeResult, rollback *models.RollbackReport) error {
	prefix := strconv.Itoa(plan.Step)
	if err := l.writeJSON(plan, mergeDir, stepsDir, prefix+"-plan.json"); err != nil {
		return err
	}
	if result != nil {
		if err := l.writeJSON(result, mergeDir, stepsDir, prefix+"-result.json"); err != nil {
			return err
		}
	}
	if rollback != nil {
		if err := l.writeJSON(rollback, mergeDir, stepsDir, prefix+"-rollback.json"); err != nil {
			return err
		}
	}
	return nil
}

// MergeDocument is merge/plan.json: every merge step of the run in order.
type MergeDocument struct {
	Steps []*models.MergePlan `json:"steps"`
}

// MergeOutcome is merge/result.json.
type MergeOutcome struct {
	Results      []*models.MergeResult `json:"results"`
	FilesWritten int                   `json:"files_written"`
	Applied      []string              `json:"applied"`
}

// WriteMergeSummary writes merge/plan.json and either merge/result.json or,
// when the run was rolled back, merge/rollback.json.
func (l *Layout) WriteMergeSummary(plans []*models.MergePlan, results []*models.MergeResult, rollback *models.RollbackReport) error {
	if plans == nil {
		plans = []*models.MergePlan{}
	}
	if err := l.writeJSON(MergeDocument{Steps: plans}, mergeDir, "plan.json"); err != nil {
		return err
	}
	if rollback != nil {
		return l.writeJSON(rollback, mergeDir, "rollback.json")
	}
	out := MergeOutcome{Results: results, Applied: []string{}}
	if out.Results == nil {
		out.Results = []*models.MergeResult{}
	}
	for _, r := range results {
		out.FilesWritten += r.FilesWritten
		out.Applied = append(out.Applied, r.Applied...)
	}
	return l.writeJSON(out, mergeDir, "result.json")
}

// WriteSummary writes summary.json.
func (l *Layout) WriteSummary(s models.RunSummary) error { return l.writeJSON(s, SummaryFile) }

// ReadSummary reads summary.json.
func (l *Layout) ReadSummary() (*models.RunSummary, error) {
	var s models.RunSummary
	if err := l.readJSON(&s, SummaryFile); err != nil {
		return nil, err
	}
	return &s, nil
}

// ReadConflicts reads conflicts.json. A missing file yields nil.
func (l *Layout) ReadConflicts() ([]models.ConflictRecord, error) {
	var out []models.ConflictRecord
	if err := l.readJSON(&out, ConflictsFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// WriteReport writes report.md.
func (l *Layout) WriteReport(markdown string) error {
	return l.writeFile([]byte(markdown), ReportFile)
}

// ReadReport reads report.md.
func (l *Layout) ReadReport() (string, error) {
	data, err := afero.ReadFile(l.fs, l.Path(ReportFile))
	if err != nil {
		return "", fmt.Errorf("read report: %w", err)
	}
	return string(data), nil
}

func (l *Layout) writeJSON(v any, elems ...string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Join(elems...), err)
	}
	return l.writeFile(append(data, '\n'), elems...)
}

// writeFile replaces the target through a temp file and rename so readers
// never see a partial document.
func (l *Layout) writeFile(data []byte, elems ...string) error {
	target := l.Path(elems...)
	dir := filepath.Dir(target)
	if err := l.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := afero.TempFile(l.fs, dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		l.fs.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		l.fs.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", target, err)
	}
	if err := l.fs.Rename(tmp.Name(), target); err != nil {
		l.fs.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", target, err)
	}
	return nil
}

func (l *Layout) readJSON(v any, elems ...string) error {
	data, err := afero.ReadFile(l.fs, l.Path(elems...))
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Join(elems...), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Join(elems...), err)
	}
	return nil
}
