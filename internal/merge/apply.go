package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/spf13/afero"

	"github.com/ShayCichocki/ensemble/internal/exec"
	"github.com/ShayCichocki/ensemble/internal/logging"
	"github.com/ShayCichocki/ensemble/pkg/models"
)

// affectsManifest is never merged into the final tree.
const affectsManifest = "affects.json"

// Applier applies merge plans to one final artifact directory.
type Applier struct {
	fs            afero.Fs
	finalDir      string
	exclude       []glob.Glob
	patterns      []string
	verifyCommand string
	verifyTimeout time.Duration
	runner        exec.CommandRunner
	dryRun        bool
	logger        *logging.Logger
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithFs replaces the filesystem. Tests use it to inject failures.
func WithFs(fs afero.Fs) ApplierOption {
	return func(a *Applier) { a.fs = fs }
}

// WithExclude skips files whose slash-separated relative path matches any
// of the glob patterns.
func WithExclude(patterns ...string) ApplierOption {
	return func(a *Applier) { a.patterns = append(a.patterns, patterns...) }
}

// WithVerify runs command in the staging directory before promotion; a
// non-zero exit rolls the apply back.
func WithVerify(command string, timeout time.Duration, runner exec.CommandRunner) ApplierOption {
	return func(a *Applier) {
		a.verifyCommand = command
		a.verifyTimeout = timeout
		if runner != nil {
			a.runner = runner
		}
	}
}

// WithDryRun makes Apply compute the result without touching disk.
func WithDryRun(dry bool) ApplierOption {
	return func(a *Applier) { a.dryRun = dry }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ApplierOption {
	return func(a *Applier) { a.logger = l }
}

// NewApplier creates an Applier for finalDir.
func NewApplier(finalDir string, opts ...ApplierOption) (*Applier, error) {
	abs, err := filepath.Abs(finalDir)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact dir: %w", err)
	}
	a := &Applier{
		fs:       afero.NewOsFs(),
		finalDir: abs,
		runner:   exec.NewRunner(),
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	for _, p := range a.patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("compile exclude pattern %q: %w", p, err)
		}
		a.exclude = append(a.exclude, g)
	}
	return a, nil
}

// FinalDir returns the absolute artifact directory.
func (a *Applier) FinalDir() string { return a.finalDir }

// Excluded reports whether rel is kept out of the final tree.
func (a *Applier) Excluded(rel string) bool {
	if rel == affectsManifest {
		return true
	}
	for _, g := range a.exclude {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// Apply stages the current final tree plus every non-skipped step, runs the
// verify command if configured, and promotes staging into place. On any
// failure before promotion the staging tree is removed, the final tree is
// untouched, and a RollbackReport plus *MergeError are returned.
func (a *Applier) Apply(ctx context.Context, plan *models.MergePlan) (*models.MergeResult, *models.RollbackReport, error) {
	log := a.logger.WithPhase("merge").With("step", plan.Step)

	if a.dryRun {
		return a.dryRunResult(plan), nil, nil
	}

	staging := fmt.Sprintf("%s.staging-%d", a.finalDir, plan.Step)
	var staged []string

	fail := func(taskID, op string, err error, verification *models.VerificationResult) (*models.MergeResult, *models.RollbackReport, error) {
		if rmErr := a.fs.RemoveAll(staging); rmErr != nil {
			log.Warn("remove staging failed", "error", rmErr)
		}
		merr := &MergeError{Step: plan.Step, TaskID: taskID, Op: op, Err: err}
		report := &models.RollbackReport{
			PlanStep:          plan.Step,
			StagedNotPromoted: append([]string{}, staged...),
			FailedStep:        taskID,
			Error:             merr.Error(),
			Verification:      verification,
			RolledBackAt:      time.Now(),
		}
		log.Error("merge rolled back", "op", op, "task_id", taskID, "error", err)
		return nil, report, merr
	}

	if err := a.fs.RemoveAll(staging); err != nil {
		return fail("", "copy", fmt.Errorf("clear stale staging: %w", err), nil)
	}
	if err := a.fs.MkdirAll(staging, 0755); err != nil {
		return fail("", "copy", fmt.Errorf("create staging: %w", err), nil)
	}
	if err := a.copyTree(a.finalDir, staging); err != nil {
		return fail("", "copy", err, nil)
	}

	result := &models.MergeResult{PlanStep: plan.Step}
	for _, step := range plan.Steps {
		if step.Action == models.MergeSkip {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fail(step.TaskID, "stage", err, nil)
		}
		n, err := a.stageStep(step, staging)
		if err != nil {
			return fail(step.TaskID, "stage", err, nil)
		}
		staged = append(staged, step.TaskID)
		result.Applied = append(result.Applied, step.TaskID)
		result.FilesWritten += n
		result.Warnings = append(result.Warnings, step.Warnings...)
		log.Debug("step staged", "task_id", step.TaskID, "files", n, "action", step.Action)
	}

	if a.verifyCommand != "" {
		v := a.verify(ctx, staging)
		if !v.Passed {
			return fail("", "verify", fmt.Errorf("verify command exited %d", v.ExitCode), v)
		}
		result.Verification = v
	}

	if err := a.promote(staging, plan.Step); err != nil {
		return fail("", "promote", err, nil)
	}
	result.PromotedAt = time.Now()
	log.Info("merge promoted", "applied", len(result.Applied), "files", result.FilesWritten)
	return result, nil, nil
}

func (a *Applier) dryRunResult(plan *models.MergePlan) *models.MergeResult {
	res := &models.MergeResult{PlanStep: plan.Step, DryRun: true}
	for _, step := range plan.Steps {
		if step.Action == models.MergeSkip {
			continue
		}
		res.Applied = append(res.Applied, step.TaskID)
		for _, f := range step.Files {
			if !a.Excluded(f) {
				res.FilesWritten++
			}
		}
		res.Warnings = append(res.Warnings, step.Warnings...)
	}
	return res
}

// stageStep copies the step's files from its source dir into staging and
// returns how many were written.
func (a *Applier) stageStep(step models.MergeStep, staging string) (int, error) {
	n := 0
	for _, rel := range step.Files {
		rel = path.Clean(rel)
		if !filepath.IsLocal(filepath.FromSlash(rel)) {
			return n, fmt.Errorf("file %q escapes the output directory", rel)
		}
		if a.Excluded(rel) {
			continue
		}
		src := filepath.Join(step.SourceDir, filepath.FromSlash(rel))
		dst := filepath.Join(staging, filepath.FromSlash(rel))
		if err := a.copyFile(src, dst); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// copyTree copies src into dst. A missing src is an empty tree.
func (a *Applier) copyTree(src, dst string) error {
	exists, err := afero.DirExists(a.fs, src)
	if err != nil {
		return fmt.Errorf("stat artifact dir: %w", err)
	}
	if !exists {
		return nil
	}
	return afero.Walk(a.fs, src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return a.fs.MkdirAll(target, info.Mode().Perm()|0700)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return a.copyFile(p, target)
	})
}

func (a *Applier) copyFile(src, dst string) error {
	in, err := a.fs.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	if err := a.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create dir for %s: %w", dst, err)
	}
	out, err := a.fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}

func (a *Applier) verify(ctx context.Context, staging string) *models.VerificationResult {
	res, err := a.runner.RunShell(ctx, staging, a.verifyCommand, a.verifyTimeout)
	v := &models.VerificationResult{
		Command:  a.verifyCommand,
		ExitCode: res.ExitCode,
		Output:   strings.TrimSpace(string(res.Output)),
		Duration: res.Duration,
	}
	switch {
	case err != nil:
		v.ExitCode = -1
		v.Output = err.Error()
	case res.TimedOut:
		v.Output = strings.TrimSpace(v.Output + "\ntimed out")
	case res.Cancelled:
	default:
		v.Passed = res.ExitCode == 0
	}
	return v
}

// promote swaps staging into place: the old tree is renamed aside, staging
// is renamed to the final path, then the old tree is removed. If the second
// rename fails the old tree is restored.
func (a *Applier) promote(staging string, step int) error {
	old := fmt.Sprintf("%s.old-%d", a.finalDir, step)
	exists, err := afero.DirExists(a.fs, a.finalDir)
	if err != nil {
		return fmt.Errorf("stat artifact dir: %w", err)
	}

	if !exists {
		if err := a.fs.MkdirAll(filepath.Dir(a.finalDir), 0755); err != nil {
			return fmt.Errorf("create artifact parent: %w", err)
		}
		if err := a.fs.Rename(staging, a.finalDir); err != nil {
			return fmt.Errorf("rename staging: %w", err)
		}
		return nil
	}

	if err := a.fs.RemoveAll(old); err != nil {
		return fmt.Errorf("clear old tree: %w", err)
	}
	if err := a.fs.Rename(a.finalDir, old); err != nil {
		return fmt.Errorf("move artifact dir aside: %w", err)
	}
	if err := a.fs.Rename(staging, a.finalDir); err != nil {
		if restoreErr := a.fs.Rename(old, a.finalDir); restoreErr != nil {
			return errors.Join(fmt.Errorf("rename staging: %w", err), fmt.Errorf("restore artifact dir: %w", restoreErr))
		}
		return fmt.Errorf("rename staging: %w", err)
	}
	if err := a.fs.RemoveAll(old); err != nil {
		a.logger.Warn("remove previous artifact tree failed", "path", old, "error", err)
	}
	return nil
}
