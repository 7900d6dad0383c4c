// Package validation checks a worker's output directory against the output
// contract of its specialist. Five checks run in a fixed order: schema,
// completeness, format, success criteria and corruption.
package validation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ShayCichocki/ensemble/internal/exec"
	"github.com/ShayCichocki/ensemble/internal/logging"
	"github.com/ShayCichocki/ensemble/pkg/models"
)

// Check names, in pipeline order.
const (
	CheckSchema          = "schema"
	CheckCompleteness    = "completeness"
	CheckFormat          = "format"
	CheckSuccessCriteria = "success_criteria"
	CheckCorruption      = "corruption"
)

// DefaultCriterionTimeout bounds a success criterion that declares no timeout.
const DefaultCriterionTimeout = 5 * time.Minute

// ErrValidationFailed is the sentinel behind every ValidationError.
var ErrValidationFailed = errors.New("validation failed")

// ValidationError wraps a failed report.
type ValidationError struct {
	TaskID  string
	Attempt int
	Report  models.ValidationReport
}

func (e *ValidationError) Error() string {
	var failed []string
	for _, c := range e.Report.Checks {
		if c.Status == models.CheckFailed {
			failed = append(failed, fmt.Sprintf("%s: %s", c.CheckName, c.Message))
		}
	}
	return fmt.Sprintf("%s: task %s attempt %d: %s", ErrValidationFailed, e.TaskID, e.Attempt, strings.Join(failed, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// AsError returns a *ValidationError for a failed report and nil otherwise.
func AsError(report models.ValidationReport) error {
	if report.Passed() {
		return nil
	}
	return &ValidationError{TaskID: report.TaskID, Attempt: report.AttemptNumber, Report: report}
}

// Validator runs the check pipeline. It holds no per-run state and is safe
// for concurrent use.
type Validator struct {
	runner           exec.CommandRunner
	criterionTimeout time.Duration
	logger           *logging.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithCommandRunner replaces the runner used for success criteria.
func WithCommandRunner(r exec.CommandRunner) Option {
	return func(v *Validator) { v.runner = r }
}

// WithCriterionTimeout sets the default per-criterion timeout.
func WithCriterionTimeout(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.criterionTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// New creates a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{
		runner:           exec.NewRunner(),
		criterionTimeout: DefaultCriterionTimeout,
		logger:           logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs every check against record.OutputsDir. Every check is
// evaluated; after the first failed check, later checks other than
// corruption are reported as skipped with their evaluated outcome kept.
func (v *Validator) Validate(ctx context.Context, record models.ExecutionRecord, contract models.OutputContract) models.ValidationReport {
	log := v.logger.WithTask(record.TaskID).WithAttempt(record.AttemptNumber).WithPhase("validate")
	start := time.Now()

	entries := resolve(record.OutputsDir, contract.RequiredOutputs)
	checks := []models.CheckResult{
		checkSchema(entries),
		checkCompleteness(entries),
		checkFormat(entries),
		v.checkSuccessCriteria(ctx, record.OutputsDir, contract.SuccessCriteria),
		checkCorruption(entries),
	}

	report := buildReport(record, checks)
	log.Info("validation finished",
		"status", report.Status,
		"warnings", len(report.Warnings),
		"duration", time.Since(start).String(),
	)
	return report
}

func buildReport(record models.ExecutionRecord, checks []models.CheckResult) models.ValidationReport {
	failedAt := -1
	for i := range checks {
		if checks[i].Outcome == "" {
			checks[i].Outcome = checks[i].Status
		}
		if failedAt >= 0 && checks[i].CheckName != CheckCorruption {
			checks[i].Status = models.CheckSkipped
			if checks[i].Message == "" {
				checks[i].Message = "skipped"
			}
			checks[i].Message = fmt.Sprintf("skipped after %s failed (%s)", checks[failedAt].CheckName, checks[i].Message)
		}
		if failedAt < 0 && checks[i].Outcome == models.CheckFailed {
			failedAt = i
		}
	}

	report := models.ValidationReport{
		TaskID:        record.TaskID,
		AttemptNumber: record.AttemptNumber,
		Checks:        checks,
		Status:        models.CheckPassed,
	}
	for _, c := range checks {
		switch c.Status {
		case models.CheckSkipped:
		case models.CheckWarning:
			for _, f := range c.Findings {
				if f.Status == models.CheckWarning {
					report.Warnings = append(report.Warnings, fmt.Sprintf("%s: %s: %s", c.CheckName, f.Subject, f.Message))
				}
			}
		case models.CheckPassed:
		default:
			report.Status = models.CheckFailed
		}
	}
	return report
}

// entry is a required output resolved against the output directory.
type entry struct {
	out     models.RequiredOutput
	abs     string
	info    os.FileInfo
	statErr error
	escapes bool
}

func (e entry) exists() bool { return !e.escapes && e.statErr == nil }

// typeOK reports whether the entry exists with the declared type.
func (e entry) typeOK() bool {
	if !e.exists() {
		return false
	}
	if e.out.Type == models.OutputDirectory {
		return e.info.IsDir()
	}
	return e.info.Mode().IsRegular()
}

func resolve(dir string, outs []models.RequiredOutput) []entry {
	entries := make([]entry, 0, len(outs))
	for _, o := range outs {
		e := entry{out: o}
		if !filepath.IsLocal(filepath.FromSlash(o.Path)) {
			e.escapes = true
			entries = append(entries, e)
			continue
		}
		e.abs = filepath.Join(dir, filepath.FromSlash(o.Path))
		e.info, e.statErr = os.Stat(e.abs)
		entries = append(entries, e)
	}
	return entries
}

// outcome folds findings into a check status.
func outcome(findings []models.Finding) models.CheckStatus {
	status := models.CheckPassed
	for _, f := range findings {
		switch f.Status {
		case models.CheckFailed:
			return models.CheckFailed
		case models.CheckWarning:
			status = models.CheckWarning
		}
	}
	return status
}

// summarize builds a check result from its findings.
func summarize(name string, findings []models.Finding, empty string) models.CheckResult {
	res := models.CheckResult{CheckName: name, Findings: findings}
	res.Status = outcome(findings)
	res.Outcome = res.Status

	if len(findings) == 0 {
		res.Message = empty
		return res
	}
	var bad []string
	for _, f := range findings {
		if f.Status != models.CheckPassed {
			bad = append(bad, fmt.Sprintf("%s: %s", f.Subject, f.Message))
		}
	}
	if len(bad) == 0 {
		res.Message = fmt.Sprintf("%d item(s) ok", len(findings))
	} else {
		res.Message = strings.Join(bad, "; ")
	}
	return res
}
