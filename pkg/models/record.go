package models

import "time"

// ExecutionRecord describes one attempt at running a task. Records are
// written once and never modified; a retry produces a new record.
type ExecutionRecord struct {
	TaskID         string         `json:"task_id"`
	SpecialistType string         `json:"specialist_type"`
	AttemptNumber  int            `json:"attempt_number"`
	StartTime      time.Time      `json:"start_time"`
	EndTime        time.Time      `json:"end_time"`
	ExitCode       int            `json:"exit_code"`
	OutputsDir     string         `json:"outputs_dir"`
	StdoutRef      string         `json:"stdout_ref"`
	StderrRef      string         `json:"stderr_ref"`
	Failure        *FailureReason `json:"failure,omitempty"`
	// ErrorSignals are stderr lines that look like crashes or tracebacks.
	ErrorSignals []string `json:"error_signals,omitempty"`
	// Writes lists output paths relative to OutputsDir, sorted.
	Writes []string `json:"writes,omitempty"`
	// Affects lists the logical entities the output declares it modifies.
	Affects []AffectTag `json:"affects,omitempty"`
}

// Duration returns the wall time of the attempt.
func (r ExecutionRecord) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Succeeded reports whether the worker exited cleanly.
func (r ExecutionRecord) Succeeded() bool {
	return r.Failure == nil && r.ExitCode == 0
}

// CheckStatus is the result of a single validation check.
type CheckStatus string

const (
	CheckPassed  CheckStatus = "passed"
	CheckFailed  CheckStatus = "failed"
	CheckWarning CheckStatus = "warning"
	CheckSkipped CheckStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s CheckStatus) Valid() bool {
	switch s {
	case CheckPassed, CheckFailed, CheckWarning, CheckSkipped:
		return true
	default:
		return false
	}
}

// Finding is one item examined by a check, e.g. one success criterion.
type Finding struct {
	Subject string      `json:"subject"`
	Status  CheckStatus `json:"status"`
	Message string      `json:"message,omitempty"`
}

// CheckResult is one entry of a validation report.
type CheckResult struct {
	CheckName string      `json:"check_name"`
	Status    CheckStatus `json:"status"`
	Message   string      `json:"message"`
	// Outcome is what the check found, before an earlier failure masked it as skipped.
	Outcome  CheckStatus `json:"outcome"`
	Findings []Finding   `json:"findings,omitempty"`
}

// ValidationReport is produced once per execution record.
type ValidationReport struct {
	TaskID        string        `json:"task_id"`
	AttemptNumber int           `json:"attempt_number"`
	Checks        []CheckResult `json:"checks"`
	Status        CheckStatus   `json:"status"`
	Warnings      []string      `json:"warnings,omitempty"`
}

// Passed reports whether the output may be merged.
func (r ValidationReport) Passed() bool {
	return r.Status == CheckPassed
}

// Check returns the result with the given name.
func (r ValidationReport) Check(name string) (CheckResult, bool) {
	for _, c := range r.Checks {
		if c.CheckName == name {
			return c, true
		}
	}
	return CheckResult{}, false
}

// ConflictType classifies a conflict between two outputs.
type ConflictType string

const (
	ConflictResourceOverlap         ConflictType = "resource_overlap"
	ConflictSemanticIncompatibility ConflictType = "semantic_incompatibility"
)

// Valid returns true if the type is a known value.
func (t ConflictType) Valid() bool {
	return t == ConflictResourceOverlap || t == ConflictSemanticIncompatibility
}

// ConflictRecord describes a pair of outputs that cannot both be applied as-is.
type ConflictRecord struct {
	TaskA        string       `json:"task_a"`
	TaskB        string       `json:"task_b"`
	ConflictType ConflictType `json:"conflict_type"`
	ResourcePath string       `json:"resource_path,omitempty"`
	Description  string       `json:"description,omitempty"`
	// Resolution is set by a policy or a human decision.
	Resolution *string `json:"resolution"`
}

// Resolved reports whether a resolution has been chosen.
func (c ConflictRecord) Resolved() bool {
	return c.Resolution != nil && *c.Resolution != ""
}

// Involves reports whether taskID is one side of the conflict.
func (c ConflictRecord) Involves(taskID string) bool {
	return c.TaskA == taskID || c.TaskB == taskID
}

// MergeAction is what the merge coordinator does with a task's output.
type MergeAction string

const (
	MergeApply                MergeAction = "apply"
	MergeSkip                 MergeAction = "skip"
	MergeOverwriteWithWarning MergeAction = "overwrite_with_warning"
)

// Valid returns true if the action is a known value.
func (a MergeAction) Valid() bool {
	switch a {
	case MergeApply, MergeSkip, MergeOverwriteWithWarning:
		return true
	default:
		return false
	}
}

// MergeStep applies one task's output. Kept lists writes left out of Files
// because a task later in topological order already merged them.
type MergeStep struct {
	TaskID     string      `json:"task_id"`
	Action     MergeAction `json:"action"`
	SourceDir  string      `json:"source_dir"`
	Files      []string    `json:"files"`
	Overwrites []string    `json:"overwrites,omitempty"`
	Kept       []string    `json:"kept,omitempty"`
	Warnings   []string    `json:"warnings,omitempty"`
}

// MergePlan is the ordered, conflict-resolved list of steps for one merge.
type MergePlan struct {
	Step       int              `json:"step"`
	Steps      []MergeStep      `json:"steps"`
	Conflicted []string         `json:"conflicted,omitempty"`
	Conflicts  []ConflictRecord `json:"conflicts,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// TaskIDs returns the task ids of steps that will be applied.
func (p *MergePlan) TaskIDs() []string {
	ids := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		if s.Action != MergeSkip {
			ids = append(ids, s.TaskID)
		}
	}
	return ids
}

// VerificationResult is the outcome of the post-merge verification command.
type VerificationResult struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
	Passed   bool          `json:"passed"`
}

// MergeResult is returned by a successful apply.
type MergeResult struct {
	PlanStep     int                 `json:"plan_step"`
	Applied      []string            `json:"applied"`
	FilesWritten int                 `json:"files_written"`
	Warnings     []string            `json:"warnings,omitempty"`
	PromotedAt   time.Time           `json:"promoted_at"`
	DryRun       bool                `json:"dry_run,omitempty"`
	Verification *VerificationResult `json:"verification,omitempty"`
}

// RollbackReport is returned when an apply could not be promoted.
type RollbackReport struct {
	PlanStep int `json:"plan_step"`
	// StagedNotPromoted lists, in plan order, the steps staged before the failure.
	StagedNotPromoted []string            `json:"staged_not_promoted"`
	FailedStep        string              `json:"failed_step,omitempty"`
	Error             string              `json:"error"`
	Verification      *VerificationResult `json:"verification,omitempty"`
	RolledBackAt      time.Time           `json:"rolled_back_at"`
}

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	RunRunning      RunStatus = "running"
	RunSucceeded    RunStatus = "succeeded"
	RunPartial      RunStatus = "partial"
	RunRolledBack   RunStatus = "rolled_back"
	RunInvalidInput RunStatus = "invalid_input"
	RunCancelled    RunStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunSucceeded, RunPartial, RunRolledBack, RunInvalidInput, RunCancelled:
		return true
	default:
		return false
	}
}

// ExitCode maps a run status to the process exit code.
func (s RunStatus) ExitCode() int {
	switch s {
	case RunSucceeded:
		return 0
	case RunRolledBack:
		return 2
	case RunInvalidInput:
		return 3
	default:
		return 1
	}
}

// BlockedSubtree groups the nodes blocked by one root failure.
type BlockedSubtree struct {
	Root       string        `json:"root"`
	Reason     FailureReason `json:"reason"`
	Dependents []string      `json:"dependents"`
}

// RunSummary is written at the end of every run.
type RunSummary struct {
	RunID      string             `json:"run_id"`
	StartedAt  time.Time          `json:"started_at"`
	EndedAt    time.Time          `json:"ended_at"`
	Status     RunStatus          `json:"status"`
	ExitCode   int                `json:"exit_code"`
	Counts     map[TaskStatus]int `json:"counts"`
	Blocked    []BlockedSubtree   `json:"blocked,omitempty"`
	Warnings   []string           `json:"warnings,omitempty"`
	Attempts   int                `json:"attempts"`
	MergeSteps int                `json:"merge_steps"`
}
