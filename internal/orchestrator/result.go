package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/ensemble/internal/conflict"
	"github.com/ShayCichocki/ensemble/internal/graph"
	"github.com/ShayCichocki/ensemble/internal/merge"
	"github.com/ShayCichocki/ensemble/internal/report"
	"github.com/ShayCichocki/ensemble/pkg/models"
)

// RunResult is the outcome of Coordinator.Run.
type RunResult struct {
	RunID    string
	Snapshot graph.Snapshot
	Records  []models.ExecutionRecord
	Reports  []models.ValidationReport
	// Conflicts lists every conflict detected, across merge steps.
	Conflicts []models.ConflictRecord
	Plans     []*models.MergePlan
	Merges    []*models.MergeResult
	// Rollback is set when a merge step was rolled back.
	Rollback *models.RollbackReport
	// Errors holds the per-node errors (match, execution, validation,
	// conflict) and the merge error, if any.
	Errors   []error
	Summary  models.RunSummary
	ExitCode int
	DryRun   bool
	// ArtifactDir is the final tree merge steps promoted into.
	ArtifactDir string
}

// ReportInput converts the result for the report renderers.
func (r *RunResult) ReportInput() report.Input {
	return report.Input{
		Summary:     r.Summary,
		Graph:       r.Snapshot,
		Records:     r.Records,
		Reports:     r.Reports,
		Conflicts:   r.Conflicts,
		Plans:       r.Plans,
		Merges:      r.Merges,
		Rollback:    r.Rollback,
		ArtifactDir: r.ArtifactDir,
		DryRun:      r.DryRun,
	}
}

// GraphDocument is graph.json.
type GraphDocument struct {
	RunID string         `json:"run_id"`
	Graph graph.Snapshot `json:"graph"`
}

func (c *Coordinator) graphDocument() GraphDocument {
	return GraphDocument{RunID: c.RunID(), Graph: c.req.Graph.Snapshot()}
}

// mergeStep detects conflicts in the validated batch, plans it and applies
// the plan. A failed apply stops the run.
func (c *Coordinator) mergeStep(parent, ctx context.Context, cancelRun context.CancelFunc) {
	c.step++
	batch := c.validated
	c.validated = nil
	log := c.log.WithPhase("merge").With("step", c.step)

	records := make([]models.ExecutionRecord, 0, len(batch))
	policy := merge.Policy{Default: c.opts.policy, PerTask: make(map[string]models.ConflictPolicy)}
	for _, id := range batch {
		rec := c.latest[id]
		records = append(records, rec)
		if spec, ok := c.req.Catalog.Lookup(rec.SpecialistType); ok && spec.Contract.OnConflict != "" {
			policy.PerTask[id] = spec.Contract.OnConflict
		}
	}

	conflicts := conflict.DetectAgainst(records, c.ledger)
	conflict.ApplyResolutions(conflicts, c.resolutions)
	plan, err := merge.Plan(c.req.Graph, records, conflicts, policy)
	if err != nil {
		c.abort(parent, batch, fmt.Errorf("merge step %d: %w", c.step, err), cancelRun)
		return
	}
	plan.Step = c.step
	c.result.Plans = append(c.result.Plans, plan)
	c.result.Conflicts = append(c.result.Conflicts, plan.Conflicts...)
	log.Info("merge step planned", "tasks", len(batch), "conflicts", len(plan.Conflicts), "conflicted", len(plan.Conflicted))
	c.emit(Event{Type: EventMergeStarted, Step: c.step, Message: fmt.Sprintf("%d task(s)", len(plan.TaskIDs()))})

	res, rollback, err := c.applier.Apply(ctx, plan)
	if werr := c.req.Layout.WriteMergeStep(plan, res, rollback); werr != nil {
		log.Warn("write merge step failed", "error", werr)
	}
	if err != nil {
		c.result.Rollback = rollback
		c.emit(Event{Type: EventMergeRolledBack, Step: c.step, Message: err.Error()})
		c.abort(parent, batch, err, cancelRun)
		return
	}
	c.result.Merges = append(c.result.Merges, res)

	for _, ce := range merge.ConflictErrors(plan) {
		node := c.req.Graph.Node(ce.TaskID)
		reason := models.FailureReason{Kind: models.FailureConflict, Message: ce.Error()}
		c.result.Errors = append(c.result.Errors, ce)
		c.setFailed(node, models.TaskStatusConflicted, reason)
		c.blockDependents(ce.TaskID, reason)
	}
	applied := make(map[string]bool, len(res.Applied))
	for _, id := range res.Applied {
		applied[id] = true
	}
	for _, step := range plan.Steps {
		if applied[step.TaskID] {
			c.ledger.RecordStep(step)
		}
	}
	for _, id := range res.Applied {
		c.setStatus(c.req.Graph.Node(id), models.TaskStatusMerged)
	}
	c.promoteReady()
	c.emit(Event{Type: EventMergeCompleted, Step: c.step, Message: fmt.Sprintf("%d applied", len(res.Applied))})
}

// abort fails the batch and stops the run after a merge step could not be
// applied. A merge interrupted by cancellation counts as cancelled.
func (c *Coordinator) abort(parent context.Context, batch []string, err error, cancelRun context.CancelFunc) {
	kind := models.FailureMergeAborted
	if parent.Err() != nil || c.cancelRequested() {
		kind = models.FailureCancelled
	}
	c.result.Errors = append(c.result.Errors, err)
	reason := models.FailureReason{Kind: kind, Message: err.Error()}
	for _, id := range batch {
		node := c.req.Graph.Node(id)
		if node.Status == models.TaskStatusValidated {
			c.setFailed(node, models.TaskStatusFailed, reason)
		}
	}
	c.stop(kind, err.Error(), cancelRun)
}

func (c *Coordinator) cancelRequested() bool {
	if c.opts.cancel == nil {
		return false
	}
	select {
	case <-c.opts.cancel:
		return true
	default:
		return false
	}
}

// finish settles every remaining node, builds the summary and writes the
// run documents. It returns an error only when documents could not be
// written.
func (c *Coordinator) finish(started time.Time) error {
	stopped := models.FailureReason{Kind: c.stopReason, Message: c.stopMessage}
	for _, id := range c.validated {
		c.setFailed(c.req.Graph.Node(id), models.TaskStatusFailed, stopped)
	}
	c.validated = nil
	for _, n := range c.req.Graph.Nodes() {
		if n.Status != models.TaskStatusPending && n.Status != models.TaskStatusReady {
			continue
		}
		reason := stopped
		if c.stopReason == "" {
			reason = models.FailureReason{Kind: models.FailureDependencyFailed, BlockedBy: c.unmergedDependency(n)}
		}
		c.setFailed(n, models.TaskStatusBlocked, reason)
	}

	counts := make(map[models.TaskStatus]int)
	for _, n := range c.req.Graph.Nodes() {
		counts[n.Status]++
	}
	status := models.RunPartial
	switch {
	case c.stopReason == models.FailureMergeAborted:
		status = models.RunRolledBack
	case c.stopReason == models.FailureCancelled:
		status = models.RunCancelled
	case counts[models.TaskStatusMerged] == c.req.Graph.Len():
		status = models.RunSucceeded
	}

	var warnings []string
	for _, m := range c.result.Merges {
		warnings = append(warnings, m.Warnings...)
	}
	for _, r := range c.result.Reports {
		for _, w := range r.Warnings {
			warnings = append(warnings, fmt.Sprintf("%s attempt %d: %s", r.TaskID, r.AttemptNumber, w))
		}
	}
	if c.opts.emitter != nil {
		if n := c.opts.emitter.DroppedCount(); n > 0 {
			warnings = append(warnings, fmt.Sprintf("%d progress event(s) dropped", n))
		}
	}
	c.result.Errors = append(c.result.Errors, c.internal...)

	c.result.Summary = models.RunSummary{
		RunID:      c.RunID(),
		StartedAt:  started,
		EndedAt:    time.Now(),
		Status:     status,
		ExitCode:   status.ExitCode(),
		Counts:     counts,
		Blocked:    c.blocked,
		Warnings:   warnings,
		Attempts:   len(c.result.Records),
		MergeSteps: len(c.result.Merges),
	}
	c.result.ExitCode = c.result.Summary.ExitCode
	c.result.Snapshot = c.req.Graph.Snapshot()
	c.result.DryRun = c.opts.dryRun
	c.result.ArtifactDir = c.applier.FinalDir()

	c.log.Info("run finished",
		"status", string(status),
		"exit_code", c.result.ExitCode,
		"attempts", c.result.Summary.Attempts,
		"merge_steps", c.result.Summary.MergeSteps,
	)
	c.emit(Event{Type: EventRunDone, Message: string(status)})

	layout := c.req.Layout
	var errs []error
	if err := layout.WriteGraph(GraphDocument{RunID: c.RunID(), Graph: c.result.Snapshot}); err != nil {
		errs = append(errs, err)
	}
	if err := layout.WriteConflicts(c.result.Conflicts); err != nil {
		errs = append(errs, err)
	}
	if err := layout.WriteMergeSummary(c.result.Plans, c.result.Merges, c.result.Rollback); err != nil {
		errs = append(errs, err)
	}
	if err := layout.WriteSummary(c.result.Summary); err != nil {
		errs = append(errs, err)
	}
	if err := layout.WriteReport(report.Markdown(c.result.ReportInput())); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("write run documents: %w", err)
	}
	return nil
}

// unmergedDependency returns the first dependency of n that did not merge.
func (c *Coordinator) unmergedDependency(n *models.TaskNode) string {
	for _, dep := range c.req.Graph.Dependencies(n.ID) {
		if c.req.Graph.Node(dep).Status != models.TaskStatusMerged {
			return dep
		}
	}
	return ""
}
