// Package merge turns validated task outputs into a merge plan and applies
// the plan to the final artifact tree through a staging directory, promoting
// it in one rename or not at all.
package merge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/ensemble/pkg/models"
)

var (
	// ErrConflict marks a task that was refused by an unresolved conflict.
	ErrConflict = errors.New("merge conflict")
	// ErrMergeAborted marks an apply that was rolled back.
	ErrMergeAborted = errors.New("merge aborted")
)

// ConflictError reports the unresolved conflicts that kept TaskID out of a
// merge step. It only affects that task.
type ConflictError struct {
	TaskID    string
	Conflicts []models.ConflictRecord
}

func (e *ConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		other := c.TaskB
		if other == e.TaskID {
			other = c.TaskA
		}
		parts = append(parts, fmt.Sprintf("%s on %s with %s", c.ConflictType, c.ResourcePath, other))
	}
	return fmt.Sprintf("%s: task %s: %s", ErrConflict, e.TaskID, strings.Join(parts, "; "))
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// ConflictErrors builds one ConflictError per conflicted task of plan, in
// plan order.
func ConflictErrors(plan *models.MergePlan) []*ConflictError {
	out := make([]*ConflictError, 0, len(plan.Conflicted))
	for _, id := range plan.Conflicted {
		ce := &ConflictError{TaskID: id}
		for _, c := range plan.Conflicts {
			if c.Involves(id) && refuses(c) {
				ce.Conflicts = append(ce.Conflicts, c)
			}
		}
		out = append(out, ce)
	}
	return out
}

// refuses reports whether c is a conflict that skips its tasks.
func refuses(c models.ConflictRecord) bool {
	if c.ConflictType == models.ConflictSemanticIncompatibility {
		return !c.Resolved()
	}
	return c.Resolution != nil && *c.Resolution == string(models.PolicyFailOnConflict)
}

// MergeError is a run-global failure: the apply was rolled back and the
// final tree is unchanged.
type MergeError struct {
	Step   int
	TaskID string
	// Op names the phase that failed: copy, stage, verify or promote.
	Op  string
	Err error
}

func (e *MergeError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s: step %d: %s %s: %v", ErrMergeAborted, e.Step, e.Op, e.TaskID, e.Err)
	}
	return fmt.Sprintf("%s: step %d: %s: %v", ErrMergeAborted, e.Step, e.Op, e.Err)
}

func (e *MergeError) Unwrap() []error { return []error{ErrMergeAborted, e.Err} }
