package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTransition is returned when a node is moved to a state its
// current state does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// TaskStatus represents the current state of a task node.
type TaskStatus string

const (
	// TaskStatusPending indicates the node is waiting on its dependencies.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusReady indicates every dependency is merged and the node may launch.
	TaskStatusReady TaskStatus = "ready"
	// TaskStatusRunning indicates a worker process is executing the node.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusValidating indicates the worker exited 0 and its output is being checked.
	TaskStatusValidating TaskStatus = "validating"
	// TaskStatusValidated indicates the output passed validation and awaits merge.
	TaskStatusValidated TaskStatus = "validated"
	// TaskStatusConflicted indicates the merge was refused because of an unresolved conflict.
	TaskStatusConflicted TaskStatus = "conflicted"
	// TaskStatusMerged indicates the output was promoted into the final artifact tree.
	TaskStatusMerged TaskStatus = "merged"
	// TaskStatusFailed indicates the node failed permanently.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusBlocked indicates an ancestor failed and the node will never launch.
	TaskStatusBlocked TaskStatus = "blocked"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusReady, TaskStatusRunning, TaskStatusValidating,
		TaskStatusValidated, TaskStatusConflicted, TaskStatusMerged, TaskStatusFailed,
		TaskStatusBlocked:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transition is possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusMerged, TaskStatusFailed, TaskStatusConflicted, TaskStatusBlocked:
		return true
	default:
		return false
	}
}

// transitions lists the allowed target states for each state.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusReady, TaskStatusFailed, TaskStatusBlocked},
	TaskStatusReady:      {TaskStatusRunning, TaskStatusBlocked},
	TaskStatusRunning:    {TaskStatusValidating, TaskStatusFailed, TaskStatusReady},
	TaskStatusValidating: {TaskStatusValidated, TaskStatusFailed},
	TaskStatusValidated:  {TaskStatusMerged, TaskStatusConflicted, TaskStatusFailed},
}

// CanTransition reports whether a node may move from s to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// FailureKind classifies why a node failed or was blocked.
type FailureKind string

const (
	FailureTimeout          FailureKind = "timeout"
	FailureNonZeroExit      FailureKind = "non_zero_exit"
	FailureNoMatch          FailureKind = "no_match"
	FailureValidation       FailureKind = "validation"
	FailureConflict         FailureKind = "conflict"
	FailureMergeAborted     FailureKind = "merge_aborted"
	FailureLaunch           FailureKind = "launch"
	FailureDependencyFailed FailureKind = "dependency_failed"
	FailureCancelled        FailureKind = "cancelled"
)

// Valid returns true if the kind is a known value.
func (k FailureKind) Valid() bool {
	switch k {
	case FailureTimeout, FailureNonZeroExit, FailureNoMatch, FailureValidation,
		FailureConflict, FailureMergeAborted, FailureLaunch, FailureDependencyFailed,
		FailureCancelled:
		return true
	default:
		return false
	}
}

// FailureReason records why a node ended Failed, Blocked or Conflicted.
type FailureReason struct {
	Kind     FailureKind `json:"kind"`
	ExitCode int         `json:"exit_code,omitempty"`
	Message  string      `json:"message,omitempty"`
	// BlockedBy is the id of the task whose failure blocked this one.
	BlockedBy string `json:"blocked_by,omitempty"`
}

// String renders the reason as e.g. "NonZeroExit(2)" or "Timeout".
func (r FailureReason) String() string {
	switch r.Kind {
	case FailureNonZeroExit:
		return fmt.Sprintf("NonZeroExit(%d)", r.ExitCode)
	case FailureDependencyFailed:
		return fmt.Sprintf("Blocked(%s)", r.BlockedBy)
	}
	parts := strings.Split(string(r.Kind), "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "")
}

// TaskSpec is one entry of a task submission.
type TaskSpec struct {
	// ID is the unique identifier for this task within the submission.
	ID string `json:"id"`
	// Description is passed through to the worker.
	Description string `json:"description"`
	// Dependencies lists task IDs that must be merged before this task runs.
	Dependencies []string `json:"dependencies"`
	// CapabilityRequirements are the tags used to pick a specialist.
	CapabilityRequirements []string `json:"capability_requirements"`
	// CostEstimate weights the critical path. Nil means 1.
	CostEstimate *float64 `json:"cost_estimate,omitempty"`
	// TaskType selects a timeout class. Empty falls back to the specialist type.
	TaskType string `json:"task_type,omitempty"`
}

// Cost returns the estimated cost, defaulting to 1.
func (s TaskSpec) Cost() float64 {
	if s.CostEstimate == nil || *s.CostEstimate <= 0 {
		return 1
	}
	return *s.CostEstimate
}

// TaskNode is a task inside a built graph.
type TaskNode struct {
	ID                     string   `json:"id"`
	Description            string   `json:"description"`
	Dependencies           []string `json:"dependencies"`
	CapabilityRequirements []string `json:"capability_requirements"`
	Cost                   float64  `json:"cost"`
	TaskType               string   `json:"task_type,omitempty"`
	// Index is the position of the task in the original submission.
	Index int `json:"index"`
	// AssignedSpecialist is set once the matcher accepts a specialist.
	AssignedSpecialist *string      `json:"assigned_specialist"`
	Match              *MatchResult `json:"match,omitempty"`
	Status             TaskStatus   `json:"status"`
	// Failure is set when Status is failed, blocked or conflicted.
	Failure  *FailureReason `json:"failure,omitempty"`
	Attempts int            `json:"attempts"`
}

// NewTaskNode creates a pending node from a submission entry.
func NewTaskNode(spec TaskSpec, index int) *TaskNode {
	deps := make([]string, len(spec.Dependencies))
	copy(deps, spec.Dependencies)
	caps := make([]string, len(spec.CapabilityRequirements))
	copy(caps, spec.CapabilityRequirements)
	return &TaskNode{
		ID:                     spec.ID,
		Description:            spec.Description,
		Dependencies:           deps,
		CapabilityRequirements: caps,
		Cost:                   spec.Cost(),
		TaskType:               spec.TaskType,
		Index:                  index,
		Status:                 TaskStatusPending,
	}
}

// Specialist returns the assigned specialist type, or "" if none.
func (n *TaskNode) Specialist() string {
	if n.AssignedSpecialist == nil {
		return ""
	}
	return *n.AssignedSpecialist
}

// Transition moves the node to next, rejecting transitions that are not
// allowed from the current status.
func (n *TaskNode) Transition(next TaskStatus) error {
	if !n.Status.CanTransition(next) {
		return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, n.ID, n.Status, next)
	}
	n.Status = next
	if next == TaskStatusReady {
		n.Failure = nil
	}
	return nil
}

// Fail moves the node to a failure status (failed, blocked or conflicted)
// and records the reason.
func (n *TaskNode) Fail(next TaskStatus, reason FailureReason) error {
	if err := n.Transition(next); err != nil {
		return err
	}
	n.Failure = &reason
	return nil
}

// MatchResult is the outcome of matching a node against the catalog.
type MatchResult struct {
	SpecialistType string  `json:"specialist_type"`
	Confidence     float64 `json:"confidence"`
	Rationale      string  `json:"rationale"`
	// Matched and Missing list requirement tags found and not found.
	Matched []string `json:"matched,omitempty"`
	Missing []string `json:"missing,omitempty"`
	// Alternative is the runner-up specialist when confidence is low.
	Alternative *Alternative `json:"alternative,omitempty"`
}

// Alternative is a second-choice specialist.
type Alternative struct {
	SpecialistType string  `json:"specialist_type"`
	Confidence     float64 `json:"confidence"`
}
