package orchestrator

import (
	"time"

	"github.com/ShayCichocki/ensemble/pkg/models"
)

// EventType represents the type of coordinator event.
type EventType string

const (
	// EventRunStarted is emitted once matching is done and execution begins.
	EventRunStarted EventType = "run_started"
	// EventTaskStatus is emitted for every node state transition.
	EventTaskStatus EventType = "task_status"
	// EventMergeStarted indicates a merge step is being applied.
	EventMergeStarted EventType = "merge_started"
	// EventMergeCompleted indicates a merge step was promoted.
	EventMergeCompleted EventType = "merge_completed"
	// EventMergeRolledBack indicates a merge step failed and was rolled back.
	EventMergeRolledBack EventType = "merge_rolled_back"
	// EventRunCancelled indicates a cancel request was received.
	EventRunCancelled EventType = "run_cancelled"
	// EventRunDone is the last event of a run.
	EventRunDone EventType = "run_done"
)

// Event is emitted by the coordinator to observers such as the TUI.
type Event struct {
	Type   EventType
	RunID  string
	TaskID string
	// From and To are set for EventTaskStatus.
	From models.TaskStatus
	To   models.TaskStatus
	// Attempt is the current attempt number of the task, if any.
	Attempt int
	// Specialist is the assigned specialist type, if any.
	Specialist string
	Failure    *models.FailureReason
	// Step is the merge step number for merge events.
	Step int
	// Message provides additional context about the event.
	Message string
	// Total and Done count nodes; Done counts terminal nodes.
	Total     int
	Done      int
	Timestamp time.Time
}
