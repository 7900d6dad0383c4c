package state

import (
	"io"
	"time"

	"github.com/ShayCichocki/ensemble/pkg/models"
)

// RunStore handles run-level persistence.
type RunStore interface {
	CreateRun(r *Run) error
	GetRun(id string) (*Run, error)
	UpdateRun(r *Run) error
	FinishRun(id string, status models.RunStatus, exitCode, mergeSteps int, endedAt time.Time) error
	ListRuns(limit int) ([]Run, error)
}

// NodeStore handles per-task state within a run.
type NodeStore interface {
	UpsertNode(runID string, node *models.TaskNode) error
	ListNodes(runID string) ([]Node, error)
}

// AttemptStore indexes execution records.
type AttemptStore interface {
	RecordAttempt(runID string, rec models.ExecutionRecord, validation models.CheckStatus) error
	ListAttempts(runID, taskID string) ([]Attempt, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// StateStore is the run index as seen by the coordinator and the CLI.
type StateStore interface {
	io.Closer
	Migrator
	RunStore
	NodeStore
	AttemptStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ StateStore   = (*DB)(nil)
	_ Migrator     = (*DB)(nil)
	_ RunStore     = (*DB)(nil)
	_ NodeStore    = (*DB)(nil)
	_ AttemptStore = (*DB)(nil)
)
