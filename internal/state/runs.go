package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/ensemble/pkg/models"
)

// Run is one row of the run index.
type Run struct {
	ID          string
	Status      models.RunStatus
	RunDir      string
	ArtifactDir string
	TasksFile   string
	// PID of the ensemble process driving the run.
	PID        int
	NodeCount  int
	MergeSteps int
	// ExitCode is nil while the run is in progress.
	ExitCode  *int
	StartedAt time.Time
	EndedAt   *time.Time
}

// Node is the latest known state of one task in a run.
type Node struct {
	RunID      string
	TaskID     string
	Specialist string
	Status     models.TaskStatus
	Failure    string
	Attempts   int
	UpdatedAt  time.Time
}

// Attempt is one indexed ExecutionRecord.
type Attempt struct {
	RunID      string
	TaskID     string
	Attempt    int
	Specialist string
	ExitCode   int
	Failure    string
	// Validation is the report status, empty when the attempt was never validated.
	Validation models.CheckStatus
	StartedAt  time.Time
	EndedAt    time.Time
}

// CreateRun inserts a new run.
func (db *DB) CreateRun(r *Run) error {
	if r.Status == "" {
		r.Status = models.RunRunning
	}
	_, err := db.Exec(`
		INSERT INTO runs (id, status, run_dir, artifact_dir, tasks_file, pid, node_count, merge_steps, exit_code, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, string(r.Status), r.RunDir, r.ArtifactDir, nullString(r.TasksFile), r.PID,
		r.NodeCount, r.MergeSteps, nullableInt(r.ExitCode), formatTime(r.StartedAt), nullableTime(r.EndedAt))
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

// GetRun returns the run with id, or nil if it is not indexed.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.QueryRow(`
		SELECT id, status, run_dir, artifact_dir, tasks_file, pid, node_count, merge_steps, exit_code, started_at, ended_at
		FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

// UpdateRun writes every mutable column of r.
func (db *DB) UpdateRun(r *Run) error {
	result, err := db.Exec(`
		UPDATE runs SET status = ?, node_count = ?, merge_steps = ?, exit_code = ?, ended_at = ?
		WHERE id = ?
	`, string(r.Status), r.NodeCount, r.MergeSteps, nullableInt(r.ExitCode), nullableTime(r.EndedAt), r.ID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", r.ID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update run %s: not found", r.ID)
	}
	return nil
}

// FinishRun records the final status of a run.
func (db *DB) FinishRun(id string, status models.RunStatus, exitCode, mergeSteps int, endedAt time.Time) error {
	r, err := db.GetRun(id)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("finish run %s: not found", id)
	}
	r.Status = status
	r.ExitCode = &exitCode
	r.MergeSteps = mergeSteps
	r.EndedAt = &endedAt
	return db.UpdateRun(r)
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (db *DB) ListRuns(limit int) ([]Run, error) {
	query := `
		SELECT id, status, run_dir, artifact_dir, tasks_file, pid, node_count, merge_steps, exit_code, started_at, ended_at
		FROM runs ORDER BY started_at DESC, id
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// listRunsByStatus returns runs with the given status, oldest first.
func (db *DB) listRunsByStatus(status models.RunStatus) ([]Run, error) {
	rows, err := db.Query(`
		SELECT id, status, run_dir, artifact_dir, tasks_file, pid, node_count, merge_steps, exit_code, started_at, ended_at
		FROM runs WHERE status = ? ORDER BY started_at
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list %s runs: %w", status, err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		r         Run
		status    string
		tasksFile sql.NullString
		exitCode  sql.NullInt64
		startedAt string
		endedAt   sql.NullString
	)
	if err := s.Scan(&r.ID, &status, &r.RunDir, &r.ArtifactDir, &tasksFile, &r.PID,
		&r.NodeCount, &r.MergeSteps, &exitCode, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	r.Status = models.RunStatus(status)
	r.TasksFile = tasksFile.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	t, err := parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	r.StartedAt = t
	r.EndedAt = parseNullableTime(endedAt)
	return &r, nil
}

// UpsertNode stores the current state of node for runID.
func (db *DB) UpsertNode(runID string, node *models.TaskNode) error {
	failure := ""
	if node.Failure != nil {
		failure = node.Failure.String()
	}
	_, err := db.Exec(`
		INSERT INTO nodes (run_id, task_id, specialist, status, failure, attempts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, task_id) DO UPDATE SET
			specialist = excluded.specialist,
			status = excluded.status,
			failure = excluded.failure,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at
	`, runID, node.ID, nullString(node.Specialist()), string(node.Status), nullString(failure),
		node.Attempts, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert node %s/%s: %w", runID, node.ID, err)
	}
	return nil
}

// ListNodes returns the nodes of a run ordered by task id.
func (db *DB) ListNodes(runID string) ([]Node, error) {
	rows, err := db.Query(`
		SELECT run_id, task_id, specialist, status, failure, attempts, updated_at
		FROM nodes WHERE run_id = ? ORDER BY task_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var (
			n          Node
			specialist sql.NullString
			status     string
			failure    sql.NullString
			updatedAt  string
		)
		if err := rows.Scan(&n.RunID, &n.TaskID, &specialist, &status, &failure, &n.Attempts, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.Specialist = specialist.String
		n.Status = models.TaskStatus(status)
		n.Failure = failure.String
		if n.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// RecordAttempt indexes an execution record. validation is the report
// status, or empty if the attempt never reached validation.
func (db *DB) RecordAttempt(runID string, rec models.ExecutionRecord, validation models.CheckStatus) error {
	failure := ""
	if rec.Failure != nil {
		failure = rec.Failure.String()
	}
	_, err := db.Exec(`
		INSERT INTO attempts (run_id, task_id, attempt, specialist, exit_code, failure, validation, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, task_id, attempt) DO UPDATE SET
			exit_code = excluded.exit_code,
			failure = excluded.failure,
			validation = excluded.validation,
			ended_at = excluded.ended_at
	`, runID, rec.TaskID, rec.AttemptNumber, rec.SpecialistType, rec.ExitCode, nullString(failure),
		nullString(string(validation)), formatTime(rec.StartTime), formatTime(rec.EndTime))
	if err != nil {
		return fmt.Errorf("record attempt %s/%s#%d: %w", runID, rec.TaskID, rec.AttemptNumber, err)
	}
	return nil
}

// ListAttempts returns the attempts of a run, by task then attempt number.
// An empty taskID lists every task.
func (db *DB) ListAttempts(runID, taskID string) ([]Attempt, error) {
	query := `
		SELECT run_id, task_id, attempt, specialist, exit_code, failure, validation, started_at, ended_at
		FROM attempts WHERE run_id = ?`
	args := []any{runID}
	if taskID != "" {
		query += " AND task_id = ?"
		args = append(args, taskID)
	}
	query += " ORDER BY task_id, attempt"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var (
			a                  Attempt
			failure, valid     sql.NullString
			startedAt, endedAt string
		)
		if err := rows.Scan(&a.RunID, &a.TaskID, &a.Attempt, &a.Specialist, &a.ExitCode,
			&failure, &valid, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Failure = failure.String
		a.Validation = models.CheckStatus(valid.String)
		if a.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if a.EndedAt, err = parseTime(endedAt); err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
