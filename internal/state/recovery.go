package state

import (
	"database/sql"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/ShayCichocki/ensemble/pkg/models"
)

// StaleRun is a run left in the running state by a process that is gone.
type StaleRun struct {
	ID        string
	PID       int
	StartedAt time.Time
}

// FindStaleRuns returns runs still marked running whose driving process no
// longer exists.
func (db *DB) FindStaleRuns() ([]StaleRun, error) {
	runs, err := db.listRunsByStatus(models.RunRunning)
	if err != nil {
		return nil, err
	}
	var stale []StaleRun
	for _, r := range runs {
		if isProcessAlive(r.PID) {
			continue
		}
		stale = append(stale, StaleRun{ID: r.ID, PID: r.PID, StartedAt: r.StartedAt})
	}
	return stale, nil
}

// RecoverStaleRuns marks every stale run cancelled, along with its
// non-terminal nodes, and returns the ids it touched.
func (db *DB) RecoverStaleRuns() ([]string, error) {
	stale, err := db.FindStaleRuns()
	if err != nil {
		return nil, fmt.Errorf("find stale runs: %w", err)
	}

	now := formatTime(time.Now())
	exitCode := models.RunCancelled.ExitCode()
	var ids []string
	for _, s := range stale {
		err := db.Transaction(func(tx *sql.Tx) error {
			if _, err := tx.Exec(`UPDATE runs SET status = ?, exit_code = ?, ended_at = ? WHERE id = ? AND status = ?`,
				string(models.RunCancelled), exitCode, now, s.ID, string(models.RunRunning)); err != nil {
				return err
			}
			_, err := tx.Exec(`
				UPDATE nodes SET status = ?, failure = ?, updated_at = ?
				WHERE run_id = ? AND status NOT IN (?, ?, ?, ?)
			`, string(models.TaskStatusBlocked), models.FailureReason{Kind: models.FailureCancelled}.String(), now, s.ID,
				string(models.TaskStatusMerged), string(models.TaskStatusFailed),
				string(models.TaskStatusConflicted), string(models.TaskStatusBlocked))
			return err
		})
		if err != nil {
			return ids, fmt.Errorf("recover run %s: %w", s.ID, err)
		}
		ids = append(ids, s.ID)
	}
	return ids, nil
}

// isProcessAlive checks if a process with the given PID is still running.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
