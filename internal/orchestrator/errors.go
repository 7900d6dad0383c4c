package orchestrator

import (
	"errors"
	"fmt"

	"github.com/ShayCichocki/ensemble/pkg/models"
)

var (
	// ErrTimeout marks an attempt killed for exceeding its timeout.
	ErrTimeout = errors.New("worker timed out")
	// ErrNonZeroExit marks an attempt that exited with a non-zero code.
	ErrNonZeroExit = errors.New("worker exited non-zero")
	// ErrLaunch marks an attempt whose process could not be started.
	ErrLaunch = errors.New("worker launch failed")
	// ErrCancelled marks an attempt killed because the run stopped.
	ErrCancelled = errors.New("worker cancelled")
)

// ExecutionError describes one failed attempt.
type ExecutionError struct {
	TaskID   string
	Attempt  int
	Kind     error
	ExitCode int
	// Transient is set when the failure qualified for a retry.
	Transient bool
	// Err is the underlying launch error, if any.
	Err error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("task %s attempt %d: %v", e.TaskID, e.Attempt, e.Kind)
	if errors.Is(e.Kind, ErrNonZeroExit) {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Reason converts the error into the FailureReason stored on the node.
func (e *ExecutionError) Reason() models.FailureReason {
	switch {
	case errors.Is(e.Kind, ErrTimeout):
		return models.FailureReason{Kind: models.FailureTimeout, Message: e.Error()}
	case errors.Is(e.Kind, ErrNonZeroExit):
		return models.FailureReason{Kind: models.FailureNonZeroExit, ExitCode: e.ExitCode, Message: e.Error()}
	case errors.Is(e.Kind, ErrCancelled):
		return models.FailureReason{Kind: models.FailureCancelled, Message: e.Error()}
	default:
		return models.FailureReason{Kind: models.FailureLaunch, Message: e.Error()}
	}
}
