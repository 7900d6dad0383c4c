package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"

	"github.com/ShayCichocki/ensemble/internal/graph"
	"github.com/ShayCichocki/ensemble/internal/submission"
)

// Process exit codes.
const (
	exitOK           = 0
	exitIncomplete   = 1
	exitRolledBack   = 2
	exitInvalidInput = 3
)

// errInvalidInput marks a task file or catalog that could not be used.
var errInvalidInput = errors.New("invalid input")

// exitError carries an exit code out of a command. A nil err exits quietly;
// the command has already reported the outcome.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// withCode returns an error that exits with code. A zero code returns err.
func withCode(code int, err error) error {
	if code == exitOK {
		return err
	}
	return &exitError{code: code, err: err}
}

// invalidInput wraps a load error so it maps to exitInvalidInput.
func invalidInput(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", errInvalidInput, err)
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	var ge *graph.GraphError
	switch {
	case errors.As(err, &ge),
		errors.Is(err, errInvalidInput),
		errors.Is(err, submission.ErrInvalidTasks),
		errors.Is(err, submission.ErrInvalidCatalog):
		return exitInvalidInput
	}
	return exitIncomplete
}

// errorMessage is what Execute prints for err, empty for quiet exits.
func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	var ee *exitError
	if errors.As(err, &ee) && ee.err == nil {
		return ""
	}
	return err.Error()
}

func okMark() string   { return color.GreenString("✓") }
func failMark() string { return color.RedString("✗") }
func warnMark() string { return color.YellowString("!") }
