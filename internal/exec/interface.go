// Package exec runs worker processes and short shell commands. Every
// process is started in its own process group so that a timeout or
// cancellation kills the whole tree, not just the direct child.
package exec

import (
	"context"
	"io"
	"time"
)

// ProcessSpec describes one worker launch.
type ProcessSpec struct {
	// Argv is the program and its arguments. No shell is involved.
	Argv []string
	Dir  string
	// Env is appended to the parent environment.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	// Timeout kills the process group when exceeded. Zero means no limit.
	Timeout time.Duration
}

// Result describes how a process ended.
type Result struct {
	ExitCode int
	TimedOut bool
	// Cancelled is set when the context ended before the process did.
	Cancelled bool
	Duration  time.Duration
	// Output holds combined output for RunShell; it is empty for Start.
	Output []byte
}

// ProcessRunner launches worker processes. This abstraction allows the
// coordinator to be tested without spawning real workers.
type ProcessRunner interface {
	// Start runs the process and blocks until it exits, times out or ctx is
	// cancelled. A non-nil error means the process could not be started.
	Start(ctx context.Context, spec ProcessSpec) (Result, error)
}

// CommandRunner runs shell commands such as success criteria and merge
// verification.
type CommandRunner interface {
	// RunShell executes command through "sh -c" in workDir and returns the
	// exit code with combined output.
	RunShell(ctx context.Context, workDir string, command string, timeout time.Duration) (Result, error)
}
