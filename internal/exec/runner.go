package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ErrEmptyCommand is returned when a process has no program to run.
var ErrEmptyCommand = errors.New("empty command")

// waitDelay bounds how long Wait blocks on I/O held open by orphaned
// grandchildren after the process group is killed.
const waitDelay = 2 * time.Second

// MaxShellOutput caps the combined output kept by RunShell.
const MaxShellOutput = 64 * 1024

// ExecRunner implements ProcessRunner and CommandRunner using os/exec.
type ExecRunner struct{}

// NewRunner creates a new ExecRunner.
func NewRunner() *ExecRunner {
	return &ExecRunner{}
}

// Start runs spec.Argv in its own process group.
func (r *ExecRunner) Start(ctx context.Context, spec ProcessSpec) (Result, error) {
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return Result{}, ErrEmptyCommand
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	return run(ctx, cmd, spec.Timeout)
}

// RunShell executes a shell command through "sh -c".
func (r *ExecRunner) RunShell(ctx context.Context, workDir string, command string, timeout time.Duration) (Result, error) {
	if command == "" {
		return Result{}, ErrEmptyCommand
	}
	var out cappedBuffer
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = workDir
	cmd.Stdout = &out
	cmd.Stderr = &out
	res, err := run(ctx, cmd, timeout)
	res.Output = out.Bytes()
	return res, err
}

// run starts cmd and waits for it, killing the process group on timeout or
// cancellation.
func run(ctx context.Context, cmd *exec.Cmd, timeout time.Duration) (Result, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	var res Result
	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer:
		res.TimedOut = true
		killGroup(cmd)
		waitErr = <-done
	case <-ctx.Done():
		res.Cancelled = true
		killGroup(cmd)
		waitErr = <-done
	}
	res.Duration = time.Since(start)

	res.ExitCode = 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else if !errors.Is(waitErr, exec.ErrWaitDelay) {
			return res, fmt.Errorf("wait %s: %w", cmd.Path, waitErr)
		}
	}
	if (res.TimedOut || res.Cancelled) && res.ExitCode == 0 {
		// Killed by signal: ExitCode reports -1.
		res.ExitCode = -1
	}
	return res, nil
}

// killGroup sends SIGKILL to the whole process group.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

// cappedBuffer keeps the last MaxShellOutput bytes written.
type cappedBuffer struct {
	buf bytes.Buffer
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	c.buf.Write(p)
	if over := c.buf.Len() - MaxShellOutput; over > 0 {
		c.buf.Next(over)
	}
	return n, nil
}

func (c *cappedBuffer) Bytes() []byte {
	return append([]byte(nil), c.buf.Bytes()...)
}

// Verify ExecRunner implements both interfaces at compile time.
var (
	_ ProcessRunner = (*ExecRunner)(nil)
	_ CommandRunner = (*ExecRunner)(nil)
)
