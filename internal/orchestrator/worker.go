package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/ShayCichocki/ensemble/internal/conflict"
	iexec "github.com/ShayCichocki/ensemble/internal/exec"
	"github.com/ShayCichocki/ensemble/pkg/models"
)

// attempt describes one worker launch prepared by the coordinator.
type attempt struct {
	taskID     string
	number     int
	specialist *models.Specialist
	argv       []string
	env        []string
	outputDir  string
	stdoutPath string
	stderrPath string
	runDir     string
	timeout    time.Duration
}

// attemptDone is sent back to the coordinator when a worker ends.
type attemptDone struct {
	record models.ExecutionRecord
	result iexec.Result
	// err is a launch failure: the process never ran.
	err error
}

// run executes the attempt and builds its ExecutionRecord. It never
// touches node state.
func (a attempt) run(ctx context.Context, runner iexec.ProcessRunner) attemptDone {
	rec := models.ExecutionRecord{
		TaskID:         a.taskID,
		SpecialistType: a.specialist.Type,
		AttemptNumber:  a.number,
		OutputsDir:     a.outputDir,
		StdoutRef:      a.ref(a.stdoutPath),
		StderrRef:      a.ref(a.stderrPath),
		StartTime:      time.Now(),
	}
	done := attemptDone{}

	var pc panics.Catcher
	pc.Try(func() {
		done.result, done.err = a.exec(ctx, runner)
	})
	if r := pc.Recovered(); r != nil {
		done.err = r.AsError()
	}
	rec.EndTime = time.Now()
	rec.ExitCode = done.result.ExitCode
	rec.ErrorSignals = scanStderr(a.stderrPath)

	if done.err == nil && done.result.ExitCode == 0 && !done.result.TimedOut && !done.result.Cancelled {
		rec.Writes, rec.Affects, rec.ErrorSignals = a.collect(rec.ErrorSignals)
	}
	done.record = rec
	return done
}

func (a attempt) exec(ctx context.Context, runner iexec.ProcessRunner) (iexec.Result, error) {
	stdout, err := os.Create(a.stdoutPath)
	if err != nil {
		return iexec.Result{}, fmt.Errorf("create stdout capture: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(a.stderrPath)
	if err != nil {
		return iexec.Result{}, fmt.Errorf("create stderr capture: %w", err)
	}
	defer stderr.Close()

	return runner.Start(ctx, iexec.ProcessSpec{
		Argv:    a.argv,
		Dir:     a.outputDir,
		Env:     a.env,
		Stdout:  stdout,
		Stderr:  stderr,
		Timeout: a.timeout,
	})
}

// collect fills the resources the output declares. Manifest problems are
// reported as error signals; validation decides whether the output is
// usable.
func (a attempt) collect(signals []string) ([]string, []models.AffectTag, []string) {
	writes, err := conflict.CollectWrites(a.outputDir)
	if err != nil {
		signals = append(signals, "collect outputs: "+err.Error())
	}
	manifest, err := conflict.LoadAffects(a.outputDir)
	if err != nil {
		signals = append(signals, err.Error())
	}
	return writes, conflict.MergeAffects(a.specialist.Contract.Affects, manifest), signals
}

// ref returns path relative to the run directory when possible.
func (a attempt) ref(path string) string {
	if rel, err := filepath.Rel(a.runDir, path); err == nil && filepath.IsLocal(rel) {
		return filepath.ToSlash(rel)
	}
	return path
}

func scanStderr(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	return iexec.ScanErrorSignals(f)
}
