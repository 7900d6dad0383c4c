package models

import (
	"testing"
	"time"
)

func TestRunStatus_ExitCode(t *testing.T) {
	tests := []struct {
		status RunStatus
		want   int
	}{
		{RunSucceeded, 0},
		{RunPartial, 1},
		{RunCancelled, 1},
		{RunRolledBack, 2},
		{RunInvalidInput, 3},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.ExitCode(); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExecutionRecord_Duration(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := ExecutionRecord{StartTime: start}
	if r.Duration() != 0 {
		t.Errorf("Duration of unfinished record = %v, want 0", r.Duration())
	}
	r.EndTime = start.Add(3 * time.Second)
	if r.Duration() != 3*time.Second {
		t.Errorf("Duration = %v, want 3s", r.Duration())
	}
	if !r.Succeeded() {
		t.Error("zero exit without failure should succeed")
	}
	r.Failure = &FailureReason{Kind: FailureTimeout}
	if r.Succeeded() {
		t.Error("timed out record should not succeed")
	}
}

func TestValidationReport_Check(t *testing.T) {
	r := ValidationReport{
		Status: CheckPassed,
		Checks: []CheckResult{
			{CheckName: "schema", Status: CheckPassed},
			{CheckName: "completeness", Status: CheckWarning},
		},
	}
	if !r.Passed() {
		t.Error("Passed() = false")
	}
	c, ok := r.Check("completeness")
	if !ok || c.Status != CheckWarning {
		t.Errorf("Check(completeness) = %+v, %v", c, ok)
	}
	if _, ok := r.Check("format"); ok {
		t.Error("Check(format) should not be found")
	}
}

func TestConflictRecord_Resolved(t *testing.T) {
	c := ConflictRecord{TaskA: "A", TaskB: "B"}
	if c.Resolved() {
		t.Error("nil resolution reported as resolved")
	}
	empty := ""
	c.Resolution = &empty
	if c.Resolved() {
		t.Error("empty resolution reported as resolved")
	}
	lww := string(PolicyLastWriterWins)
	c.Resolution = &lww
	if !c.Resolved() {
		t.Error("resolution not reported")
	}
	if !c.Involves("B") || c.Involves("C") {
		t.Error("Involves mismatch")
	}
}

func TestMergePlan_TaskIDs(t *testing.T) {
	p := &MergePlan{Steps: []MergeStep{
		{TaskID: "A", Action: MergeApply},
		{TaskID: "B", Action: MergeSkip},
		{TaskID: "C", Action: MergeOverwriteWithWarning},
	}}
	got := p.TaskIDs()
	if len(got) != 2 || got[0] != "A" || got[1] != "C" {
		t.Errorf("TaskIDs() = %v, want [A C]", got)
	}
}
