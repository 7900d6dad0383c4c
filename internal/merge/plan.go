package merge

import (
	"fmt"
	"sort"
	"time"

	"github.com/ShayCichocki/ensemble/pkg/models"
)

// Ordering supplies the topological order candidates are merged in.
type Ordering interface {
	TopologicalOrder() []string
}

// Policy chooses how unresolved resource overlaps are handled.
type Policy struct {
	// Default applies to every task without an override.
	Default models.ConflictPolicy
	// PerTask holds overrides from specialist contracts, keyed by task id.
	PerTask map[string]models.ConflictPolicy
}

// For returns the policy in force for taskID.
func (p Policy) For(taskID string) models.ConflictPolicy {
	if pol, ok := p.PerTask[taskID]; ok && pol != "" {
		return pol
	}
	if p.Default == "" {
		return models.PolicyLastWriterWins
	}
	return p.Default
}

// failsOn reports whether either side of c asks to fail on conflict.
func (p Policy) failsOn(c models.ConflictRecord) bool {
	return p.For(c.TaskA) == models.PolicyFailOnConflict || p.For(c.TaskB) == models.PolicyFailOnConflict
}

// Plan orders records topologically and resolves conflicts under policy.
// Conflicts are copied into the plan with their resolutions set; the input
// slice is not modified. Conflicts may name tasks outside records (owners of
// resources merged by an earlier step); those sides are never planned.
func Plan(order Ordering, records []models.ExecutionRecord, conflicts []models.ConflictRecord, policy Policy) (*models.MergePlan, error) {
	byID := make(map[string]models.ExecutionRecord, len(records))
	for _, r := range records {
		if _, dup := byID[r.TaskID]; dup {
			return nil, fmt.Errorf("plan merge: task %s submitted twice", r.TaskID)
		}
		byID[r.TaskID] = r
	}

	pos := make(map[string]int, len(records))
	topo := make(map[string]int)
	var ordered []string
	for i, id := range order.TopologicalOrder() {
		topo[id] = i
		if _, ok := byID[id]; ok {
			pos[id] = len(ordered)
			ordered = append(ordered, id)
		}
	}
	if len(ordered) != len(records) {
		return nil, fmt.Errorf("plan merge: %d record(s) not in graph", len(records)-len(ordered))
	}

	plan := &models.MergePlan{
		Conflicts: make([]models.ConflictRecord, len(conflicts)),
		CreatedAt: time.Now(),
	}
	copy(plan.Conflicts, conflicts)

	// First pass: decide which tasks are refused.
	conflicted := make(map[string]bool)
	refuse := func(c models.ConflictRecord) {
		for _, id := range []string{c.TaskA, c.TaskB} {
			if _, ok := byID[id]; ok {
				conflicted[id] = true
			}
		}
	}
	for i := range plan.Conflicts {
		c := &plan.Conflicts[i]
		switch {
		case c.ConflictType == models.ConflictSemanticIncompatibility:
			if !c.Resolved() {
				refuse(*c)
			}
		case c.Resolved():
			if refuses(*c) {
				refuse(*c)
			}
		case policy.failsOn(*c):
			setResolution(c, string(models.PolicyFailOnConflict))
			refuse(*c)
		default:
			setResolution(c, string(models.PolicyLastWriterWins))
		}
	}

	// Second pass: overlaps between tasks that are both applied become
	// overwrites of the later one. A ledger owner that sorts after the
	// candidate keeps its version; the candidate skips that path.
	overwrites := make(map[string][]string)
	kept := make(map[string][]string)
	warnings := make(map[string][]string)
	for _, c := range plan.Conflicts {
		if c.ConflictType != models.ConflictResourceOverlap || refuses(c) {
			continue
		}
		earlier, later := c.TaskA, c.TaskB
		_, aPlanned := byID[earlier]
		_, bPlanned := byID[later]
		switch {
		case aPlanned && bPlanned:
			if pos[later] < pos[earlier] {
				earlier, later = later, earlier
			}
		case aPlanned || bPlanned:
			owner, candidate := earlier, later
			if aPlanned {
				owner, candidate = later, earlier
			}
			if conflicted[candidate] {
				continue
			}
			if topo[owner] > topo[candidate] {
				kept[candidate] = append(kept[candidate], c.ResourcePath)
				warnings[candidate] = append(warnings[candidate],
					fmt.Sprintf("%s skips %s: %s is later in topological order and keeps its version", candidate, c.ResourcePath, owner))
				continue
			}
			earlier, later = owner, candidate
		default:
			continue
		}
		if conflicted[later] || conflicted[earlier] {
			continue
		}
		overwrites[later] = append(overwrites[later], c.ResourcePath)
		warnings[later] = append(warnings[later],
			fmt.Sprintf("%s overwrites %s from %s (%s)", later, c.ResourcePath, earlier, *c.Resolution))
	}

	for _, id := range ordered {
		rec := byID[id]
		step := models.MergeStep{TaskID: id, SourceDir: rec.OutputsDir}
		switch {
		case conflicted[id]:
			step.Action = models.MergeSkip
			plan.Conflicted = append(plan.Conflicted, id)
		default:
			step.Action = models.MergeApply
			if len(overwrites[id]) > 0 {
				step.Action = models.MergeOverwriteWithWarning
				step.Overwrites = uniqueSorted(overwrites[id])
			}
			step.Files = without(rec.Writes, kept[id])
			if len(kept[id]) > 0 {
				step.Kept = uniqueSorted(kept[id])
			}
			step.Warnings = warnings[id]
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}

func setResolution(c *models.ConflictRecord, r string) {
	c.Resolution = &r
}

// without returns files minus every path in drop, preserving order.
func without(files, drop []string) []string {
	skip := make(map[string]bool, len(drop))
	for _, d := range drop {
		skip[d] = true
	}
	out := make([]string, 0, len(files))
	for _, f := range files {
		if !skip[f] {
			out = append(out, f)
		}
	}
	return out
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
