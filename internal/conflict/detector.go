// Package conflict finds overlapping writes and incompatible declared effects
// among task outputs that are about to be merged together.
package conflict

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ShayCichocki/ensemble/pkg/models"
)

// Ledger maps a resource path already promoted into the final tree to the
// task that wrote it.
type Ledger map[string]string

// Record adds every write of rec to the ledger.
func (l Ledger) Record(rec models.ExecutionRecord) {
	for _, w := range rec.Writes {
		l[w] = rec.TaskID
	}
}

// RecordStep adds the files an applied merge step wrote. Paths the step
// kept from a later owner stay with that owner.
func (l Ledger) RecordStep(step models.MergeStep) {
	for _, f := range step.Files {
		l[f] = step.TaskID
	}
}

// Detect compares every pair of candidates. Pairs are reported with task_a
// being the earlier candidate; the result is sorted by resource, then by
// candidate order of task_a and task_b.
func Detect(candidates []models.ExecutionRecord) []models.ConflictRecord {
	return DetectAgainst(candidates, nil)
}

// DetectAgainst is Detect plus overlap with resources promoted by earlier
// merge steps. Ledger owners come first in those records.
func DetectAgainst(candidates []models.ExecutionRecord, ledger Ledger) []models.ConflictRecord {
	order := make(map[string]int, len(candidates))
	for i, c := range candidates {
		order[c.TaskID] = i
	}

	var out []models.ConflictRecord
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			out = append(out, overlaps(candidates[i], candidates[j])...)
			out = append(out, incompatibilities(candidates[i], candidates[j])...)
		}
	}
	for _, c := range candidates {
		for _, w := range uniqueSorted(c.Writes) {
			owner, ok := ledger[w]
			if !ok || owner == c.TaskID {
				continue
			}
			out = append(out, models.ConflictRecord{
				TaskA:        owner,
				TaskB:        c.TaskID,
				ConflictType: models.ConflictResourceOverlap,
				ResourcePath: w,
				Description:  fmt.Sprintf("%s rewrites %s, already merged from %s", c.TaskID, w, owner),
			})
		}
	}

	// Ledger owners are not candidates and sort before them.
	rank := func(id string) int {
		if i, ok := order[id]; ok {
			return i
		}
		return -1
	}
	sort.SliceStable(out, func(a, b int) bool {
		x, y := out[a], out[b]
		if x.ResourcePath != y.ResourcePath {
			return x.ResourcePath < y.ResourcePath
		}
		if rank(x.TaskA) != rank(y.TaskA) {
			return rank(x.TaskA) < rank(y.TaskA)
		}
		if rank(x.TaskB) != rank(y.TaskB) {
			return rank(x.TaskB) < rank(y.TaskB)
		}
		return x.ConflictType < y.ConflictType
	})
	return out
}

func overlaps(a, b models.ExecutionRecord) []models.ConflictRecord {
	theirs := make(map[string]bool, len(b.Writes))
	for _, w := range b.Writes {
		theirs[w] = true
	}
	var out []models.ConflictRecord
	for _, w := range uniqueSorted(a.Writes) {
		if !theirs[w] {
			continue
		}
		out = append(out, models.ConflictRecord{
			TaskA:        a.TaskID,
			TaskB:        b.TaskID,
			ConflictType: models.ConflictResourceOverlap,
			ResourcePath: w,
			Description:  fmt.Sprintf("%s and %s both write %s", a.TaskID, b.TaskID, w),
		})
	}
	return out
}

func incompatibilities(a, b models.ExecutionRecord) []models.ConflictRecord {
	theirs := make(map[string][]string)
	for _, t := range b.Affects {
		e := normalizeEntity(t.Entity)
		theirs[e] = append(theirs[e], normalizeEffect(t.Effect))
	}

	seen := make(map[string]bool)
	var out []models.ConflictRecord
	for _, t := range a.Affects {
		entity := normalizeEntity(t.Entity)
		if seen[entity] {
			continue
		}
		mine := normalizeEffect(t.Effect)
		for _, other := range theirs[entity] {
			if !Exclusive(mine, other) {
				continue
			}
			seen[entity] = true
			out = append(out, models.ConflictRecord{
				TaskA:        a.TaskID,
				TaskB:        b.TaskID,
				ConflictType: models.ConflictSemanticIncompatibility,
				ResourcePath: entity,
				Description:  fmt.Sprintf("%s declares %q on %s but %s declares %q", a.TaskID, mine, entity, b.TaskID, other),
			})
			break
		}
	}
	return out
}

// exclusiveEffects cannot be combined with any different effect on the same
// entity.
var exclusiveEffects = map[string]bool{
	"remove":  true,
	"rename":  true,
	"replace": true,
}

// Exclusive reports whether two effects on the same entity are mutually
// exclusive. Identical effects never are; otherwise the pair conflicts when
// either side is remove, rename, replace or a key=value assignment.
func Exclusive(a, b string) bool {
	a, b = normalizeEffect(a), normalizeEffect(b)
	if a == b {
		return false
	}
	return isExclusive(a) || isExclusive(b)
}

func isExclusive(effect string) bool {
	return exclusiveEffects[effect] || strings.Contains(effect, "=")
}

func normalizeEffect(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

func normalizeEntity(e string) string {
	return strings.TrimSpace(e)
}

func uniqueSorted(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
