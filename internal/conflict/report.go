package conflict

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/ensemble/pkg/models"
)

// strategies are the remedies suggested per conflict type.
var strategies = map[models.ConflictType][]string{
	models.ConflictResourceOverlap: {
		"serialize the tasks by adding a dependency between them",
		"partition the resource into separate files",
		"accept last-writer-wins for this resource",
	},
	models.ConflictSemanticIncompatibility: {
		"align the declared effects so one task builds on the other",
		"split the entity or version it",
		"record a resolution and rerun",
	},
}

// RenderMarkdown renders a conflict report grouped by type.
func RenderMarkdown(conflicts []models.ConflictRecord) string {
	var b strings.Builder
	b.WriteString("# Conflict Report\n\n")
	fmt.Fprintf(&b, "**Total conflicts:** %d\n", len(conflicts))
	if len(conflicts) == 0 {
		b.WriteString("\nNo conflicts detected.\n")
		return b.String()
	}

	for _, typ := range []models.ConflictType{models.ConflictSemanticIncompatibility, models.ConflictResourceOverlap} {
		var group []models.ConflictRecord
		for _, c := range conflicts {
			if c.ConflictType == typ {
				group = append(group, c)
			}
		}
		if len(group) == 0 {
			continue
		}

		fmt.Fprintf(&b, "\n## %s (%d)\n", title(typ), len(group))
		for i, c := range group {
			fmt.Fprintf(&b, "\n### %d. `%s`\n\n", i+1, c.ResourcePath)
			fmt.Fprintf(&b, "- Tasks: %s, %s\n", c.TaskA, c.TaskB)
			if c.Description != "" {
				fmt.Fprintf(&b, "- Details: %s\n", c.Description)
			}
			if c.Resolved() {
				fmt.Fprintf(&b, "- Resolution: %s\n", *c.Resolution)
				continue
			}
			b.WriteString("- Resolution: unresolved\n")
			b.WriteString("- Suggested strategies:\n")
			for _, s := range strategies[typ] {
				fmt.Fprintf(&b, "  - %s\n", s)
			}
		}
	}
	return b.String()
}

func title(t models.ConflictType) string {
	words := strings.Split(string(t), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
