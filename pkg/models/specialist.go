package models

import (
	"strings"
	"time"
)

// OutputType is the kind of filesystem entry a contract requires.
type OutputType string

const (
	OutputFile      OutputType = "file"
	OutputDirectory OutputType = "directory"
)

// Valid returns true if the type is a known value.
func (t OutputType) Valid() bool {
	return t == OutputFile || t == OutputDirectory
}

// ConflictPolicy decides how resource overlaps are resolved at merge time.
type ConflictPolicy string

const (
	// PolicyLastWriterWins lets the later task in merge order overwrite, with a warning.
	PolicyLastWriterWins ConflictPolicy = "last_writer_wins"
	// PolicyFailOnConflict refuses to merge the overlapping tasks.
	PolicyFailOnConflict ConflictPolicy = "fail_on_conflict"
)

// Valid returns true if the policy is a known value.
func (p ConflictPolicy) Valid() bool {
	return p == PolicyLastWriterWins || p == PolicyFailOnConflict
}

// Specialist is one worker type in the capability catalog.
type Specialist struct {
	Type         string   `yaml:"type" json:"type"`
	Description  string   `yaml:"description,omitempty" json:"description,omitempty"`
	Capabilities []string `yaml:"capabilities" json:"capabilities"`
	// Avoid lists requirement tags this specialist is a poor fit for.
	Avoid []string `yaml:"avoid,omitempty" json:"avoid,omitempty"`
	// Default marks the specialist used for nodes without requirements.
	Default bool `yaml:"default,omitempty" json:"default,omitempty"`
	// Command is the worker command line. Supports {{task_id}}, {{attempt}}
	// and {{output_dir}} placeholders.
	Command  string            `yaml:"command" json:"command"`
	Env      map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Timeout  time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Contract OutputContract    `yaml:"contract" json:"contract"`
}

// HasCapability reports whether the specialist declares tag.
func (s *Specialist) HasCapability(tag string) bool {
	return containsTag(s.Capabilities, tag)
}

// Avoids reports whether the specialist lists tag as an anti-pattern.
func (s *Specialist) Avoids(tag string) bool {
	return containsTag(s.Avoid, tag)
}

// NormalizeTag lowercases and trims a capability tag.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

func containsTag(tags []string, tag string) bool {
	want := NormalizeTag(tag)
	for _, t := range tags {
		if NormalizeTag(t) == want {
			return true
		}
	}
	return false
}

// Catalog is the ordered set of specialists available to a run.
type Catalog struct {
	// TagPriorities weights requirement tags when scoring. Missing tags weigh 1.
	TagPriorities map[string]float64 `yaml:"tag_priorities,omitempty" json:"tag_priorities,omitempty"`
	Specialists   []Specialist       `yaml:"specialists" json:"specialists"`
}

// Lookup returns the specialist with the given type.
func (c *Catalog) Lookup(specialistType string) (*Specialist, bool) {
	for i := range c.Specialists {
		if c.Specialists[i].Type == specialistType {
			return &c.Specialists[i], true
		}
	}
	return nil, false
}

// Priority returns the weight of a requirement tag.
func (c *Catalog) Priority(tag string) float64 {
	want := NormalizeTag(tag)
	for k, v := range c.TagPriorities {
		if NormalizeTag(k) == want && v > 0 {
			return v
		}
	}
	return 1
}

// OutputContract is the declared shape a specialist's output must satisfy.
type OutputContract struct {
	RequiredOutputs []RequiredOutput   `yaml:"required_outputs" json:"required_outputs"`
	SuccessCriteria []SuccessCriterion `yaml:"success_criteria,omitempty" json:"success_criteria,omitempty"`
	// Affects declares logical entities the output modifies.
	Affects []AffectTag `yaml:"affects,omitempty" json:"affects,omitempty"`
	// OnConflict overrides the run's conflict policy for this specialist.
	OnConflict ConflictPolicy `yaml:"on_conflict,omitempty" json:"on_conflict,omitempty"`
}

// RequiredOutput is one file or directory the worker must produce.
type RequiredOutput struct {
	Path         string     `yaml:"path" json:"path"`
	Type         OutputType `yaml:"type" json:"type"`
	MinSizeBytes *int64     `yaml:"min_size_bytes,omitempty" json:"min_size_bytes,omitempty"`
	// Fatal turns an undersized warning into a failure.
	Fatal bool `yaml:"fatal,omitempty" json:"fatal,omitempty"`
	// Format is "json" or "yaml"; inferred from the extension when empty.
	Format       string      `yaml:"format,omitempty" json:"format,omitempty"`
	RequiredKeys []string    `yaml:"required_keys,omitempty" json:"required_keys,omitempty"`
	Graph        *GraphShape `yaml:"graph,omitempty" json:"graph,omitempty"`
	// Text forces the corruption check for files without a known text extension.
	Text bool `yaml:"text,omitempty" json:"text,omitempty"`
}

// GraphShape names the fields of a graph-structured output document.
type GraphShape struct {
	Nodes  string `yaml:"nodes,omitempty" json:"nodes,omitempty"`
	Edges  string `yaml:"edges,omitempty" json:"edges,omitempty"`
	ID     string `yaml:"id,omitempty" json:"id,omitempty"`
	Source string `yaml:"source,omitempty" json:"source,omitempty"`
	Target string `yaml:"target,omitempty" json:"target,omitempty"`
}

// WithDefaults fills empty field names.
func (g GraphShape) WithDefaults() GraphShape {
	if g.Nodes == "" {
		g.Nodes = "nodes"
	}
	if g.Edges == "" {
		g.Edges = "edges"
	}
	if g.ID == "" {
		g.ID = "id"
	}
	if g.Source == "" {
		g.Source = "from"
	}
	if g.Target == "" {
		g.Target = "to"
	}
	return g
}

// SuccessCriterion is a custom command that must exit with ExpectedExitCode.
type SuccessCriterion struct {
	Name             string        `yaml:"name" json:"name"`
	Command          string        `yaml:"command" json:"command"`
	ExpectedExitCode int           `yaml:"expected_exit_code" json:"expected_exit_code"`
	Timeout          time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// AffectTag declares an effect on a logical entity, e.g. {api/users, remove}.
type AffectTag struct {
	Entity string `yaml:"entity" json:"entity"`
	Effect string `yaml:"effect" json:"effect"`
}
