// Package matcher assigns specialists to task nodes by scoring each
// specialist's declared capability tags against the node's requirements.
package matcher

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/ensemble/pkg/models"
)

const (
	// DefaultMinConfidence is the score a specialist must reach to be chosen.
	DefaultMinConfidence = 0.5
	// DefaultAlternativeBelow is the confidence under which a runner-up is reported.
	DefaultAlternativeBelow = 0.7
	// AvoidPenalty is subtracted for each requirement the specialist avoids.
	AvoidPenalty = 0.2
)

// ErrNoMatchFound indicates no specialist reached the confidence threshold.
var ErrNoMatchFound = errors.New("no matching specialist")

// NoMatchError describes a failed match.
type NoMatchError struct {
	TaskID string
	// Best is the highest scoring specialist, empty if the catalog is empty.
	Best       string
	Confidence float64
	Threshold  float64
}

func (e *NoMatchError) Error() string {
	if e.Best == "" {
		return fmt.Sprintf("%s for task %q: catalog has no candidates", ErrNoMatchFound, e.TaskID)
	}
	return fmt.Sprintf("%s for task %q: best candidate %q scored %.2f, below %.2f",
		ErrNoMatchFound, e.TaskID, e.Best, e.Confidence, e.Threshold)
}

func (e *NoMatchError) Unwrap() error { return ErrNoMatchFound }

// Matcher scores specialists. The zero value is not usable; call New.
type Matcher struct {
	minConfidence    float64
	alternativeBelow float64
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithMinConfidence sets the acceptance threshold.
func WithMinConfidence(v float64) Option {
	return func(m *Matcher) { m.minConfidence = v }
}

// WithAlternativeBelow sets the confidence under which a runner-up is reported.
func WithAlternativeBelow(v float64) Option {
	return func(m *Matcher) { m.alternativeBelow = v }
}

// New creates a Matcher with default thresholds.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		minConfidence:    DefaultMinConfidence,
		alternativeBelow: DefaultAlternativeBelow,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// candidate is the score of one specialist for one node.
type candidate struct {
	index      int
	specialist *models.Specialist
	confidence float64
	matched    []string
	missing    []string
	avoided    []string
}

// Match selects the best specialist for node. Ties go to the specialist
// declared first in the catalog, so the result is deterministic.
func (m *Matcher) Match(node *models.TaskNode, cat *models.Catalog) (models.MatchResult, error) {
	reqs := normalizedRequirements(node.CapabilityRequirements)

	if len(reqs) == 0 {
		for i := range cat.Specialists {
			if cat.Specialists[i].Default {
				return models.MatchResult{
					SpecialistType: cat.Specialists[i].Type,
					Confidence:     1,
					Rationale:      "no capability requirements; using default specialist",
				}, nil
			}
		}
		return models.MatchResult{}, &NoMatchError{TaskID: node.ID, Threshold: m.minConfidence}
	}

	cands := make([]candidate, 0, len(cat.Specialists))
	for i := range cat.Specialists {
		cands = append(cands, score(i, &cat.Specialists[i], reqs, cat))
	}

	best, runnerUp := -1, -1
	for i, c := range cands {
		switch {
		case best < 0 || c.confidence > cands[best].confidence:
			best, runnerUp = i, best
		case runnerUp < 0 || c.confidence > cands[runnerUp].confidence:
			runnerUp = i
		}
	}

	if best < 0 || cands[best].confidence < m.minConfidence || cands[best].confidence == 0 {
		err := &NoMatchError{TaskID: node.ID, Threshold: m.minConfidence}
		if best >= 0 {
			err.Best = cands[best].specialist.Type
			err.Confidence = cands[best].confidence
		}
		return models.MatchResult{}, err
	}

	win := cands[best]
	result := models.MatchResult{
		SpecialistType: win.specialist.Type,
		Confidence:     win.confidence,
		Matched:        win.matched,
		Missing:        win.missing,
		Rationale:      rationale(win, len(reqs)),
	}
	if win.confidence < m.alternativeBelow && runnerUp >= 0 && cands[runnerUp].confidence >= m.minConfidence {
		result.Alternative = &models.Alternative{
			SpecialistType: cands[runnerUp].specialist.Type,
			Confidence:     cands[runnerUp].confidence,
		}
	}
	return result, nil
}

// score computes the priority-weighted fraction of requirements the
// specialist satisfies, minus the avoid penalty.
func score(index int, s *models.Specialist, reqs []string, cat *models.Catalog) candidate {
	c := candidate{index: index, specialist: s}
	var total, satisfied float64
	for _, tag := range reqs {
		w := cat.Priority(tag)
		total += w
		if s.HasCapability(tag) {
			satisfied += w
			c.matched = append(c.matched, tag)
		} else {
			c.missing = append(c.missing, tag)
		}
		if s.Avoids(tag) {
			c.avoided = append(c.avoided, tag)
		}
	}
	if total > 0 {
		c.confidence = satisfied / total
	}
	c.confidence -= AvoidPenalty * float64(len(c.avoided))
	if c.confidence < 0 {
		c.confidence = 0
	}
	return c
}

func rationale(c candidate, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s satisfies %d/%d requirements", c.specialist.Type, len(c.matched), n)
	if len(c.matched) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(c.matched, ", "))
	}
	if len(c.missing) > 0 {
		fmt.Fprintf(&b, "; missing %s", strings.Join(c.missing, ", "))
	}
	if len(c.avoided) > 0 {
		fmt.Fprintf(&b, "; penalised for %s", strings.Join(c.avoided, ", "))
	}
	return b.String()
}

// normalizedRequirements lowercases, trims and deduplicates tags, keeping order.
func normalizedRequirements(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		n := models.NormalizeTag(t)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Assignment is the match outcome for one node.
type Assignment struct {
	TaskID string
	Result models.MatchResult
	Err    error
}

// MatchAll matches every node in the given order.
func (m *Matcher) MatchAll(nodes []*models.TaskNode, cat *models.Catalog) []Assignment {
	out := make([]Assignment, 0, len(nodes))
	for _, n := range nodes {
		res, err := m.Match(n, cat)
		out = append(out, Assignment{TaskID: n.ID, Result: res, Err: err})
	}
	return out
}
