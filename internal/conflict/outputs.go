package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/ShayCichocki/ensemble/pkg/models"
)

// AffectsManifest is the optional file at the root of an output directory
// listing the entities the output modifies. It is never merged.
const AffectsManifest = "affects.json"

// CollectWrites lists the regular files under dir as slash-separated
// relative paths, sorted, excluding the affects manifest.
func CollectWrites(dir string) ([]string, error) {
	var writes []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == AffectsManifest {
			return nil
		}
		writes = append(writes, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect writes: %w", err)
	}
	sort.Strings(writes)
	return writes, nil
}

// LoadAffects reads the affects manifest in dir. A missing manifest yields
// no tags and no error.
func LoadAffects(dir string) ([]models.AffectTag, error) {
	data, err := os.ReadFile(filepath.Join(dir, AffectsManifest))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read affects manifest: %w", err)
	}
	var tags []models.AffectTag
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, fmt.Errorf("parse affects manifest: %w", err)
	}
	for i, t := range tags {
		if t.Entity == "" || t.Effect == "" {
			return nil, fmt.Errorf("parse affects manifest: entry %d needs entity and effect", i)
		}
	}
	return tags, nil
}

// MergeAffects combines contract-declared tags with manifest tags, dropping
// exact duplicates.
func MergeAffects(contract, manifest []models.AffectTag) []models.AffectTag {
	out := make([]models.AffectTag, 0, len(contract)+len(manifest))
	seen := make(map[models.AffectTag]bool)
	for _, list := range [][]models.AffectTag{contract, manifest} {
		for _, t := range list {
			key := models.AffectTag{Entity: normalizeEntity(t.Entity), Effect: normalizeEffect(t.Effect)}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, key)
		}
	}
	return out
}

// Resolution is a human decision for one conflict, keyed by its pair and
// resource.
type Resolution struct {
	TaskA        string `json:"task_a"`
	TaskB        string `json:"task_b"`
	ResourcePath string `json:"resource_path"`
	Resolution   string `json:"resolution"`
}

// LoadResolutions reads a resolutions file. A missing file yields none.
func LoadResolutions(path string) ([]Resolution, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read resolutions: %w", err)
	}
	var res []Resolution
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parse resolutions: %w", err)
	}
	return res, nil
}

// ApplyResolutions sets the resolution of every conflict with a matching
// decision. The pair matches in either order.
func ApplyResolutions(conflicts []models.ConflictRecord, decisions []Resolution) {
	for i := range conflicts {
		c := &conflicts[i]
		for _, d := range decisions {
			if d.ResourcePath != c.ResourcePath || d.Resolution == "" {
				continue
			}
			if (d.TaskA == c.TaskA && d.TaskB == c.TaskB) || (d.TaskA == c.TaskB && d.TaskB == c.TaskA) {
				r := d.Resolution
				c.Resolution = &r
				break
			}
		}
	}
}
