// Package submission loads the inputs supplied by collaborators: the task
// list (JSON) and the specialist capability catalog (YAML or JSON).
package submission

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/ensemble/pkg/models"
)

// ErrInvalidCatalog is returned when the catalog fails validation.
var ErrInvalidCatalog = errors.New("invalid catalog")

// ErrInvalidTasks is returned when the task file cannot be decoded.
var ErrInvalidTasks = errors.New("invalid task submission")

// LoadTasks reads a task submission: either a JSON array of task objects or
// an object with a "tasks" array.
func LoadTasks(path string) ([]models.TaskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tasks: %w", err)
	}
	return ParseTasks(data)
}

// ParseTasks decodes a task submission document.
func ParseTasks(data []byte) ([]models.TaskSpec, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidTasks)
	}

	var specs []models.TaskSpec
	if trimmed[0] == '[' {
		if err := strictUnmarshal(trimmed, &specs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTasks, err)
		}
		return specs, nil
	}

	var wrapped struct {
		Tasks []models.TaskSpec `json:"tasks"`
	}
	if err := strictUnmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTasks, err)
	}
	return wrapped.Tasks, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// LoadCatalog reads and validates a capability catalog. JSON catalogs are
// accepted since JSON is valid YAML.
func LoadCatalog(path string) (*models.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a catalog document.
func ParseCatalog(data []byte) (*models.Catalog, error) {
	cat := &models.Catalog{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cat); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := ValidateCatalog(cat); err != nil {
		return nil, err
	}
	return cat, nil
}

// ValidateCatalog checks specialist declarations and their contracts.
func ValidateCatalog(cat *models.Catalog) error {
	var errs []error
	if len(cat.Specialists) == 0 {
		errs = append(errs, errors.New("no specialists declared"))
	}

	seen := make(map[string]bool)
	for i, s := range cat.Specialists {
		where := fmt.Sprintf("specialists[%d]", i)
		if s.Type == "" {
			errs = append(errs, fmt.Errorf("%s: type is required", where))
		} else {
			where = fmt.Sprintf("specialist %q", s.Type)
		}
		if seen[s.Type] {
			errs = append(errs, fmt.Errorf("%s: declared more than once", where))
		}
		seen[s.Type] = true
		if strings.TrimSpace(s.Command) == "" {
			errs = append(errs, fmt.Errorf("%s: command is required", where))
		}
		if s.Timeout < 0 {
			errs = append(errs, fmt.Errorf("%s: negative timeout", where))
		}
		errs = append(errs, validateContract(where, s.Contract)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidCatalog, errors.Join(errs...))
	}
	return nil
}

func validateContract(where string, c models.OutputContract) []error {
	var errs []error
	for j, out := range c.RequiredOutputs {
		if out.Path == "" {
			errs = append(errs, fmt.Errorf("%s: required_outputs[%d]: path is required", where, j))
			continue
		}
		if !IsLocalPath(out.Path) {
			errs = append(errs, fmt.Errorf("%s: required_outputs[%d]: path %q escapes the output directory", where, j, out.Path))
		}
		if !out.Type.Valid() {
			errs = append(errs, fmt.Errorf("%s: required_outputs[%d]: type must be file or directory, got %q", where, j, out.Type))
		}
		if out.MinSizeBytes != nil && *out.MinSizeBytes < 0 {
			errs = append(errs, fmt.Errorf("%s: required_outputs[%d]: negative min_size_bytes", where, j))
		}
		switch strings.ToLower(out.Format) {
		case "", "json", "yaml", "yml":
		default:
			errs = append(errs, fmt.Errorf("%s: required_outputs[%d]: unsupported format %q", where, j, out.Format))
		}
	}
	for j, sc := range c.SuccessCriteria {
		if sc.Name == "" || strings.TrimSpace(sc.Command) == "" {
			errs = append(errs, fmt.Errorf("%s: success_criteria[%d]: name and command are required", where, j))
		}
	}
	for j, a := range c.Affects {
		if a.Entity == "" || a.Effect == "" {
			errs = append(errs, fmt.Errorf("%s: affects[%d]: entity and effect are required", where, j))
		}
	}
	if c.OnConflict != "" && !c.OnConflict.Valid() {
		errs = append(errs, fmt.Errorf("%s: unknown on_conflict policy %q", where, c.OnConflict))
	}
	return errs
}

// IsLocalPath reports whether a slash-separated relative path stays inside
// its root.
func IsLocalPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") {
		return false
	}
	clean := path.Clean(p)
	return clean != ".." && !strings.HasPrefix(clean, "../")
}
