package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/ensemble/pkg/models"
)

func checkSchema(entries []entry) models.CheckResult {
	findings := make([]models.Finding, 0, len(entries))
	for _, e := range entries {
		f := models.Finding{Subject: e.out.Path, Status: models.CheckPassed}
		switch {
		case e.escapes:
			f.Status, f.Message = models.CheckFailed, "path escapes the output directory"
		case e.statErr != nil:
			f.Status, f.Message = models.CheckFailed, fmt.Sprintf("required %s is missing", e.out.Type)
		case !e.typeOK():
			f.Status, f.Message = models.CheckFailed, fmt.Sprintf("expected a %s", e.out.Type)
		default:
			f.Message = "present"
		}
		findings = append(findings, f)
	}
	return summarize(CheckSchema, findings, "no required outputs declared")
}

func checkCompleteness(entries []entry) models.CheckResult {
	var findings []models.Finding
	for _, e := range entries {
		if !e.typeOK() {
			continue
		}
		f := models.Finding{Subject: e.out.Path, Status: models.CheckPassed}

		var size int64
		if e.out.Type == models.OutputDirectory {
			n, total, err := dirStats(e.abs)
			switch {
			case err != nil:
				f.Status, f.Message = models.CheckFailed, fmt.Sprintf("read directory: %v", err)
				findings = append(findings, f)
				continue
			case n == 0:
				f.Status, f.Message = models.CheckFailed, "directory is empty"
				findings = append(findings, f)
				continue
			}
			size = total
		} else {
			size = e.info.Size()
			if size == 0 {
				f.Status, f.Message = models.CheckFailed, "file is empty"
				findings = append(findings, f)
				continue
			}
		}

		f.Message = fmt.Sprintf("%d bytes", size)
		if floor := e.out.MinSizeBytes; floor != nil && size < *floor {
			f.Status = models.CheckWarning
			if e.out.Fatal {
				f.Status = models.CheckFailed
			}
			f.Message = fmt.Sprintf("%d bytes, below minimum of %d", size, *floor)
		}
		findings = append(findings, f)
	}
	return summarize(CheckCompleteness, findings, "nothing to measure")
}

// dirStats returns the number of direct entries and the total size of all
// regular files below dir.
func dirStats(dir string) (int, int64, error) {
	direct, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, err
	}
	var total int64
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return len(direct), total, err
}

// formatOf returns the declared format or the one implied by the extension.
func formatOf(o models.RequiredOutput) string {
	if o.Format != "" {
		return strings.ToLower(o.Format)
	}
	switch strings.ToLower(filepath.Ext(o.Path)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	}
	return ""
}

func checkFormat(entries []entry) models.CheckResult {
	var findings []models.Finding
	for _, e := range entries {
		if !e.typeOK() || e.out.Type != models.OutputFile {
			continue
		}
		format := formatOf(e.out)
		if format == "" && e.out.Graph == nil && len(e.out.RequiredKeys) == 0 {
			continue
		}
		findings = append(findings, checkDocument(e, format))
	}
	return summarize(CheckFormat, findings, "no structured outputs declared")
}

func checkDocument(e entry, format string) models.Finding {
	f := models.Finding{Subject: e.out.Path, Status: models.CheckFailed}

	data, err := os.ReadFile(e.abs)
	if err != nil {
		f.Message = fmt.Sprintf("read: %v", err)
		return f
	}

	doc, err := toJSON(data, format)
	if err != nil {
		f.Message = err.Error()
		return f
	}

	var missing []string
	for _, key := range e.out.RequiredKeys {
		if !gjson.GetBytes(doc, key).Exists() {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		f.Message = fmt.Sprintf("missing required keys: %s", strings.Join(missing, ", "))
		return f
	}

	if e.out.Graph != nil {
		if dangling := danglingEdges(doc, e.out.Graph.WithDefaults()); len(dangling) > 0 {
			f.Message = fmt.Sprintf("edges reference unknown nodes: %s", strings.Join(dangling, ", "))
			return f
		}
	}

	f.Status, f.Message = models.CheckPassed, "parsed"
	return f
}

// toJSON validates a document and returns it as JSON so gjson paths work
// for both formats.
func toJSON(data []byte, format string) ([]byte, error) {
	if format == "yaml" {
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("invalid yaml: %w", err)
		}
		out, err := json.Marshal(normalizeYAML(v))
		if err != nil {
			return nil, fmt.Errorf("convert yaml: %w", err)
		}
		return out, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, errInvalidJSON
	}
	return data, nil
}

// normalizeYAML converts map[any]any nodes, which encoding/json rejects,
// into map[string]any.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return m
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	}
	return v
}

// danglingEdges lists "source->target" pairs whose endpoints are not node ids.
// Nodes may be objects carrying an id field or bare strings.
func danglingEdges(doc []byte, shape models.GraphShape) []string {
	ids := make(map[string]bool)
	gjson.GetBytes(doc, shape.Nodes).ForEach(func(_, node gjson.Result) bool {
		if node.IsObject() {
			ids[node.Get(shape.ID).String()] = true
		} else {
			ids[node.String()] = true
		}
		return true
	})

	var dangling []string
	gjson.GetBytes(doc, shape.Edges).ForEach(func(_, edge gjson.Result) bool {
		src := edge.Get(shape.Source).String()
		dst := edge.Get(shape.Target).String()
		if !ids[src] || !ids[dst] {
			dangling = append(dangling, src+"->"+dst)
		}
		return true
	})
	return dangling
}

// tailLines returns the last n lines of out.
func tailLines(out []byte, n int) string {
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func (v *Validator) checkSuccessCriteria(ctx context.Context, dir string, criteria []models.SuccessCriterion) models.CheckResult {
	findings := make([]models.Finding, 0, len(criteria))
	for _, c := range criteria {
		f := models.Finding{Subject: c.Name, Status: models.CheckFailed}

		timeout := c.Timeout
		if timeout <= 0 {
			timeout = v.criterionTimeout
		}
		res, err := v.runner.RunShell(ctx, dir, c.Command, timeout)
		switch {
		case err != nil:
			f.Message = fmt.Sprintf("could not run: %v", err)
		case res.TimedOut:
			f.Message = fmt.Sprintf("timed out after %s", timeout)
		case res.Cancelled:
			f.Message = "cancelled"
		case res.ExitCode != c.ExpectedExitCode:
			f.Message = fmt.Sprintf("exit code %d, expected %d", res.ExitCode, c.ExpectedExitCode)
			if tail := tailLines(res.Output, 5); tail != "" {
				f.Message += "\n" + tail
			}
		default:
			f.Status = models.CheckPassed
			f.Message = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		v.logger.Debug("success criterion", "name", c.Name, "status", f.Status, "exit_code", res.ExitCode)
		findings = append(findings, f)
	}
	return summarize(CheckSuccessCriteria, findings, "no success criteria declared")
}

// textExtensions lists file types the corruption check inspects without an
// explicit text flag.
var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".rst": true, ".json": true, ".yaml": true,
	".yml": true, ".toml": true, ".ini": true, ".cfg": true, ".csv": true,
	".tsv": true, ".xml": true, ".html": true, ".css": true, ".log": true,
	".sql": true, ".go": true, ".py": true, ".js": true, ".ts": true,
	".sh": true, ".rb": true, ".java": true, ".c": true, ".h": true,
}

// truncationMarkers are strings workers or their tools leave behind when
// output was cut short.
var truncationMarkers = []string{"[truncated]", "...TRUNCATED...", "<<<TRUNCATED>>>"}

func checkCorruption(entries []entry) models.CheckResult {
	var findings []models.Finding
	for _, e := range entries {
		if !e.typeOK() {
			continue
		}
		if e.out.Type == models.OutputFile {
			if e.out.Text || textExtensions[strings.ToLower(filepath.Ext(e.abs))] {
				findings = append(findings, inspectFile(e.out.Path, e.abs))
			}
			continue
		}
		err := filepath.WalkDir(e.abs, func(path string, d fs.DirEntry, err error) error {
			rel, _ := filepath.Rel(e.abs, path)
			subject := filepath.ToSlash(filepath.Join(e.out.Path, rel))
			if err != nil {
				// Unreadable subtrees fail the check; the walk moves on.
				findings = append(findings, models.Finding{Subject: subject, Status: models.CheckFailed, Message: fmt.Sprintf("walk: %v", err)})
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if !e.out.Text && !textExtensions[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			findings = append(findings, inspectFile(subject, path))
			return nil
		})
		if err != nil {
			findings = append(findings, models.Finding{Subject: e.out.Path, Status: models.CheckFailed, Message: fmt.Sprintf("walk: %v", err)})
		}
	}
	return summarize(CheckCorruption, findings, "no text outputs to inspect")
}

var nulRun = []byte{0, 0, 0, 0}

var errInvalidJSON = errors.New("invalid json")

func inspectFile(subject, path string) models.Finding {
	f := models.Finding{Subject: subject, Status: models.CheckFailed}
	data, err := os.ReadFile(path)
	if err != nil {
		f.Message = fmt.Sprintf("read: %v", err)
		return f
	}

	var problems []string
	if bytes.Contains(data, nulRun) {
		problems = append(problems, "null-byte run")
	}
	if !utf8.Valid(data) {
		problems = append(problems, "invalid utf-8")
	}
	for _, m := range truncationMarkers {
		if bytes.Contains(data, []byte(m)) {
			problems = append(problems, fmt.Sprintf("truncation marker %q", m))
			break
		}
	}
	if truncatedDocument(path, data) {
		problems = append(problems, "document ends unexpectedly")
	}

	if len(problems) > 0 {
		f.Message = strings.Join(problems, ", ")
		return f
	}
	f.Status, f.Message = models.CheckPassed, "clean"
	return f
}

// truncatedDocument reports whether a JSON or YAML file fails to decode
// because its input ended early.
func truncatedDocument(path string, data []byte) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var v any
		err := json.Unmarshal(data, &v)
		return err != nil && strings.Contains(err.Error(), "unexpected end")
	case ".yaml", ".yml":
		var v any
		err := yaml.Unmarshal(data, &v)
		return err != nil && (strings.Contains(err.Error(), "unexpected end") ||
			strings.Contains(err.Error(), "did not find expected"))
	}
	return false
}
