package exec

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Placeholders holds the values substituted into a specialist command line.
type Placeholders struct {
	TaskID    string
	Attempt   int
	OutputDir string
}

// BuildArgv substitutes {{task_id}}, {{attempt}} and {{output_dir}} in
// command and splits the result using shell quoting rules. Substitution
// happens per word after splitting, so values containing spaces stay in one
// argument.
func BuildArgv(command string, p Placeholders) ([]string, error) {
	words, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("split command: %w", err)
	}
	if len(words) == 0 {
		return nil, ErrEmptyCommand
	}
	r := strings.NewReplacer(
		"{{task_id}}", p.TaskID,
		"{{attempt}}", strconv.Itoa(p.Attempt),
		"{{output_dir}}", p.OutputDir,
	)
	for i, w := range words {
		words[i] = r.Replace(w)
	}
	return words, nil
}

// errorMarkers are stderr substrings that indicate a crash worth surfacing.
var errorMarkers = []string{
	"Traceback (most recent call last)",
	"panic:",
	"fatal error:",
	"Segmentation fault",
	"segfault",
	"core dumped",
	"Killed",
	"out of memory",
	"FATAL",
}

// MaxErrorSignals caps the lines ScanErrorSignals returns.
const MaxErrorSignals = 20

// ScanErrorSignals returns the stderr lines that contain a known error
// marker, in order, up to MaxErrorSignals.
func ScanErrorSignals(r io.Reader) []string {
	var out []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		for _, m := range errorMarkers {
			if strings.Contains(line, m) {
				out = append(out, strings.TrimSpace(line))
				break
			}
		}
		if len(out) >= MaxErrorSignals {
			break
		}
	}
	return out
}
