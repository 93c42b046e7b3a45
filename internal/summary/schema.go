// Package summary turns tool output into a small structured summary, either
// with local heuristics or by map-reduce over a local Ollama model.
package summary

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

const (
	SchemaVersion = "1.0"
	maxBullets    = 6
	maxActions    = 6
)

type Summary struct {
	Version      string       `json:"version"`
	Bullets      []string     `json:"bullets"`
	FilesChanged []FileChange `json:"filesChanged"`
	Tests        TestStats    `json:"tests"`
	Errors       []ErrorEntry `json:"errors"`
	Actions      []string     `json:"actions"`
	Metrics      Metrics      `json:"metrics"`
}

type FileChange struct {
	Path string `json:"path"`
	Adds int    `json:"adds"`
	Dels int    `json:"dels"`
}

type TestStats struct {
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Failures []TestFailure `json:"failures"`
}

type TestFailure struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

type ErrorEntry struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    *int   `json:"line,omitempty"`
}

type Metrics struct {
	DurationMs  *int64 `json:"durationMs,omitempty"`
	CommandsRun *int   `json:"commandsRun,omitempty"`
	ExitCode    *int   `json:"exitCode,omitempty"`
}

// Empty returns a summary with every collection present and empty, which is
// how clients expect to receive "nothing to report".
func Empty() Summary {
	return Summary{
		Version:      SchemaVersion,
		Bullets:      []string{},
		FilesChanged: []FileChange{},
		Tests:        TestStats{Failures: []TestFailure{}},
		Errors:       []ErrorEntry{},
		Actions:      []string{},
	}
}

// IsEmpty reports whether s carries no information.
func (s Summary) IsEmpty() bool {
	return len(s.Bullets) == 0 && len(s.FilesChanged) == 0 && len(s.Errors) == 0 &&
		len(s.Actions) == 0 && s.Tests.Passed == 0 && s.Tests.Failed == 0 &&
		len(s.Tests.Failures) == 0
}

// ParseModelJSON extracts a JSON object from model output: the whole text if
// it parses, otherwise the span from the first '{' to the last '}'.
func ParseModelJSON(text string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &obj); err == nil && obj != nil {
		return obj, true
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil, false
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// Normalize coerces a loosely-typed model response into the schema, dropping
// anything that does not fit.
func Normalize(raw map[string]any) Summary {
	s := Empty()

	s.Bullets = stringList(raw["bullets"], maxBullets)
	s.Actions = stringList(raw["actions"], maxActions)

	for _, item := range list(raw["filesChanged"]) {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		path := str(m["path"])
		if path == "" {
			continue
		}
		s.FilesChanged = append(s.FilesChanged, FileChange{
			Path: path,
			Adds: nonNegative(num(m["adds"])),
			Dels: nonNegative(num(m["dels"])),
		})
	}

	if tests, ok := raw["tests"].(map[string]any); ok {
		s.Tests.Passed = nonNegative(num(tests["passed"]))
		s.Tests.Failed = nonNegative(num(tests["failed"]))
		for _, item := range list(tests["failures"]) {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			f := TestFailure{Name: str(m["name"]), Message: str(m["message"])}
			if f.Name == "" && f.Message == "" {
				continue
			}
			s.Tests.Failures = append(s.Tests.Failures, f)
		}
	}

	for _, item := range list(raw["errors"]) {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		e := ErrorEntry{
			Type:    str(m["type"]),
			Message: str(m["message"]),
			File:    str(m["file"]),
		}
		if e.Type == "" && e.Message == "" {
			continue
		}
		if line, ok := optNum(m["line"]); ok {
			n := int(line)
			e.Line = &n
		}
		s.Errors = append(s.Errors, e)
	}

	if metrics, ok := raw["metrics"].(map[string]any); ok {
		if v, ok := optNum(metrics["durationMs"]); ok {
			d := int64(v)
			s.Metrics.DurationMs = &d
		}
		if v, ok := optNum(metrics["commandsRun"]); ok {
			n := int(v)
			s.Metrics.CommandsRun = &n
		}
		if v, ok := optNum(metrics["exitCode"]); ok {
			n := int(v)
			s.Metrics.ExitCode = &n
		}
	}

	return s
}

func list(v any) []any {
	l, _ := v.([]any)
	return l
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func stringList(v any, limit int) []string {
	out := []string{}
	for _, item := range list(v) {
		s, ok := item.(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}

// optNum accepts JSON numbers and numeric strings.
func optNum(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func num(v any) int {
	f, _ := optNum(v)
	return int(f)
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
