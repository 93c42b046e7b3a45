// Package expand cuts named slices out of a terminal or command output
// buffer: the latest unified diff, the first failing test, or the most
// recent error with its stack.
package expand

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

type Kind string

const (
	KindDiff         Kind = "diff"
	KindFirstFailure Kind = "first-failure"
	KindLastError    Kind = "last-error"
)

var (
	ErrUnknownKind = errors.New("expand: unknown kind")
	ErrNotFound    = errors.New("expand: no matching content")
)

// Slice is an extracted piece of output ready to show to the client.
type Slice struct {
	Kind    Kind   `json:"kind"`
	Title   string `json:"title"`
	Mime    string `json:"mime"`
	Content string `json:"content"`
}

var (
	gitDiffHeader  = regexp.MustCompile(`(?m)^diff --git .*$`)
	fileHeaderPair = regexp.MustCompile(`(?m)^--- .*\n\+\+\+ .*$`)
	fileHeaderOld  = regexp.MustCompile(`(?m)^--- `)

	failureStart   = regexp.MustCompile(`(?im)^(?:FAIL\b|✖|x\s|\s*--- FAIL:).*$`)
	failureEnd     = regexp.MustCompile(`(?m)\n[ \t]*\n|^PASS\b|^FAIL\b|^Test Suites?:|^\s*--- (?:FAIL|PASS):|^(?:ok|FAIL)\s+\S+\s`)
	failureBullet  = regexp.MustCompile(`(?m)^\s*(?:●|✖|x\s).*$`)
	blankLineAhead = regexp.MustCompile(`\n[ \t]*\n`)

	errorLine  = regexp.MustCompile(`\b\w*(?:Error|Exception)\b|\bUnhandled\b|^panic:`)
	stackFrame = regexp.MustCompile(`^\s+at\s+`)
)

// Extract returns the slice of kind found in buf. ANSI escape sequences are
// removed first.
func Extract(kind Kind, buf string) (Slice, error) {
	text := ansi.Strip(buf)

	var s Slice
	switch kind {
	case KindDiff:
		s = Slice{Kind: kind, Title: "Latest diff", Mime: "text/x-diff", Content: LatestDiff(text)}
	case KindFirstFailure:
		s = Slice{Kind: kind, Title: "First failing test", Mime: "text/plain", Content: FirstFailure(text)}
	case KindLastError:
		s = Slice{Kind: kind, Title: "Last error", Mime: "text/plain", Content: LastError(text)}
	default:
		return Slice{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if s.Content == "" {
		return Slice{}, ErrNotFound
	}
	return s, nil
}

// LatestDiff returns the last "diff --git" block of s. Without git headers
// it falls back to the last "---"/"+++" file header pair.
func LatestDiff(s string) string {
	if locs := gitDiffHeader.FindAllStringIndex(s, -1); len(locs) > 0 {
		return strings.TrimSpace(s[locs[len(locs)-1][0]:])
	}

	locs := fileHeaderPair.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return ""
	}
	start := locs[len(locs)-1][0]
	end := len(s)
	// The header pair itself spans two lines; the block runs to the next
	// "--- " header, if any.
	if headerEnd := locs[len(locs)-1][1]; headerEnd < len(s) {
		if next := fileHeaderOld.FindStringIndex(s[headerEnd:]); next != nil {
			end = headerEnd + next[0]
		}
	}
	return strings.TrimSpace(s[start:end])
}

// FirstFailure returns the first failing test block: a FAIL (or ✖, x, Go
// "--- FAIL:") line through the next blank line or the next suite marker.
func FirstFailure(s string) string {
	if loc := failureStart.FindStringIndex(s); loc != nil {
		rest := s[loc[0]:]
		// Search after the first line so the marker does not end its own block.
		firstLine := loc[1] - loc[0]
		if next := failureEnd.FindStringIndex(rest[firstLine:]); next != nil {
			rest = rest[:firstLine+next[0]]
		}
		return strings.TrimSpace(rest)
	}

	if loc := failureBullet.FindStringIndex(s); loc != nil {
		rest := s[loc[0]:]
		if next := blankLineAhead.FindStringIndex(rest); next != nil {
			rest = rest[:next[0]]
		}
		return strings.TrimSpace(rest)
	}
	return ""
}

// LastError returns the last line that looks like an error, the lines that
// follow it up to a blank line, and any "at ..." stack frames after that.
func LastError(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")

	start := -1
	for i, line := range lines {
		if errorLine.MatchString(line) {
			start = i
		}
	}
	if start == -1 {
		return ""
	}

	end := start + 1
	for end < len(lines) && strings.TrimSpace(lines[end]) != "" {
		end++
	}
	// Frames may continue after a blank separator.
	if end+1 < len(lines) && stackFrame.MatchString(lines[end+1]) {
		end++
		for end < len(lines) && stackFrame.MatchString(lines[end]) {
			end++
		}
	}
	return strings.TrimSpace(strings.Join(lines[start:end], "\n"))
}
