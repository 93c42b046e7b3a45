package runner

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// allowed reports whether r survives sanitization: tab, LF and CR plus any
// printable, non-control rune.
func allowed(r rune) bool {
	switch r {
	case '\t', '\n', '\r':
		return true
	case utf8.RuneError:
		return false
	}
	return !unicode.IsControl(r)
}

// StripControl removes control characters other than tab, LF and CR, and
// drops invalid UTF-8.
func StripControl(s string) string {
	clean := true
	for _, r := range s {
		if !allowed(r) {
			clean = false
			break
		}
	}
	if clean {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if allowed(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Sanitize strips control characters, clamps the input to max characters
// (max <= 0 means unlimited), and trims surrounding whitespace. truncated is
// true when the clamp removed anything.
func Sanitize(input string, max int) (clean string, truncated bool) {
	clean = StripControl(input)
	if max > 0 && utf8.RuneCountInString(clean) > max {
		clean = string([]rune(clean)[:max])
		truncated = true
	}
	return strings.TrimSpace(clean), truncated
}

// completePrefix returns the length of the longest prefix of b that does not
// end in the middle of a UTF-8 sequence.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return i
			}
			break
		}
	}
	return len(b)
}

// truncate clips s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
