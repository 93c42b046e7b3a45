package summary

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	heuristicTail      = 8000
	heuristicLines     = 500
	heuristicScanLines = 200
	heuristicBullets   = 5
	maxErrorBullets    = 2
	maxChangeBullets   = 2
	maxFilesListed     = 5
	maxDurationsListed = 4
)

var (
	errorLinePattern  = regexp.MustCompile(`(?i)(error|failed|failure|exception|traceback|segmentation fault|panic:|unable to)`)
	fileNamePattern   = regexp.MustCompile(`\b([\w./-]+\.(?:js|ts|tsx|jsx|json|md|css|scss|html|py|rb|go|java|rs|kt|sh|yml|yaml|toml))\b`)
	changeLinePattern = regexp.MustCompile(`(?i)\b(added|modified|changed|created|deleted|renamed)\b`)
	durationPattern   = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)(ms|s|sec|seconds|min|minutes|h|hours)\b`)
	testLinePattern   = regexp.MustCompile(`(?i)(tests?|specs?)\b.*\b(pass|passed|fail|failed|skipped|todo)\b`)
	lineSplitPattern  = regexp.MustCompile(`\r?\n`)
)

// Heuristic summarizes the recent tail of text into at most five bullets.
// Structured fields stay empty.
func Heuristic(text string) Summary {
	s := Empty()
	s.Bullets = heuristicBulletsOf(text)
	return s
}

func heuristicBulletsOf(text string) []string {
	lines := lineSplitPattern.Split(tail(text, heuristicTail), -1)
	if len(lines) > heuristicLines {
		lines = lines[len(lines)-heuristicLines:]
	}
	recent := lastLines(lines, heuristicScanLines)

	var bullets []string

	errCount := 0
	for _, line := range lines {
		if errCount == maxErrorBullets {
			break
		}
		if errorLinePattern.MatchString(line) {
			bullets = append(bullets, "Error: "+clip(strings.TrimSpace(line), 180))
			errCount++
		}
	}

	var files []string
	seenFile := map[string]bool{}
	changes := 0
	for _, line := range recent {
		for _, m := range fileNamePattern.FindAllStringSubmatch(line, -1) {
			if !seenFile[m[1]] {
				seenFile[m[1]] = true
				files = append(files, m[1])
			}
		}
		if changeLinePattern.MatchString(line) {
			bullets = append(bullets, "Change: "+clip(strings.TrimSpace(line), 160))
			changes++
		}
		if changes >= maxChangeBullets {
			break
		}
	}
	if len(bullets) < heuristicBullets && len(files) > 0 {
		bullets = append(bullets, "Files mentioned: "+strings.Join(firstN(files, maxFilesListed), ", "))
	}

	var durations []string
	seenDur := map[string]bool{}
	for _, line := range recent {
		for _, m := range durationPattern.FindAllString(line, -1) {
			if !seenDur[m] {
				seenDur[m] = true
				durations = append(durations, m)
			}
		}
		if len(durations) > 6 {
			break
		}
	}
	if len(durations) > 0 {
		bullets = append(bullets, "Durations seen: "+strings.Join(firstN(durations, maxDurationsListed), ", "))
	}

	for _, line := range recent {
		if testLinePattern.MatchString(line) {
			bullets = append(bullets, "Tests: "+clip(strings.TrimSpace(line), 160))
			break
		}
	}

	if len(bullets) == 0 {
		bullets = append(bullets, fmt.Sprintf("Output: %d line(s), showing recent activity.", len(lines)))
	}
	if len(bullets) > heuristicBullets {
		bullets = bullets[:heuristicBullets]
	}
	return bullets
}

func lastLines(lines []string, n int) []string {
	if len(lines) > n {
		return lines[len(lines)-n:]
	}
	return lines
}

func firstN(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}
