// Package approval decides which prompts need a human decision and tracks
// the decisions a connection is waiting on.
package approval

import (
	"fmt"
	"regexp"
	"sync"
)

const (
	maxReasons   = 3
	ReasonAlways = "approval_always"
)

// DefaultPatterns flag prompts that change the machine or talk to the
// network.
var DefaultPatterns = []string{
	`\bgit\s+apply\b|^diff --git `,
	`\b(pnpm|npm|yarn)\s+install\b`,
	`\b(pip3?|brew|apt(?:-get)?|yum|dnf)\s+install\b`,
	`\b(curl|wget)\s+https?://`,
	`\bgit\s+push\b|\bgit\s+reset\s+--hard\b`,
	`\brm\s+-rf\b|\bchmod\s+|\bchown\s+|\bsystemctl\s+`,
	`\bdocker\s+(run|pull|push|compose)\b`,
	`\bkubectl\s+apply\b|\bhelm\s+install\b`,
}

type Risk struct {
	Risky   bool     `json:"risky"`
	Reasons []string `json:"reasons,omitempty"`
}

type rule struct {
	source string
	re     *regexp.Regexp
}

// Classifier matches prompt text against an ordered set of case-insensitive
// patterns. It is safe for concurrent use; Update swaps the set atomically.
type Classifier struct {
	mu     sync.RWMutex
	rules  []rule
	always bool
}

// NewClassifier compiles patterns (DefaultPatterns when empty).
func NewClassifier(patterns []string, always bool) (*Classifier, error) {
	c := &Classifier{}
	if err := c.Update(patterns, always); err != nil {
		return nil, err
	}
	return c, nil
}

// Update replaces the pattern set. On error the previous set is kept.
func (c *Classifier) Update(patterns []string, always bool) error {
	rules, err := compile(patterns)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.rules = rules
	c.always = always
	c.mu.Unlock()
	return nil
}

// Patterns returns the active pattern sources in match order.
func (c *Classifier) Patterns() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.rules))
	for i, r := range c.rules {
		out[i] = r.source
	}
	return out
}

func (c *Classifier) Classify(text string) Risk {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var reasons []string
	for _, r := range c.rules {
		if r.re.MatchString(text) {
			reasons = append(reasons, "matches: "+r.source)
			if len(reasons) == maxReasons {
				break
			}
		}
	}
	// The always flag only covers text no pattern matched.
	if len(reasons) == 0 && c.always {
		reasons = append(reasons, ReasonAlways)
	}
	return Risk{Risky: len(reasons) > 0, Reasons: reasons}
}

func compile(patterns []string) ([]rule, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	rules := make([]rule, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("approval pattern %q: %w", p, err)
		}
		rules = append(rules, rule{source: p, re: re})
	}
	return rules, nil
}
