// Package guardrails implements input admission and output sanitization for
// agent turns. Input checks block empty, oversized, or policy-violating
// messages before any retrieval or LLM call; output filtering redacts
// sensitive substrings and bounds reply length. It never rejects output.
package guardrails

import (
	"strings"
	"sync"

	"github.com/deepyad/helpdesk/internal/config"
)

const (
	// Redaction marker substituted for matched output patterns.
	removedMarker = "[content removed]"
	// Marker appended when output is truncated.
	truncatedMarker = "\n[...truncated]"
)

// Result of a guardrail check.
type Result struct {
	Passed       bool
	FilteredText string
	Reason       string
}

// Service applies the configured guardrail rules. The blocklist can be
// swapped at runtime (hot reload); everything else is immutable.
type Service struct {
	enabled      bool
	maxInputLen  int
	maxOutputLen int

	mu             sync.RWMutex
	inputPatterns  []string
	outputPatterns []string
}

// Options configures the guardrail service.
type Options struct {
	Enabled      bool
	MaxInputLen  int
	MaxOutputLen int
}

// NewService creates a guardrail service with the given blocklist.
func NewService(opts Options, bl *config.Blocklist) *Service {
	if bl == nil {
		bl = config.DefaultBlocklist()
	}
	s := &Service{
		enabled:      opts.Enabled,
		maxInputLen:  opts.MaxInputLen,
		maxOutputLen: opts.MaxOutputLen,
	}
	if s.maxInputLen <= 0 {
		s.maxInputLen = 8000
	}
	if s.maxOutputLen <= 0 {
		s.maxOutputLen = 4000
	}
	s.SetBlocklist(bl)
	return s
}

// SetBlocklist replaces the active pattern lists. Patterns are matched
// case-insensitively, so they are normalized here once.
func (s *Service) SetBlocklist(bl *config.Blocklist) {
	input := make([]string, 0, len(bl.InputPatterns))
	for _, p := range bl.InputPatterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			input = append(input, p)
		}
	}
	output := make([]string, 0, len(bl.OutputPatterns))
	for _, p := range bl.OutputPatterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			output = append(output, p)
		}
	}
	s.mu.Lock()
	s.inputPatterns = input
	s.outputPatterns = output
	s.mu.Unlock()
}

// GuardInput checks user input. Rejections carry a reason; the caller replies
// with a canned safe message and skips the agent entirely.
func (s *Service) GuardInput(text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{Passed: false, FilteredText: "", Reason: "empty"}
	}
	if !s.enabled {
		return Result{Passed: true, FilteredText: text}
	}
	if len(text) > s.maxInputLen {
		return Result{Passed: false, FilteredText: text, Reason: "too_long"}
	}
	lower := strings.ToLower(text)
	s.mu.RLock()
	patterns := s.inputPatterns
	s.mu.RUnlock()
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return Result{Passed: false, FilteredText: text, Reason: "input_blocked:" + p}
		}
	}
	return Result{Passed: true, FilteredText: text}
}

// GuardOutput sanitizes agent output: each sensitive pattern is replaced in
// one left-to-right pass over the text, then the text is truncated to the
// output bound. An occurrence that only forms across the edge of an inserted
// marker is not rescanned. Always passes.
func (s *Service) GuardOutput(text string) Result {
	if text == "" {
		return Result{Passed: true, FilteredText: ""}
	}

	filtered := text
	if s.enabled {
		s.mu.RLock()
		patterns := s.outputPatterns
		s.mu.RUnlock()
		for _, p := range patterns {
			filtered = replaceAllFold(filtered, p, removedMarker)
		}
	}

	if len(filtered) > s.maxOutputLen && !alreadyTruncated(filtered, s.maxOutputLen) {
		filtered = filtered[:s.maxOutputLen] + truncatedMarker
	}
	return Result{Passed: true, FilteredText: filtered}
}

// alreadyTruncated reports whether text is the output of a previous
// truncation pass, which keeps GuardOutput idempotent.
func alreadyTruncated(text string, maxLen int) bool {
	return strings.HasSuffix(text, truncatedMarker) && len(text) <= maxLen+len(truncatedMarker)
}

// replaceAllFold replaces every case-insensitive occurrence of pattern.
// pattern must already be lowercase. The scan resumes after each replacement
// so a marker containing the pattern cannot loop.
func replaceAllFold(text, pattern, replacement string) string {
	var b strings.Builder
	lower := strings.ToLower(text)
	start := 0
	for {
		idx := strings.Index(lower[start:], pattern)
		if idx < 0 {
			b.WriteString(text[start:])
			return b.String()
		}
		idx += start
		b.WriteString(text[start:idx])
		b.WriteString(replacement)
		start = idx + len(pattern)
	}
}
