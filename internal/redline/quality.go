package redline

import "strings"

// QualityScore grades iteration output on a 0-1 scale from cheap surface
// signals: enough substance to be a real work report and low line-level
// repetition. It is an input to the degradation trend, not a correctness
// judgment.
func QualityScore(output string) float64 {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return 0
	}

	// Substance: full credit at 400+ chars, linear below.
	lengthScore := float64(len(trimmed)) / 400
	if lengthScore > 1 {
		lengthScore = 1
	}

	// Repetition: ratio of distinct non-blank lines.
	lines := strings.Split(trimmed, "\n")
	seen := make(map[string]struct{}, len(lines))
	nonBlank := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		nonBlank++
		seen[line] = struct{}{}
	}
	uniqueScore := 1.0
	if nonBlank > 0 {
		uniqueScore = float64(len(seen)) / float64(nonBlank)
	}

	return 0.5*lengthScore + 0.5*uniqueScore
}
