package redline

import (
	"regexp"
	"strconv"
	"strings"
)

// Agents report context pressure in loose prose: "Context: 96%",
// "96% of context used", "context left: 4%". Both orderings are matched and
// remaining-style phrasings are inverted into usage.
var (
	contextThenPct = regexp.MustCompile(`(?i)context[^%\n]{0,40}?(\d{1,3}(?:\.\d+)?)\s*%`)
	pctThenContext = regexp.MustCompile(`(?i)(\d{1,3}(?:\.\d+)?)\s*%[^\S\n]*(?:of\s+)?(?:the\s+)?context`)
	remainingWords = regexp.MustCompile(`(?i)\b(remaining|left|free|available)\b`)
)

// ParseMarker scans output for explicit context-percentage markers and
// returns the usage implied by the last one found. ok is false when no
// decodable marker is present.
func ParseMarker(output string) (pct float64, ok bool) {
	type match struct {
		start int
		value float64
	}
	var last *match

	for _, re := range []*regexp.Regexp{contextThenPct, pctThenContext} {
		for _, loc := range re.FindAllStringSubmatchIndex(output, -1) {
			raw := output[loc[2]:loc[3]]
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil || v < 0 || v > 100 {
				continue
			}
			phrase := output[loc[0]:loc[1]]
			if remainingWords.MatchString(surrounding(output, loc[0], loc[1])) || remainingWords.MatchString(phrase) {
				v = 100 - v
			}
			if last == nil || loc[0] >= last.start {
				last = &match{start: loc[0], value: v}
			}
		}
	}

	if last == nil {
		return 0, false
	}
	return last.value, true
}

// surrounding widens a match to its line so inversion words just before or
// after the phrase are seen ("context remaining: 4%", "4% context left").
func surrounding(s string, start, end int) string {
	lineStart := strings.LastIndexByte(s[:start], '\n') + 1
	lineEnd := end
	if idx := strings.IndexByte(s[end:], '\n'); idx >= 0 {
		lineEnd = end + idx
	} else {
		lineEnd = len(s)
	}
	return s[lineStart:lineEnd]
}
