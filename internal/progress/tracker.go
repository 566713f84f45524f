// Package progress derives a coarse work summary from raw iteration
// output. Everything here is heuristic: the loop only uses the summary
// to feed stop-condition context fields, never to judge correctness.
package progress

import (
	"regexp"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/flywheeldev/flywheel/internal/logging"
)

// Summary is the tracker's read of one iteration.
type Summary struct {
	// MadeProgress reports whether the iteration appears to have moved
	// the work forward.
	MadeProgress bool `json:"made_progress"`

	// Score is a 0..1 heuristic combining work markers and test health.
	Score float64 `json:"score"`

	// TestsPassed and FailingTests are parsed from test-runner output
	// in the iteration. Both zero means no test run was seen.
	TestsPassed  int `json:"tests_passed"`
	FailingTests int `json:"failing_tests"`
}

var (
	goFailLine = regexp.MustCompile(`(?m)^\s*--- FAIL: (\S+)`)
	goPassLine = regexp.MustCompile(`(?m)^\s*--- PASS: (\S+)`)
	numPassed  = regexp.MustCompile(`(?i)\b(\d+)\s+(?:tests?\s+)?pass(?:ed|ing)?\b`)
	numFailed  = regexp.MustCompile(`(?i)\b(\d+)\s+(?:tests?\s+)?fail(?:ed|ing|ures?)?\b`)

	workMarkers = []*regexp.Regexp{
		regexp.MustCompile(`(?im)^\s*(?:created|wrote|modified|updated|deleted|renamed)\b`),
		regexp.MustCompile(`(?i)\bfiles? changed\b`),
		regexp.MustCompile(`(?i)\b(?:insertions?|deletions?)\(\+?-?\)`),
		regexp.MustCompile(`(?i)\bcommitted\b|\bcommit [0-9a-f]{7,40}\b`),
		regexp.MustCompile(`(?im)^\s*(?:applied|applying) (?:patch|diff|edit)\b`),
	}
)

// Tracker keeps just enough history between observations to tell
// whether test health is improving. One tracker per run.
type Tracker struct {
	log zerolog.Logger

	mu          sync.Mutex
	hasBaseline bool
	lastPassed  int
	lastFailing int
	stall       int
}

func NewTracker() *Tracker {
	return &Tracker{log: logging.Component("progress")}
}

// Observe scans one iteration's output. A non-nil iteration error
// always reads as no progress.
func (t *Tracker) Observe(output string, iterErr error) Summary {
	passed, failing, sawTests := parseTestCounts(output)
	work := countWorkMarkers(output)

	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{TestsPassed: passed, FailingTests: failing}

	switch {
	case iterErr != nil:
		s.MadeProgress = false
	case t.hasBaseline && sawTests && failing < t.lastFailing:
		s.MadeProgress = true
	case t.hasBaseline && sawTests && passed > t.lastPassed:
		s.MadeProgress = true
	case work > 0:
		s.MadeProgress = true
	}

	s.Score = score(work, passed, failing, sawTests, s.MadeProgress)
	if iterErr != nil {
		s.Score = 0
	}

	if sawTests {
		t.hasBaseline = true
		t.lastPassed = passed
		t.lastFailing = failing
	}
	if s.MadeProgress {
		t.stall = 0
	} else {
		t.stall++
	}

	t.log.Debug().
		Bool("made_progress", s.MadeProgress).
		Float64("score", s.Score).
		Int("tests_passed", passed).
		Int("tests_failing", failing).
		Int("work_markers", work).
		Msg("observed iteration output")
	return s
}

// Stall reports how many consecutive observations showed no progress.
func (t *Tracker) Stall() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stall
}

// Reset clears the baseline and stall counter, typically after a reboot
// or when a new run starts.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hasBaseline = false
	t.lastPassed = 0
	t.lastFailing = 0
	t.stall = 0
}

func parseTestCounts(output string) (passed, failing int, sawTests bool) {
	passed = len(dedupe(goPassLine.FindAllStringSubmatch(output, -1)))
	failing = len(dedupe(goFailLine.FindAllStringSubmatch(output, -1)))

	if m := numPassed.FindStringSubmatch(output); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > passed {
			passed = n
		}
	}
	if m := numFailed.FindStringSubmatch(output); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > failing {
			failing = n
		}
	}
	return passed, failing, passed > 0 || failing > 0
}

func dedupe(matches [][]string) map[string]struct{} {
	names := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		names[m[1]] = struct{}{}
	}
	return names
}

func countWorkMarkers(output string) int {
	total := 0
	for _, re := range workMarkers {
		total += len(re.FindAllStringIndex(output, -1))
	}
	return total
}

func score(work, passed, failing int, sawTests, madeProgress bool) float64 {
	workScore := float64(work) / 3
	if workScore > 1 {
		workScore = 1
	}

	testScore := 0.0
	if sawTests {
		testScore = float64(passed) / float64(passed+failing)
	} else if madeProgress {
		testScore = 0.5
	}

	v := 0.3*workScore + 0.7*testScore
	if v > 1 {
		return 1
	}
	return v
}
