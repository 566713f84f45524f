package stopcond

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// outcome is the result of evaluating one condition node. trigger names
// the condition whose check actually fired, which for composites can be
// a descendant leaf.
type outcome struct {
	met      bool
	reason   string
	progress float64
	trigger  string
}

func metOutcome(c Condition, progress float64, reason string) outcome {
	return outcome{met: true, reason: reason, progress: clampProgress(progress), trigger: c.String()}
}

func notMet(c Condition, progress float64, reason string) outcome {
	return outcome{reason: reason, progress: clampProgress(progress), trigger: c.String()}
}

// evalLeaf evaluates the leaf kinds that need no process execution.
func evalLeaf(c Condition, ec Context) outcome {
	switch c.Kind {
	case KindMaxIterations:
		progress := ratio(ec.Iteration, c.Threshold)
		if ec.Iteration >= c.Threshold {
			return metOutcome(c, progress, fmt.Sprintf("iteration %d reached limit %d", ec.Iteration, c.Threshold))
		}
		return notMet(c, progress, fmt.Sprintf("iteration %d of %d", ec.Iteration, c.Threshold))

	case KindMaxDuration:
		progress := float64(ec.Elapsed) / float64(c.Duration)
		if ec.Elapsed >= c.Duration {
			return metOutcome(c, progress, fmt.Sprintf("elapsed %s reached limit %s", ec.Elapsed.Round(timeRound), c.Duration))
		}
		return notMet(c, progress, fmt.Sprintf("elapsed %s of %s", ec.Elapsed.Round(timeRound), c.Duration))

	case KindFailureStreak:
		progress := ratio(ec.ConsecutiveFailures, c.Threshold)
		if ec.ConsecutiveFailures >= c.Threshold {
			return metOutcome(c, progress, fmt.Sprintf("%d consecutive failures reached limit %d", ec.ConsecutiveFailures, c.Threshold))
		}
		return notMet(c, progress, fmt.Sprintf("%d consecutive failures of %d", ec.ConsecutiveFailures, c.Threshold))

	case KindNoProgress:
		progress := ratio(ec.NoProgressStreak, c.Threshold)
		if ec.NoProgressStreak >= c.Threshold {
			return metOutcome(c, progress, fmt.Sprintf("no progress for %d iterations", ec.NoProgressStreak))
		}
		return notMet(c, progress, fmt.Sprintf("%d iterations without progress of %d", ec.NoProgressStreak, c.Threshold))

	case KindTestsAllPass:
		total := ec.TestsPassed + ec.FailingTests
		if total == 0 {
			return notMet(c, 0, "no test run observed")
		}
		progress := float64(ec.TestsPassed) / float64(total)
		if ec.FailingTests == 0 {
			return metOutcome(c, 1, fmt.Sprintf("all %d tests passing", ec.TestsPassed))
		}
		return notMet(c, progress, fmt.Sprintf("%d tests failing", ec.FailingTests))

	case KindSpecificTestsPass:
		return evalSpecificTests(c, ec)

	case KindFileCreated:
		path := resolvePath(ec.WorkDir, c.Path)
		if _, err := os.Stat(path); err == nil {
			return metOutcome(c, 1, fmt.Sprintf("file %s exists", path))
		}
		return notMet(c, 0, fmt.Sprintf("file %s missing", path))

	case KindFileContains:
		path := resolvePath(ec.WorkDir, c.Path)
		data, err := os.ReadFile(path)
		if err != nil {
			return notMet(c, 0, fmt.Sprintf("read %s: %v", path, err))
		}
		if strings.Contains(string(data), c.Needle) {
			return metOutcome(c, 1, fmt.Sprintf("file %s contains %q", path, c.Needle))
		}
		return notMet(c, 0, fmt.Sprintf("file %s does not contain %q", path, c.Needle))

	case KindOutputPattern:
		re := c.re
		if re == nil {
			var err error
			re, err = regexp.Compile(c.Pattern)
			if err != nil {
				return notMet(c, 0, fmt.Sprintf("bad pattern: %v", err))
			}
		}
		if re.MatchString(ec.RecentOutput) {
			return metOutcome(c, 1, fmt.Sprintf("output matched %s", c.Pattern))
		}
		return notMet(c, 0, "no match in recent output")

	case KindOnError:
		if ec.LastError != "" {
			return metOutcome(c, 1, fmt.Sprintf("iteration error: %s", ec.LastError))
		}
		return notMet(c, 0, "no iteration error")

	case KindUserSignal:
		if ec.UserSignal {
			return metOutcome(c, 1, "user stop signal received")
		}
		return notMet(c, 0, "no user signal")

	case KindNever:
		return notMet(c, 0, "never stops")

	default:
		return notMet(c, 0, fmt.Sprintf("unknown kind %q", c.Kind))
	}
}

// evalSpecificTests scans the recent output for pass/fail verdict lines
// mentioning each named test. The last verdict per test wins.
func evalSpecificTests(c Condition, ec Context) outcome {
	passing := 0
	var missing, failing []string
	for _, name := range c.Tests {
		switch lastVerdict(ec.RecentOutput, name) {
		case verdictPass:
			passing++
		case verdictFail:
			failing = append(failing, name)
		default:
			missing = append(missing, name)
		}
	}
	progress := float64(passing) / float64(len(c.Tests))
	if passing == len(c.Tests) {
		return metOutcome(c, 1, fmt.Sprintf("all %d named tests passing", passing))
	}
	var parts []string
	if len(failing) > 0 {
		parts = append(parts, fmt.Sprintf("failing: %s", strings.Join(failing, ",")))
	}
	if len(missing) > 0 {
		parts = append(parts, fmt.Sprintf("no verdict: %s", strings.Join(missing, ",")))
	}
	return notMet(c, progress, strings.Join(parts, "; "))
}

type verdict int

const (
	verdictNone verdict = iota
	verdictPass
	verdictFail
)

var (
	passWord = regexp.MustCompile(`(?i)\b(pass|passed|ok)\b`)
	failWord = regexp.MustCompile(`(?i)\b(fail|failed|failure|error)\b`)
)

func lastVerdict(output, test string) verdict {
	last := verdictNone
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, test) {
			continue
		}
		// Fail markers outrank pass markers on the same line so that
		// lines like "FAIL: TestX (expected PASS)" read as failures.
		if failWord.MatchString(line) {
			last = verdictFail
		} else if passWord.MatchString(line) {
			last = verdictPass
		}
	}
	return last
}

const timeRound = 100 * time.Millisecond

func ratio(n, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(n) / float64(limit)
}

func clampProgress(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func resolvePath(workDir, path string) string {
	if filepath.IsAbs(path) || workDir == "" {
		return path
	}
	return filepath.Join(workDir, path)
}
