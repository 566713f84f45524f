// Package stopcond decides when a loop run should stop. Conditions are
// immutable values, either a leaf check or a composite (All/Any/Not)
// wrapping children, grouped into three pools that determine how a stop
// is classified: normal (run simply completes), success, or failure.
package stopcond

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"time"
)

// Kind identifies what a condition checks.
type Kind string

const (
	KindMaxIterations     Kind = "max_iterations"
	KindMaxDuration       Kind = "max_duration"
	KindFailureStreak     Kind = "failure_streak"
	KindTestsAllPass      Kind = "tests_all_pass"
	KindSpecificTestsPass Kind = "specific_tests_pass"
	KindNoProgress        Kind = "no_progress"
	KindFileCreated       Kind = "file_created"
	KindFileContains      Kind = "file_contains"
	KindOutputPattern     Kind = "output_pattern"
	KindOnError           Kind = "on_error"
	KindCustomScript      Kind = "custom_script"
	KindUserSignal        Kind = "user_signal"
	KindNever             Kind = "never"
	KindAll               Kind = "all"
	KindAny               Kind = "any"
	KindNot               Kind = "not"
)

// Pool classifies what a met condition means for the run outcome.
type Pool string

const (
	PoolNormal  Pool = "normal"
	PoolSuccess Pool = "success"
	PoolFailure Pool = "failure"
)

// Condition is one stop check. Build values through the constructors;
// a condition is never mutated after construction.
type Condition struct {
	Kind      Kind          `json:"kind"`
	Threshold int           `json:"threshold,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Path      string        `json:"path,omitempty"`
	Needle    string        `json:"needle,omitempty"`
	Pattern   string        `json:"pattern,omitempty"`
	Tests     []string      `json:"tests,omitempty"`
	Script    string        `json:"script,omitempty"`
	Lua       string        `json:"lua,omitempty"`
	Children  []Condition   `json:"children,omitempty"`

	re *regexp.Regexp
}

// MaxIterations stops once the iteration counter reaches n.
func MaxIterations(n int) Condition {
	return Condition{Kind: KindMaxIterations, Threshold: n}
}

// MaxDuration stops once the run has been going for at least d.
func MaxDuration(d time.Duration) Condition {
	return Condition{Kind: KindMaxDuration, Duration: d}
}

// FailureStreak stops after n consecutive failed iterations.
func FailureStreak(n int) Condition {
	return Condition{Kind: KindFailureStreak, Threshold: n}
}

// TestsAllPass stops when the tracked test suite ran and nothing failed.
func TestsAllPass() Condition {
	return Condition{Kind: KindTestsAllPass}
}

// SpecificTestsPass stops when every named test last reported a pass.
func SpecificTestsPass(tests ...string) Condition {
	return Condition{Kind: KindSpecificTestsPass, Tests: tests}
}

// NoProgress stops after n consecutive iterations without progress.
func NoProgress(n int) Condition {
	return Condition{Kind: KindNoProgress, Threshold: n}
}

// FileCreated stops once path exists. Relative paths resolve against the
// evaluation context's work directory.
func FileCreated(path string) Condition {
	return Condition{Kind: KindFileCreated, Path: path}
}

// FileContains stops once the file at path contains needle.
func FileContains(path, needle string) Condition {
	return Condition{Kind: KindFileContains, Path: path, Needle: needle}
}

// OutputPattern stops when the most recent iteration output matches the
// regular expression.
func OutputPattern(pattern string) Condition {
	c := Condition{Kind: KindOutputPattern, Pattern: pattern}
	c.re, _ = regexp.Compile(pattern)
	return c
}

// OnError stops when the most recent iteration reported an error.
func OnError() Condition {
	return Condition{Kind: KindOnError}
}

// CustomScript stops when the command (run through `sh -c`, or a .lua
// file run sandboxed) reports met.
func CustomScript(command string) Condition {
	return Condition{Kind: KindCustomScript, Script: command}
}

// LuaScript stops when the inline Lua chunk returns met. The chunk sees
// the evaluation context as a global `ctx` table and returns up to three
// values: met, progress, reason.
func LuaScript(source string) Condition {
	return Condition{Kind: KindCustomScript, Lua: source}
}

// UserSignal stops when an external stop request has been flagged.
func UserSignal() Condition {
	return Condition{Kind: KindUserSignal}
}

// Never never stops the run. Useful as a placeholder in composites.
func Never() Condition {
	return Condition{Kind: KindNever}
}

// All is met only when every child is met. Progress is the average of
// the children's progress.
func All(children ...Condition) Condition {
	return Condition{Kind: KindAll, Children: children}
}

// Any is met when at least one child is met, checking children in order
// and short-circuiting on the first hit. Progress is the maximum across
// children.
func Any(children ...Condition) Condition {
	return Condition{Kind: KindAny, Children: children}
}

// Not inverts its single child and discards the child's progress.
func Not(child Condition) Condition {
	return Condition{Kind: KindNot, Children: []Condition{child}}
}

// Validate checks the condition tree and compiles any patterns. Safe to
// call more than once.
func (c *Condition) Validate() error {
	switch c.Kind {
	case KindMaxIterations, KindFailureStreak, KindNoProgress:
		if c.Threshold <= 0 {
			return fmt.Errorf("%s: threshold must be positive, got %d", c.Kind, c.Threshold)
		}
	case KindMaxDuration:
		if c.Duration <= 0 {
			return fmt.Errorf("%s: duration must be positive, got %s", c.Kind, c.Duration)
		}
	case KindSpecificTestsPass:
		if len(c.Tests) == 0 {
			return fmt.Errorf("%s: at least one test name required", c.Kind)
		}
	case KindFileCreated:
		if c.Path == "" {
			return fmt.Errorf("%s: path required", c.Kind)
		}
	case KindFileContains:
		if c.Path == "" || c.Needle == "" {
			return fmt.Errorf("%s: path and needle required", c.Kind)
		}
	case KindOutputPattern:
		if c.Pattern == "" {
			return fmt.Errorf("%s: pattern required", c.Kind)
		}
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return fmt.Errorf("%s: %w", c.Kind, err)
		}
		c.re = re
	case KindCustomScript:
		if c.Script == "" && c.Lua == "" {
			return fmt.Errorf("%s: script or lua source required", c.Kind)
		}
	case KindTestsAllPass, KindOnError, KindUserSignal, KindNever:
	case KindAll, KindAny:
		if len(c.Children) == 0 {
			return fmt.Errorf("%s: at least one child required", c.Kind)
		}
		for i := range c.Children {
			if err := c.Children[i].Validate(); err != nil {
				return err
			}
		}
	case KindNot:
		if len(c.Children) != 1 {
			return fmt.Errorf("%s: exactly one child required, got %d", c.Kind, len(c.Children))
		}
		return c.Children[0].Validate()
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	return nil
}

// String renders a stable human-readable form, also used as the
// evaluator's cache key and result attribution.
func (c Condition) String() string {
	switch c.Kind {
	case KindMaxIterations, KindFailureStreak, KindNoProgress:
		return fmt.Sprintf("%s(%d)", c.Kind, c.Threshold)
	case KindMaxDuration:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Duration)
	case KindSpecificTestsPass:
		return fmt.Sprintf("%s(%s)", c.Kind, strings.Join(c.Tests, ","))
	case KindFileCreated:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Path)
	case KindFileContains:
		return fmt.Sprintf("%s(%s, %s)", c.Kind, c.Path, c.Needle)
	case KindOutputPattern:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Pattern)
	case KindCustomScript:
		if c.Lua != "" {
			return fmt.Sprintf("%s(lua:%08x)", c.Kind, fnvSum(c.Lua))
		}
		return fmt.Sprintf("%s(%s)", c.Kind, c.Script)
	case KindAll, KindAny:
		parts := make([]string, len(c.Children))
		for i, child := range c.Children {
			parts[i] = child.String()
		}
		return fmt.Sprintf("%s(%s)", c.Kind, strings.Join(parts, ", "))
	case KindNot:
		if len(c.Children) == 1 {
			return fmt.Sprintf("%s(%s)", c.Kind, c.Children[0])
		}
		return string(KindNot)
	default:
		return string(c.Kind)
	}
}

// priority orders conditions within an evaluation pass: error and signal
// checks first, then hard limits, streaks, test results, pattern and
// file probes, scripts, and composites last.
func (c Condition) priority() int {
	switch c.Kind {
	case KindOnError, KindUserSignal:
		return 0
	case KindMaxIterations, KindMaxDuration:
		return 1
	case KindFailureStreak, KindNoProgress:
		return 2
	case KindTestsAllPass, KindSpecificTestsPass:
		return 3
	case KindOutputPattern, KindFileCreated, KindFileContains:
		return 4
	case KindCustomScript:
		return 5
	case KindAll, KindAny, KindNot:
		return 6
	default:
		return 7
	}
}

// cacheable reports whether results for this kind may be reused within a
// short TTL. Only checks that hit the filesystem or spawn processes are.
func (c Condition) cacheable() bool {
	switch c.Kind {
	case KindFileCreated, KindFileContains, KindCustomScript:
		return true
	default:
		return false
	}
}

func fnvSum(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
