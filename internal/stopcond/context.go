package stopcond

import "time"

// Context is the per-iteration snapshot conditions are evaluated
// against. The loop runner assembles one after every unit of work; the
// evaluator never mutates it.
type Context struct {
	// Iteration is the number of completed iterations.
	Iteration int `json:"iteration"`

	// Elapsed is the wall time since the run started.
	Elapsed time.Duration `json:"elapsed"`

	// ConsecutiveFailures counts failed iterations since the last
	// successful one.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// MadeProgress reports whether the progress tracker saw forward
	// movement in the most recent iteration. NoProgressStreak counts
	// how many iterations in a row it did not.
	MadeProgress     bool `json:"made_progress"`
	NoProgressStreak int  `json:"no_progress_streak"`

	// TestsPassed and FailingTests come from the progress tracker's
	// scan of the most recent output. Both zero means no test run was
	// observed.
	TestsPassed  int `json:"tests_passed"`
	FailingTests int `json:"failing_tests"`

	// RecentOutput is the most recent iteration's output.
	RecentOutput string `json:"recent_output"`

	// LastError is the most recent iteration's error text, empty when
	// the iteration succeeded.
	LastError string `json:"last_error"`

	// UserSignal is set when an external stop request should be
	// handled through the condition system.
	UserSignal bool `json:"user_signal"`

	// WorkDir anchors relative file condition paths.
	WorkDir string `json:"work_dir"`
}
