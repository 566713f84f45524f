// Package hooks runs user-configured actions at fixed points in a run's
// lifecycle. A failing hook can veto loop continuation unless it is
// marked continue-on-error.
package hooks

import (
	"fmt"
	"strings"
	"time"
)

// Point names a lifecycle moment hooks can attach to.
type Point string

const (
	PointLoopStart     Point = "loop-start"
	PointLoopEnd       Point = "loop-end"
	PointPreIteration  Point = "pre-iteration"
	PointPostIteration Point = "post-iteration"
	PointPreReboot     Point = "pre-reboot"
	PointPostReboot    Point = "post-reboot"
)

// Points lists every valid hook point.
func Points() []Point {
	return []Point{
		PointLoopStart, PointLoopEnd,
		PointPreIteration, PointPostIteration,
		PointPreReboot, PointPostReboot,
	}
}

// Kind describes how a hook is executed.
type Kind string

const (
	// KindCommand executes a local command through `sh -c`.
	KindCommand Kind = "command"
	// KindWebhook sends an HTTP POST.
	KindWebhook Kind = "webhook"
)

// Hook defines one registered action.
type Hook struct {
	Name  string `json:"name"`
	Point Point  `json:"point"`

	// Kind is inferred from the populated fields when empty.
	Kind Kind `json:"kind,omitempty"`

	Command string            `json:"command,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty"`

	// ContinueOnError keeps the loop going even when this hook fails.
	// Without it a failure vetoes continuation.
	ContinueOnError bool `json:"continue_on_error,omitempty"`
}

// Validate checks the hook definition.
func (h Hook) Validate() error {
	if h.Point == "" {
		return fmt.Errorf("hook %q: point is required", h.Name)
	}
	if !validPoint(h.Point) {
		return fmt.Errorf("hook %q: unknown point %q", h.Name, h.Point)
	}
	switch h.kind() {
	case KindCommand:
		if strings.TrimSpace(h.Command) == "" {
			return fmt.Errorf("hook %q: command is required", h.Name)
		}
	case KindWebhook:
		if strings.TrimSpace(h.URL) == "" {
			return fmt.Errorf("hook %q: url is required", h.Name)
		}
	default:
		return fmt.Errorf("hook %q: unsupported kind %q", h.Name, h.Kind)
	}
	return nil
}

func (h Hook) kind() Kind {
	if h.Kind != "" {
		return h.Kind
	}
	if strings.TrimSpace(h.URL) != "" {
		return KindWebhook
	}
	return KindCommand
}

func validPoint(p Point) bool {
	for _, known := range Points() {
		if p == known {
			return true
		}
	}
	return false
}

// Context is the payload handed to each hook, serialized as JSON on a
// command hook's stdin and as a webhook body.
type Context struct {
	Point     Point          `json:"point"`
	RunID     string         `json:"run_id"`
	Iteration int            `json:"iteration"`
	State     string         `json:"state,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Result reports one hook execution.
type Result struct {
	Hook     string        `json:"hook"`
	Point    Point         `json:"point"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Output   string        `json:"output,omitempty"`
	Err      string        `json:"error,omitempty"`

	// ContinueLoop is false when this hook vetoes continuation.
	ContinueLoop bool `json:"continue_loop"`
}

// AllContinue reports whether no result vetoed continuation.
func AllContinue(results []Result) bool {
	for _, r := range results {
		if !r.ContinueLoop {
			return false
		}
	}
	return true
}

// FirstVeto returns the result that vetoed continuation, if any.
func FirstVeto(results []Result) (Result, bool) {
	for _, r := range results {
		if !r.ContinueLoop {
			return r, true
		}
	}
	return Result{}, false
}
