// Package events defines the lifecycle events emitted by a loop run and the
// broadcaster that fans them out to subscribers.
package events

import (
	"time"
)

// Kind identifies the type of loop event.
type Kind string

const (
	KindRunStarted         Kind = "run_started"
	KindStateChanged       Kind = "state_changed"
	KindIterationStarted   Kind = "iteration_started"
	KindIterationCompleted Kind = "iteration_completed"
	KindIterationSkipped   Kind = "iteration_skipped"
	KindRebootStarted      Kind = "reboot_started"
	KindRebootCompleted    Kind = "reboot_completed"
	KindConditionTriggered Kind = "condition_triggered"
	KindCommandReceived    Kind = "command_received"
	KindRunCompleted       Kind = "run_completed"
	KindRunError           Kind = "run_error"
)

// Event is one lifecycle observation from a run. Data carries kind-specific
// fields (old/new state, duration, trigger reason) kept loose so the web
// stream can forward events without per-kind envelopes.
type Event struct {
	Kind      Kind           `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Iteration int            `json:"iteration,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// New builds an event stamped with the current time.
func New(kind Kind, runID string, iteration int, data map[string]any) Event {
	return Event{
		Kind:      kind,
		Timestamp: time.Now(),
		RunID:     runID,
		Iteration: iteration,
		Data:      data,
	}
}
