package runner

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of one loop run.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateRebooting State = "rebooting"
	StateCompleted State = "completed"
	StateError     State = "error"
	StateStopped   State = "stopped"
)

// Terminal reports whether the run instance has finished. Stopped and
// Error are terminal for the finished run but still allow a new start.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateError, StateStopped:
		return true
	default:
		return false
	}
}

// Startable reports whether a run may start from this state.
func (s State) Startable() bool {
	switch s {
	case StateIdle, StateStopped, StateError:
		return true
	default:
		return false
	}
}

var (
	// ErrInvalidTransition is returned for commands or starts that the
	// current state does not permit. The run itself is unaffected.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnknownCommand is returned by Send for commands outside the
	// command set.
	ErrUnknownCommand = errors.New("unknown command")
)

// transitions lists the legal edges of the run state machine.
var transitions = map[State][]State{
	StateIdle:      {StateRunning, StateStopped},
	StateRunning:   {StatePaused, StateRebooting, StateCompleted, StateError, StateStopped},
	StatePaused:    {StateRunning, StateStopped},
	StateRebooting: {StateRunning, StateError, StateStopped},
	StateStopped:   {StateRunning},
	StateError:     {StateRunning},
	StateCompleted: nil,
}

func legalTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Command is an external control request routed to the loop. Commands
// are serviced at iteration boundaries, never mid-iteration.
type Command string

const (
	CommandPause         Command = "pause"
	CommandResume        Command = "resume"
	CommandStop          Command = "stop"
	CommandForceReboot   Command = "force-reboot"
	CommandSkipIteration Command = "skip-iteration"
)

// Commands lists every command Send accepts.
func Commands() []Command {
	return []Command{
		CommandPause, CommandResume, CommandStop,
		CommandForceReboot, CommandSkipIteration,
	}
}

// commandAllowed reports whether cmd makes sense in the given state.
// States can still change before the command is serviced; the loop
// re-checks and drops commands that no longer apply.
func commandAllowed(cmd Command, s State) error {
	ok := false
	switch cmd {
	case CommandPause:
		ok = s == StateRunning || s == StateRebooting
	case CommandResume:
		ok = s == StatePaused
	case CommandStop:
		ok = !s.Terminal()
	case CommandForceReboot:
		ok = s == StateRunning
	case CommandSkipIteration:
		ok = s == StateRunning || s == StatePaused
	}
	if !ok {
		return fmt.Errorf("%s while %s: %w", cmd, s, ErrInvalidTransition)
	}
	return nil
}
