package session

import "errors"

// Sentinel errors callers dispatch on with errors.Is. All session errors
// are recoverable: the caller decides between retry, reboot, and terminate.
var (
	// ErrTimeout means no completion marker arrived within the response
	// timeout. The session is left in StateError.
	ErrTimeout = errors.New("session: response timeout")
	// ErrNotReady means the session cannot accept work in its current state.
	ErrNotReady = errors.New("session: not ready")
	// ErrCapacity means the manager is tracking its maximum number of
	// sessions and none could be pruned.
	ErrCapacity = errors.New("session: capacity exceeded")
	// ErrExited means the agent process ended while a unit of work was
	// still in flight.
	ErrExited = errors.New("session: process exited")
)
