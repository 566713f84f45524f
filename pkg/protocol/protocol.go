// Package protocol documents the contract between the loop and the
// agent it drives: the output signals the engine reacts to.
//
// The engine never parses an agent's internal reasoning. Everything it
// knows comes from plain lines in the agent's output: a completion
// marker ends the run, a compaction request reboots the session, and
// test results feed the stop conditions. Instructions renders that
// contract as a prompt fragment so an agent can be taught the signals
// explicitly (see `flywheel run --teach`).
package protocol

import "strings"

// DefaultMarker is the completion line the starter run definition
// watches for.
const DefaultMarker = "DONE"

// Instructions returns a prompt fragment teaching an agent the output
// signals the loop understands. marker is the completion line the run's
// stop conditions watch for; empty means DefaultMarker.
func Instructions(marker string) string {
	marker = strings.TrimSpace(marker)
	if marker == "" {
		marker = DefaultMarker
	}

	return `You are running inside a supervised loop. The same instruction is sent
to you repeatedly; treat each round as one unit of work and leave the
workspace in a state the next round can build on.

## Signals the loop understands

- When the overall task is finished, print ` + "`" + marker + "`" + ` on its own
  line. The loop stops and reports success.
- When your context window is nearly full, print ` + "`please /compact`" + ` on
  its own line. The loop restarts your session cleanly instead of
  letting it degrade.
- Run the test suite after changing code. Test results in your output
  feed the loop's stop conditions.

## Each round

1. Orient: inspect the working tree and any notes left by earlier rounds.
2. Pick the smallest step that moves the task forward and do it.
3. Verify with the tests, then summarize what changed and what is left.
`
}
