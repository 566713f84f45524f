// Package agent describes how to launch and converse with an external
// coding-agent binary. The engine treats every agent as an opaque
// interactive process: it writes one prompt at a time to stdin and scans
// the output stream for a completion marker. Everything binary-specific
// lives in a Spec so new agents need configuration, not code.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"

	"github.com/flywheeldev/flywheel/internal/debug"
)

// DefaultCompletionMarker matches the end-of-work line the engine asks
// agents to print when a unit of work is finished.
const DefaultCompletionMarker = `(?im)^\s*(?:TASK[ _-]?COMPLETE|DONE)[.!]?\s*$`

// Spec holds the launch configuration for one external agent.
type Spec struct {
	Name    string            `json:"name" toml:"name"`
	Command string            `json:"command" toml:"command"`
	Args    []string          `json:"args,omitempty" toml:"args"`
	WorkDir string            `json:"work_dir,omitempty" toml:"work_dir"`
	Env     map[string]string `json:"env,omitempty" toml:"env"`

	// CompletionMarker is a regexp matched line-wise against agent output;
	// the first match ends the current unit of work.
	CompletionMarker string `json:"completion_marker,omitempty" toml:"completion_marker"`

	// ExitCommand is written to the agent to request a graceful exit before
	// the grace period expires and the process group is killed.
	ExitCommand string `json:"exit_command,omitempty" toml:"exit_command"`

	// InitialPrompt, when set, is sent once right after the process starts,
	// before the first unit of work.
	InitialPrompt string `json:"initial_prompt,omitempty" toml:"initial_prompt"`
}

// Validate reports configuration problems that would prevent a launch.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("agent: command is required")
	}
	if s.CompletionMarker != "" {
		if _, err := regexp.Compile(s.CompletionMarker); err != nil {
			return fmt.Errorf("agent: completion marker: %w", err)
		}
	}
	return nil
}

// Marker returns the compiled completion marker, falling back to the
// default when the Spec leaves it empty.
func (s Spec) Marker() (*regexp.Regexp, error) {
	pattern := s.CompletionMarker
	if strings.TrimSpace(pattern) == "" {
		pattern = DefaultCompletionMarker
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("agent: completion marker: %w", err)
	}
	return re, nil
}

// BuildCommand constructs the exec.Cmd for this Spec: working directory,
// inherited environment with the Spec's variables overlaid, debug
// propagation for child diagnostics, and its own process group so the
// whole tree can be killed at once. The command is not started.
func (s Spec) BuildCommand(ctx context.Context) (*exec.Cmd, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	if dir := strings.TrimSpace(s.WorkDir); dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = mergedEnv(s.Env)
	cmd.Env = debug.PropagatedEnv(cmd.Env, "agent:"+s.Name)
	setupProcessGroup(cmd)
	return cmd, nil
}

// mergedEnv inherits the current process environment and overlays extra
// variables.
func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// setupProcessGroup starts the command in its own process group so that
// context cancellation can kill the entire tree. Node.js-based CLIs spawn
// children; without this, orphans hold the pty open and hang the reader.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
}

// KillTree force-kills the process group rooted at pid. Safe to call on an
// already-dead process.
func KillTree(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// ExitCode interprets a process wait error as an exit code.
// Returns (0, nil) for a clean exit, (code, nil) for an ExitError,
// or (0, err) for any other error.
func ExitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}
