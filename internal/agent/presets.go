package agent

import (
	"sort"
	"strings"
)

// Builtin returns the launch presets shipped with the engine, keyed by
// canonical name. These carry the flags each CLI needs to run unattended;
// run-definition files can override any field.
func Builtin() map[string]Spec {
	return map[string]Spec{
		"claude": {
			Name:        "claude",
			Command:     "claude",
			Args:        []string{"--dangerously-skip-permissions"},
			ExitCommand: "/exit",
		},
		"codex": {
			Name:        "codex",
			Command:     "codex",
			Args:        []string{"--dangerously-bypass-approvals-and-sandbox"},
			ExitCommand: "/quit",
		},
		"shell": {
			Name:        "shell",
			Command:     "/bin/sh",
			ExitCommand: "exit",
		},
	}
}

// Preset looks up a builtin spec by name, case-insensitively.
func Preset(name string) (Spec, bool) {
	s, ok := Builtin()[strings.ToLower(strings.TrimSpace(name))]
	return s, ok
}

// Installed returns the names of builtin presets whose binary resolves
// on PATH or in a known install directory, sorted for stable display.
// Cheaper than Detect because it skips the version probes.
func Installed() []string {
	var names []string
	for name, spec := range Builtin() {
		if _, ok := resolveBinaryPath(spec.Command); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
